package participants

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/openmessenger/groupcall/pkg/types"
)

// Mirror is the local copy of server-authoritative call state. It is
// single-writer (the Registry, on the session goroutine) and multi-reader;
// readers get copies, never interior pointers.
type Mirror struct {
	lock sync.RWMutex

	call               types.CallIdentity
	version            int32
	joinMuted          bool
	canChangeJoinMuted bool

	// serverCount tracks the server-reported participant total, adjusted
	// by join/leave deltas between reloads. It can disagree with the
	// literal list size until the list is fully loaded.
	serverCount int
	allLoaded   bool

	participants *orderedmap.OrderedMap[types.PeerID, *types.Participant]
	peerBySSRC   map[types.SSRC]types.PeerID
}

func NewMirror(call types.CallIdentity) *Mirror {
	return &Mirror{
		call:         call,
		participants: orderedmap.NewOrderedMap[types.PeerID, *types.Participant](),
		peerBySSRC:   make(map[types.SSRC]types.PeerID),
	}
}

func (m *Mirror) Call() types.CallIdentity {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.call
}

// SetCall binds the mirror to a call identity. Sessions started through
// Create learn the identity only once the server allocates it.
func (m *Mirror) SetCall(call types.CallIdentity) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.call = call
}

func (m *Mirror) Version() int32 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.version
}

func (m *Mirror) JoinMuted() (joinMuted bool, canChange bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.joinMuted, m.canChangeJoinMuted
}

// FullCount reconciles the literal list size with the server-reported
// total: once everything is loaded the list wins, until then the larger
// of the two is reported.
func (m *Mirror) FullCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.fullCountLocked()
}

func (m *Mirror) fullCountLocked() int {
	size := m.participants.Len()
	if m.allLoaded {
		return size
	}
	if m.serverCount > size {
		return m.serverCount
	}
	return size
}

// AllLoaded reports whether the local list covers the whole server-side
// participant set.
func (m *Mirror) AllLoaded() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.allLoaded
}

func (m *Mirror) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.participants.Len()
}

// ByPeer returns a copy of the participant row for the given peer.
func (m *Mirror) ByPeer(peer types.PeerID) (types.Participant, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	p, ok := m.participants.Get(peer)
	if !ok {
		return types.Participant{}, false
	}
	return *p, true
}

// BySSRC returns a copy of the participant owning the given source.
func (m *Mirror) BySSRC(ssrc types.SSRC) (types.Participant, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	peer, ok := m.peerBySSRC[ssrc]
	if !ok {
		return types.Participant{}, false
	}
	p, ok := m.participants.Get(peer)
	if !ok {
		return types.Participant{}, false
	}
	return *p, true
}

// ByEndpoint finds the participant publishing the given video endpoint id.
func (m *Mirror) ByEndpoint(endpointID string) (types.Participant, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for el := m.participants.Front(); el != nil; el = el.Next() {
		p := el.Value
		if (p.CameraParams != nil && p.CameraParams.Endpoint == endpointID) ||
			(p.ScreenParams != nil && p.ScreenParams.Endpoint == endpointID) {
			return *p, true
		}
	}
	return types.Participant{}, false
}

// List returns copies of all rows in join order.
func (m *Mirror) List() []types.Participant {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]types.Participant, 0, m.participants.Len())
	for el := m.participants.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value)
	}
	return out
}

func (m *Mirror) getLocked(peer types.PeerID) (*types.Participant, bool) {
	return m.participants.Get(peer)
}

func (m *Mirror) indexSSRCLocked(ssrc types.SSRC, peer types.PeerID) {
	if ssrc != 0 {
		m.peerBySSRC[ssrc] = peer
	}
}

func (m *Mirror) dropSSRCLocked(ssrc types.SSRC) {
	if ssrc != 0 {
		delete(m.peerBySSRC, ssrc)
	}
}

func (m *Mirror) resetLocked() {
	m.participants = orderedmap.NewOrderedMap[types.PeerID, *types.Participant]()
	m.peerBySSRC = make(map[types.SSRC]types.PeerID)
	m.allLoaded = false
}
