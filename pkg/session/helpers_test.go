package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmessenger/groupcall/pkg/engine"
	"github.com/openmessenger/groupcall/pkg/rpc"
	"github.com/openmessenger/groupcall/pkg/types"
)

const (
	waitTimeout = 3 * time.Second
	waitTick    = 2 * time.Millisecond
)

var testCall = types.CallIdentity{ID: 17, AccessHash: 29}

// fakeTransport implements rpc.Transport with per-method hooks. Configure
// the hooks before Session.Start; counters are safe to read any time.
type fakeTransport struct {
	mu      sync.Mutex
	updates chan rpc.Update

	createFunc  func(ctx context.Context, req *rpc.CreateCallRequest) (*rpc.CallInfo, error)
	joinFunc    func(req *rpc.JoinRequest) (*rpc.JoinResponse, error)
	screenFunc  func(req *rpc.JoinPresentationRequest) (*rpc.JoinResponse, error)
	getCallFunc func() (*rpc.CallSnapshot, error)
	partsFunc   func(req *rpc.GetParticipantsRequest) (*rpc.ParticipantsSlice, error)
	editFunc    func(req *rpc.EditRequest) error
	checkFunc   func(ssrcs []types.SSRC) ([]types.SSRC, error)
	partFunc    func(req *rpc.BroadcastPartRequest) (*rpc.BroadcastPartResponse, error)
	inviteErr   error

	joinCalls        int
	joinReqs         []*rpc.JoinRequest
	screenJoinCalls  int
	getCallCalls     int
	leaveCalls       int
	leaveSSRC        types.SSRC
	screenLeaveCalls int
	discardCalls     int
	edits            []*rpc.EditRequest
	inviteBatches    [][]types.PeerID
	partCalls        int
	partReqs         []*rpc.GetParticipantsRequest
	broadcastCalls   int
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{
		updates: make(chan rpc.Update, 16),
	}
	t.joinFunc = func(req *rpc.JoinRequest) (*rpc.JoinResponse, error) {
		return &rpc.JoinResponse{ResponsePayload: []byte("answer"), ServerTimeMS: 1000}, nil
	}
	t.screenFunc = func(req *rpc.JoinPresentationRequest) (*rpc.JoinResponse, error) {
		return &rpc.JoinResponse{ResponsePayload: []byte("screen-answer")}, nil
	}
	t.getCallFunc = func() (*rpc.CallSnapshot, error) {
		return &rpc.CallSnapshot{
			Info: rpc.CallInfo{Identity: testCall, Version: 1, FullCount: 1},
			Participants: []*types.Participant{
				{PeerID: "alice", SSRC: 111, Volume: types.DefaultVolume},
			},
		}, nil
	}
	t.partsFunc = func(req *rpc.GetParticipantsRequest) (*rpc.ParticipantsSlice, error) {
		list := make([]*types.Participant, 0, len(req.SSRCs))
		for _, ssrc := range req.SSRCs {
			list = append(list, &types.Participant{
				PeerID: types.PeerID(fmt.Sprintf("peer-%d", ssrc)),
				SSRC:   ssrc,
				Volume: types.DefaultVolume,
			})
		}
		return &rpc.ParticipantsSlice{Version: 1, FullCount: len(list), Participants: list}, nil
	}
	t.editFunc = func(req *rpc.EditRequest) error { return nil }
	t.checkFunc = func(ssrcs []types.SSRC) ([]types.SSRC, error) { return ssrcs, nil }
	t.partFunc = func(req *rpc.BroadcastPartRequest) (*rpc.BroadcastPartResponse, error) {
		return &rpc.BroadcastPartResponse{Payload: []byte("part"), ResponseTimestampMS: req.TimestampMS}, nil
	}
	return t
}

func (t *fakeTransport) CreateCall(ctx context.Context, req *rpc.CreateCallRequest) (*rpc.CallInfo, error) {
	if t.createFunc != nil {
		return t.createFunc(ctx, req)
	}
	return &rpc.CallInfo{Identity: testCall, Version: 1}, nil
}

func (t *fakeTransport) JoinCall(_ context.Context, req *rpc.JoinRequest) (*rpc.JoinResponse, error) {
	t.mu.Lock()
	t.joinCalls++
	t.joinReqs = append(t.joinReqs, req)
	fn := t.joinFunc
	t.mu.Unlock()
	return fn(req)
}

func (t *fakeTransport) JoinPresentation(_ context.Context, req *rpc.JoinPresentationRequest) (*rpc.JoinResponse, error) {
	t.mu.Lock()
	t.screenJoinCalls++
	fn := t.screenFunc
	t.mu.Unlock()
	return fn(req)
}

func (t *fakeTransport) LeaveCall(_ context.Context, _ types.CallIdentity, ssrc types.SSRC) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveCalls++
	t.leaveSSRC = ssrc
	return nil
}

func (t *fakeTransport) LeavePresentation(context.Context, types.CallIdentity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.screenLeaveCalls++
	return nil
}

func (t *fakeTransport) DiscardCall(context.Context, types.CallIdentity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discardCalls++
	return nil
}

func (t *fakeTransport) CheckCall(_ context.Context, _ types.CallIdentity, ssrcs []types.SSRC) ([]types.SSRC, error) {
	t.mu.Lock()
	fn := t.checkFunc
	t.mu.Unlock()
	return fn(ssrcs)
}

func (t *fakeTransport) GetCall(context.Context, types.CallIdentity, int) (*rpc.CallSnapshot, error) {
	t.mu.Lock()
	t.getCallCalls++
	fn := t.getCallFunc
	t.mu.Unlock()
	return fn()
}

func (t *fakeTransport) GetParticipants(_ context.Context, req *rpc.GetParticipantsRequest) (*rpc.ParticipantsSlice, error) {
	t.mu.Lock()
	t.partCalls++
	t.partReqs = append(t.partReqs, req)
	fn := t.partsFunc
	t.mu.Unlock()
	return fn(req)
}

func (t *fakeTransport) EditParticipant(_ context.Context, req *rpc.EditRequest) error {
	t.mu.Lock()
	t.edits = append(t.edits, req)
	fn := t.editFunc
	t.mu.Unlock()
	return fn(req)
}

func (t *fakeTransport) InviteUsers(_ context.Context, _ types.CallIdentity, users []types.PeerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inviteBatches = append(t.inviteBatches, users)
	return t.inviteErr
}

func (t *fakeTransport) GetBroadcastPart(ctx context.Context, req *rpc.BroadcastPartRequest) (*rpc.BroadcastPartResponse, error) {
	t.mu.Lock()
	t.broadcastCalls++
	fn := t.partFunc
	t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(req)
}

func (t *fakeTransport) Updates() <-chan rpc.Update {
	return t.updates
}

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joinCalls
}

func (t *fakeTransport) editCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.edits)
}

func (t *fakeTransport) lastEdit() *rpc.EditRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.edits) == 0 {
		return nil
	}
	return t.edits[len(t.edits)-1]
}

func (t *fakeTransport) getCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getCallCalls
}

func (t *fakeTransport) leaveCount() (int, types.SSRC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveCalls, t.leaveSSRC
}

func (t *fakeTransport) screenLeaveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.screenLeaveCalls
}

func (t *fakeTransport) discardCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discardCalls
}

func (t *fakeTransport) broadcastCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broadcastCalls
}

func (t *fakeTransport) inviteSizes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sizes := make([]int, 0, len(t.inviteBatches))
	for _, batch := range t.inviteBatches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

// fakeEngine implements engine.Instance with a fixed negotiated ssrc.
type fakeEngine struct {
	mu        sync.Mutex
	callbacks engine.Callbacks
	ssrc      types.SSRC

	muted     []bool
	responses [][]byte
	captures  []*engine.VideoCaptureHandle
	removed   [][]types.SSRC
	volumes   map[types.SSRC]float64
	stopped   bool
}

func (e *fakeEngine) EmitJoinPayload(f func(engine.JoinPayload)) {
	ssrc := e.ssrc
	go f(engine.JoinPayload{AudioSSRC: ssrc, Blob: []byte("offer")})
}

func (e *fakeEngine) SetJoinResponsePayload(blob []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses = append(e.responses, blob)
}

func (e *fakeEngine) SetConnectionMode(engine.ConnectionMode) {}

func (e *fakeEngine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = append(e.muted, muted)
}

func (e *fakeEngine) SetVideoCapture(handle *engine.VideoCaptureHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captures = append(e.captures, handle)
}

func (e *fakeEngine) SetRequestedVideoChannels([]engine.VideoChannelDescription) {}

func (e *fakeEngine) AddIncomingVideoOutput(string, engine.VideoSink) {}

func (e *fakeEngine) RemoveSSRCs(ssrcs []types.SSRC) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, ssrcs)
}

func (e *fakeEngine) SetVolume(ssrc types.SSRC, level float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.volumes == nil {
		e.volumes = make(map[types.SSRC]float64)
	}
	e.volumes[ssrc] = level
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

func (e *fakeEngine) connect() {
	e.callbacks.NetworkStateUpdated(engine.NetworkState{Connected: true})
}

func (e *fakeEngine) disconnect() {
	e.callbacks.NetworkStateUpdated(engine.NetworkState{Connected: false})
}

type fakeFactory struct {
	mu        sync.Mutex
	instances []*fakeEngine
	nextSSRC  types.SSRC
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{nextSSRC: 1000}
}

func (f *fakeFactory) create(callbacks engine.Callbacks) (engine.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{callbacks: callbacks, ssrc: f.nextSSRC}
	f.nextSSRC++
	f.instances = append(f.instances, e)
	return e, nil
}

func (f *fakeFactory) CreateInstance(callbacks engine.Callbacks) (engine.Instance, error) {
	return f.create(callbacks)
}

func (f *fakeFactory) CreateScreencastInstance(callbacks engine.Callbacks) (engine.Instance, error) {
	return f.create(callbacks)
}

func (f *fakeFactory) instance(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.instances) {
		return nil
	}
	return f.instances[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

func newTestSession(t *testing.T, tune func(*Params)) (*Session, *fakeTransport, *fakeFactory) {
	t.Helper()
	transport := newFakeTransport()
	factory := newFakeFactory()
	params := Params{
		Transport: transport,
		Engines:   factory,
		Peer:      "chat",
		Self:      "me",
		Config: Config{
			// liveness and reload pacing are exercised explicitly where
			// needed
			LivenessCheckInterval: time.Hour,
			GapReloadDelay:        time.Hour,
		},
	}
	if tune != nil {
		tune(&params)
	}
	s := NewSession(params)
	t.Cleanup(s.Close)
	return s, transport, factory
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitTimeout, waitTick,
		"expected state %s, have %s", want, s.State())
}

// joinAndConnect drives the session to Joined against the default fakes.
func joinAndConnect(t *testing.T, s *Session, factory *fakeFactory) *fakeEngine {
	t.Helper()
	s.Start()
	s.Join(testCall)
	waitState(t, s, StateConnecting)
	main := factory.instance(0)
	require.NotNil(t, main)
	main.connect()
	waitState(t, s, StateJoined)
	return main
}
