package video

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmessenger/groupcall/pkg/engine"
	"github.com/openmessenger/groupcall/pkg/participants"
	"github.com/openmessenger/groupcall/pkg/types"
)

type fakeSink struct{}

func (fakeSink) OnFrame(int, int, []byte) {}

type fakeInstance struct {
	mu       sync.Mutex
	channels [][]engine.VideoChannelDescription
	outputs  map[string]engine.VideoSink
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{outputs: make(map[string]engine.VideoSink)}
}

func (f *fakeInstance) EmitJoinPayload(func(engine.JoinPayload))   {}
func (f *fakeInstance) SetJoinResponsePayload([]byte)              {}
func (f *fakeInstance) SetConnectionMode(engine.ConnectionMode)    {}
func (f *fakeInstance) SetMuted(bool)                              {}
func (f *fakeInstance) SetVideoCapture(*engine.VideoCaptureHandle) {}
func (f *fakeInstance) RemoveSSRCs([]types.SSRC)                   {}
func (f *fakeInstance) SetVolume(types.SSRC, float64)              {}
func (f *fakeInstance) Stop()                                      {}

func (f *fakeInstance) SetRequestedVideoChannels(channels []engine.VideoChannelDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channels)
}

func (f *fakeInstance) AddIncomingVideoOutput(endpointID string, sink engine.VideoSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[endpointID] = sink
}

func (f *fakeInstance) lastChannels() []engine.VideoChannelDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

func videoRow(peer types.PeerID, ssrc types.SSRC, cameraEndpoint string) *types.Participant {
	p := &types.Participant{PeerID: peer, SSRC: ssrc, Volume: types.DefaultVolume}
	if cameraEndpoint != "" {
		p.CameraParams = &types.VideoParams{
			Endpoint:   cameraEndpoint,
			SSRCGroups: []types.SSRCGroup{{Semantics: "SIM", SSRCs: []types.SSRC{ssrc + 1}}},
		}
	}
	return p
}

func camEndpoint(peer types.PeerID, id string) types.VideoEndpoint {
	return types.VideoEndpoint{PeerID: peer, Kind: types.StreamKindCamera, ID: id}
}

func newTestTracker(t *testing.T, rows ...*types.Participant) (*Tracker, *fakeInstance) {
	t.Helper()
	mirror := participants.NewMirror(types.CallIdentity{ID: 1})
	registry := participants.NewRegistry(mirror, participants.RegistryParams{})
	registry.ApplySnapshot(1, len(rows), false, false, rows)
	tracker := NewTracker(TrackerParams{
		Mirror:        mirror,
		SinkFactory:   func(types.VideoEndpoint) engine.VideoSink { return fakeSink{} },
		DebounceDelay: time.Millisecond,
	})
	instance := newFakeInstance()
	tracker.SetInstance(instance)
	return tracker, instance
}

func TestMarkActive(t *testing.T) {
	t.Run("activation attaches a sink and emits once", func(t *testing.T) {
		tracker, instance := newTestTracker(t, videoRow("alice", 100, "ep-alice"))
		var events []bool
		tracker.OnEndpointActive(func(_ types.VideoEndpoint, active bool) {
			events = append(events, active)
		})

		ep := camEndpoint("alice", "ep-alice")
		tracker.MarkActive(ep, true)
		tracker.MarkActive(ep, true)

		assert.Equal(t, []bool{true}, events)
		assert.True(t, tracker.IsActive(ep))
		_, ok := instance.outputs["ep-alice"]
		assert.True(t, ok)
	})

	t.Run("deactivating a pinned endpoint clears the pin once", func(t *testing.T) {
		tracker, _ := newTestTracker(t, videoRow("alice", 100, "ep-alice"))
		ep := camEndpoint("alice", "ep-alice")
		tracker.MarkActive(ep, true)
		tracker.Pin(ep)
		require.Equal(t, ep, tracker.Pinned())

		var pinEvents []types.VideoEndpoint
		tracker.OnPinChanged(func(endpoint types.VideoEndpoint) {
			pinEvents = append(pinEvents, endpoint)
		})
		tracker.MarkActive(ep, false)
		tracker.MarkActive(ep, false)

		require.Len(t, pinEvents, 1, "pin clear must emit exactly one event")
		assert.True(t, pinEvents[0].IsZero())
		assert.True(t, tracker.Pinned().IsZero())
	})

	t.Run("pinning an inactive endpoint is refused", func(t *testing.T) {
		tracker, _ := newTestTracker(t, videoRow("alice", 100, "ep-alice"))
		tracker.Pin(camEndpoint("alice", "ep-alice"))
		assert.True(t, tracker.Pinned().IsZero())
	})
}

func TestRecompute(t *testing.T) {
	t.Run("skips own endpoints and unresolved owners", func(t *testing.T) {
		tracker, instance := newTestTracker(t,
			videoRow("alice", 100, "ep-alice"),
			videoRow("me", 500, "ep-me"),
		)
		tracker.SetOwnEndpoints("ep-me", "")
		tracker.MarkActive(camEndpoint("alice", "ep-alice"), true)
		tracker.MarkActive(camEndpoint("me", "ep-me"), true)
		tracker.MarkActive(camEndpoint("ghost", "ep-ghost"), true)
		tracker.Recompute()

		channels := instance.lastChannels()
		require.Len(t, channels, 1)
		assert.Equal(t, "ep-alice", channels[0].EndpointID)
		assert.EqualValues(t, 100, channels[0].AudioSSRC)
	})

	t.Run("requested quality flows into the channel list", func(t *testing.T) {
		tracker, instance := newTestTracker(t, videoRow("alice", 100, "ep-alice"))
		ep := camEndpoint("alice", "ep-alice")
		tracker.MarkActive(ep, true)
		tracker.RequestQuality(ep, types.VideoQualityFull)
		tracker.Recompute()

		channels := instance.lastChannels()
		require.Len(t, channels, 1)
		assert.Equal(t, types.VideoQualityFull, channels[0].MaxQuality)
	})

	t.Run("over-budget fulls degrade to medium", func(t *testing.T) {
		rows := make([]*types.Participant, 0, 6)
		endpoints := make([]types.VideoEndpoint, 0, 6)
		for i := 0; i < 6; i++ {
			peer := types.PeerID(string(rune('a' + i)))
			id := "ep-" + string(rune('a'+i))
			rows = append(rows, videoRow(peer, types.SSRC(100+i*10), id))
			endpoints = append(endpoints, camEndpoint(peer, id))
		}
		tracker, instance := newTestTracker(t, rows...)
		for _, ep := range endpoints {
			tracker.MarkActive(ep, true)
			tracker.RequestQuality(ep, types.VideoQualityFull)
		}
		tracker.Recompute()

		// six fulls cost 24 medium equivalents against a budget of 16
		channels := instance.lastChannels()
		require.Len(t, channels, 6)
		for _, ch := range channels {
			assert.Less(t, int32(ch.MaxQuality), int32(types.VideoQualityFull))
		}
	})
}
