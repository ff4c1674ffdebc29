package engine

import (
	"math/rand"
	"sync"

	"github.com/openmessenger/groupcall/pkg/types"
)

// NopFactory creates headless engine instances: they negotiate a join and
// report connected, but move no media. Used for watch-only sessions.
type NopFactory struct{}

func NewNopFactory() *NopFactory {
	return &NopFactory{}
}

func (f *NopFactory) CreateInstance(callbacks Callbacks) (Instance, error) {
	return newNopInstance(callbacks), nil
}

func (f *NopFactory) CreateScreencastInstance(callbacks Callbacks) (Instance, error) {
	return newNopInstance(callbacks), nil
}

type nopInstance struct {
	callbacks Callbacks

	mu      sync.Mutex
	stopped bool
}

func newNopInstance(callbacks Callbacks) *nopInstance {
	return &nopInstance{callbacks: callbacks}
}

func (i *nopInstance) EmitJoinPayload(f func(JoinPayload)) {
	ssrc := types.SSRC(rand.Uint32() | 1)
	go f(JoinPayload{AudioSSRC: ssrc})
}

func (i *nopInstance) SetJoinResponsePayload(_ []byte) {
	i.mu.Lock()
	stopped := i.stopped
	i.mu.Unlock()
	if stopped || i.callbacks.NetworkStateUpdated == nil {
		return
	}
	go i.callbacks.NetworkStateUpdated(NetworkState{Connected: true})
}

func (i *nopInstance) SetConnectionMode(ConnectionMode)                 {}
func (i *nopInstance) SetMuted(bool)                                    {}
func (i *nopInstance) SetVideoCapture(*VideoCaptureHandle)              {}
func (i *nopInstance) SetRequestedVideoChannels([]VideoChannelDescription) {}
func (i *nopInstance) AddIncomingVideoOutput(string, VideoSink)         {}
func (i *nopInstance) RemoveSSRCs([]types.SSRC)                         {}
func (i *nopInstance) SetVolume(types.SSRC, float64)                    {}

func (i *nopInstance) Stop() {
	i.mu.Lock()
	i.stopped = true
	i.mu.Unlock()
}
