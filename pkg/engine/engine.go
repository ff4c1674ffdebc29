package engine

import (
	"github.com/openmessenger/groupcall/pkg/types"
)

// ConnectionMode selects the transport path of the media engine.
type ConnectionMode int32

const (
	ConnectionModeNone ConnectionMode = iota
	// ConnectionModeRTC is the direct peer media path.
	ConnectionModeRTC
	// ConnectionModeBroadcast is the server-relayed time-sliced fallback.
	ConnectionModeBroadcast
)

func (m ConnectionMode) String() string {
	switch m {
	case ConnectionModeRTC:
		return "rtc"
	case ConnectionModeBroadcast:
		return "broadcast"
	}
	return "none"
}

// NetworkState is reported by the engine from its network thread.
type NetworkState struct {
	Connected bool
	// TransitioningFromBroadcast is set while the engine migrates from
	// the relayed path to direct RTC.
	TransitioningFromBroadcast bool
}

// JoinPayload is the engine-negotiated offer for one leg of the call.
type JoinPayload struct {
	AudioSSRC types.SSRC
	Blob      []byte
}

// AudioLevel is one entry of an audio-levels callback. A zero SSRC refers
// to the local capture.
type AudioLevel struct {
	SSRC  types.SSRC
	Level float32
	Voice bool
}

type BroadcastPartStatus int32

const (
	BroadcastPartSuccess BroadcastPartStatus = iota
	// BroadcastPartNotReady means the server has no data for the slice
	// yet; the engine retries after backoff.
	BroadcastPartNotReady
	// BroadcastPartResyncNeeded signals a discontinuity; the engine must
	// request a fresh reference point.
	BroadcastPartResyncNeeded
)

func (s BroadcastPartStatus) String() string {
	switch s {
	case BroadcastPartNotReady:
		return "not_ready"
	case BroadcastPartResyncNeeded:
		return "resync_needed"
	}
	return "success"
}

// BroadcastPart is a fixed-duration slice of the relayed stream.
type BroadcastPart struct {
	TimestampMS         int64
	ResponseTimestampMS int64
	Status              BroadcastPartStatus
	Payload             []byte
}

// MediaChannelKind distinguishes channel description types.
type MediaChannelKind int32

const (
	MediaChannelAudio MediaChannelKind = iota
	MediaChannelVideo
)

// MediaChannelDescription answers the engine's "what is ssrc X" question.
type MediaChannelDescription struct {
	Kind      MediaChannelKind
	AudioSSRC types.SSRC
	PeerID    types.PeerID
	// VideoParams is the opaque parameter blob for video channels.
	VideoParams *types.VideoParams
	Screen     bool
}

// VideoChannelDescription is one entry of the requested incoming video
// channel list pushed to the engine.
type VideoChannelDescription struct {
	AudioSSRC  types.SSRC
	PeerID     types.PeerID
	EndpointID string
	SSRCGroups []types.SSRCGroup
	MinQuality types.VideoQuality
	MaxQuality types.VideoQuality
}

// VideoSink receives decoded frames for one incoming endpoint. The engine
// calls it from its decoder threads.
type VideoSink interface {
	OnFrame(width, height int, data []byte)
}

// VideoCaptureHandle identifies an outgoing capture source (camera device
// or screen) owned by the caller.
type VideoCaptureHandle struct {
	DeviceID string
	Screen   bool
}

// BroadcastPartParams selects one stream slice.
type BroadcastPartParams struct {
	TimestampMS  int64
	DurationMS   int64
	VideoChannel int32
	VideoQuality types.VideoQuality
}

// BroadcastPartTask is returned to the engine when it requests a stream
// part, so it can abandon the fetch. Cancel may race the completion
// callback from another thread; the implementation guarantees the
// callback fires at most once.
type BroadcastPartTask interface {
	Cancel()
}

// MediaChannelDescriptionsTask is returned to the engine when it asks for
// descriptions of a batch of unknown ssrcs. Completion fires at most
// once, on full resolution or never if cancelled first.
type MediaChannelDescriptionsTask interface {
	Cancel()
}

// Callbacks are installed at engine creation. All of them arrive off the
// session goroutine and must be marshaled by the receiver; done callbacks
// fire at most once each.
type Callbacks struct {
	NetworkStateUpdated             func(NetworkState)
	AudioLevelsUpdated              func([]AudioLevel)
	RequestBroadcastPart            func(params BroadcastPartParams, done func(BroadcastPart)) BroadcastPartTask
	RequestMediaChannelDescriptions func(ssrcs []types.SSRC, done func([]MediaChannelDescription)) MediaChannelDescriptionsTask
	RequestCurrentTime              func(done func(int64))
}

// Instance is the opaque native media engine for one leg of a call. Its
// codec and transport internals are out of scope; the session drives it
// through this surface only.
type Instance interface {
	EmitJoinPayload(func(JoinPayload))
	SetJoinResponsePayload(blob []byte)
	SetConnectionMode(mode ConnectionMode)
	SetMuted(muted bool)
	SetVideoCapture(handle *VideoCaptureHandle)
	SetRequestedVideoChannels(channels []VideoChannelDescription)
	AddIncomingVideoOutput(endpointID string, sink VideoSink)
	RemoveSSRCs(ssrcs []types.SSRC)
	SetVolume(ssrc types.SSRC, level float64)
	Stop()
}

// Factory creates engine instances; the main leg and the screen leg get
// independent ones.
type Factory interface {
	CreateInstance(callbacks Callbacks) (Instance, error)
	CreateScreencastInstance(callbacks Callbacks) (Instance, error)
}
