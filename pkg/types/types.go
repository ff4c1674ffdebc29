package types

import "fmt"

const (
	MinVolume     = 1
	DefaultVolume = 10000
	MaxVolume     = 20000
)

// CallIdentity addresses a single group call on the server. It is created
// once, on call creation or lookup, and never mutated afterwards.
type CallIdentity struct {
	ID         int64
	AccessHash int64
}

func (c CallIdentity) IsZero() bool {
	return c.ID == 0
}

// PeerID identifies a participant persona. The local user may join as a
// different persona than their own account (the "join-as" identity).
type PeerID string

// SSRC is the transport-level source identifier distinguishing one media
// stream from another within a call.
type SSRC uint32

type MuteState int32

const (
	MuteStateActive MuteState = iota
	MuteStateMuted
	MuteStatePushToTalk
	MuteStateForceMuted
	MuteStateRaisedHand
)

func (m MuteState) String() string {
	switch m {
	case MuteStateActive:
		return "active"
	case MuteStateMuted:
		return "muted"
	case MuteStatePushToTalk:
		return "push_to_talk"
	case MuteStateForceMuted:
		return "force_muted"
	case MuteStateRaisedHand:
		return "raised_hand"
	}
	return fmt.Sprintf("unknown(%d)", int32(m))
}

// MutedByAdmin reports whether the state was imposed by an admin rather
// than chosen locally. A force-muted participant may raise a hand to
// request to speak; both map to a muted microphone.
func (m MuteState) MutedByAdmin() bool {
	return m == MuteStateForceMuted || m == MuteStateRaisedHand
}

// Speaking reports whether the microphone is open in this state.
func (m MuteState) Speaking() bool {
	return m == MuteStateActive || m == MuteStatePushToTalk
}

type VideoQuality int32

const (
	VideoQualityThumbnail VideoQuality = iota
	VideoQualityMedium
	VideoQualityFull
)

func (q VideoQuality) String() string {
	switch q {
	case VideoQualityThumbnail:
		return "thumbnail"
	case VideoQualityMedium:
		return "medium"
	case VideoQualityFull:
		return "full"
	}
	return fmt.Sprintf("unknown(%d)", int32(q))
}

type StreamKind int32

const (
	StreamKindCamera StreamKind = iota
	StreamKindScreen
)

func (k StreamKind) String() string {
	if k == StreamKindScreen {
		return "screen"
	}
	return "camera"
}

// VideoEndpoint names one (participant, stream kind) video feed. The
// endpoint ID is an opaque string negotiated by the media engine.
type VideoEndpoint struct {
	PeerID PeerID
	Kind   StreamKind
	ID     string
}

func (e VideoEndpoint) IsZero() bool {
	return e.ID == ""
}

// VideoParams describes one published video stream of a participant as
// reported by the server.
type VideoParams struct {
	Endpoint   string
	SSRCGroups []SSRCGroup
	Paused     bool
}

type SSRCGroup struct {
	Semantics string
	SSRCs     []SSRC
}

// Participant is one row of the call mirror. At most one Participant per
// PeerID and at most one per SSRC exist at any time; an SSRC is reused
// only after the owning participant was removed.
type Participant struct {
	PeerID           PeerID
	SSRC             SSRC
	JoinDate         int64
	LastActive       int64
	RaisedHandRating uint64
	Volume           int
	About            string

	Muted         bool
	MutedByMe     bool
	CanSelfUnmute bool
	VolumeByAdmin bool
	VideoJoined   bool
	JustJoined    bool

	// Min marks an entry the server delivered without authoritative
	// volume/mute-by-me fields; those must not clobber known state.
	Min bool

	// Provisional marks a locally projected self row that the next
	// authoritative diff for this peer overwrites unconditionally.
	Provisional bool

	CameraParams *VideoParams
	ScreenParams *VideoParams

	// Left marks a removal entry inside a diff payload.
	Left bool
}

// ParamsFor returns the video params for the given stream kind.
func (p *Participant) ParamsFor(kind StreamKind) *VideoParams {
	if kind == StreamKindScreen {
		return p.ScreenParams
	}
	return p.CameraParams
}
