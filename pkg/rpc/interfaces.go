package rpc

import (
	"context"

	"github.com/openmessenger/groupcall/pkg/types"
)

// Transport is the request/response RPC surface the session engine drives,
// plus the out-of-band push-update channel. Implementations deliver
// responses from arbitrary goroutines; the engine marshals them back onto
// its own executor.
type Transport interface {
	CreateCall(ctx context.Context, req *CreateCallRequest) (*CallInfo, error)
	JoinCall(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	JoinPresentation(ctx context.Context, req *JoinPresentationRequest) (*JoinResponse, error)
	LeaveCall(ctx context.Context, call types.CallIdentity, ssrc types.SSRC) error
	LeavePresentation(ctx context.Context, call types.CallIdentity) error
	DiscardCall(ctx context.Context, call types.CallIdentity) error

	// CheckCall returns the subset of the given ssrcs the server still
	// associates with this client.
	CheckCall(ctx context.Context, call types.CallIdentity, ssrcs []types.SSRC) ([]types.SSRC, error)

	GetCall(ctx context.Context, call types.CallIdentity, limit int) (*CallSnapshot, error)
	GetParticipants(ctx context.Context, req *GetParticipantsRequest) (*ParticipantsSlice, error)

	EditParticipant(ctx context.Context, req *EditRequest) error
	InviteUsers(ctx context.Context, call types.CallIdentity, users []types.PeerID) error

	GetBroadcastPart(ctx context.Context, req *BroadcastPartRequest) (*BroadcastPartResponse, error)

	// Updates returns the push-update stream. The channel is closed when
	// the transport shuts down.
	Updates() <-chan Update
}

type CreateCallRequest struct {
	Peer     types.PeerID
	RTMP     bool
	Schedule int64
}

type CallInfo struct {
	Identity  types.CallIdentity
	Version   int32
	FullCount int
	JoinMuted bool
}

type JoinRequest struct {
	Call         types.CallIdentity
	JoinAs       types.PeerID
	Muted        bool
	VideoStopped bool
	InviteHash   string

	// Payload is the engine-produced join blob, forwarded opaquely.
	Payload []byte
	SSRC    types.SSRC
}

type JoinPresentationRequest struct {
	Call    types.CallIdentity
	Payload []byte
	SSRC    types.SSRC
}

type JoinResponse struct {
	// ResponsePayload parameterizes the media engine for this leg.
	ResponsePayload []byte
	// ServerTimeMS is the server clock at response time, used to compute
	// broadcast playback offsets.
	ServerTimeMS int64
}

type CallSnapshot struct {
	Info               CallInfo
	CanChangeJoinMuted bool
	Participants       []*types.Participant
	NextOffset         string
}

type GetParticipantsRequest struct {
	Call   types.CallIdentity
	Peers  []types.PeerID
	SSRCs  []types.SSRC
	Offset string
	Limit  int
}

type ParticipantsSlice struct {
	Version      int32
	FullCount    int
	Participants []*types.Participant
	NextOffset   string
}

// EditRequest carries a mute/volume/raise-hand/video-flag change for one
// participant. Nil optionals are left untouched server-side.
type EditRequest struct {
	Call types.CallIdentity
	Peer types.PeerID

	Muted              *bool
	Volume             *int
	RaiseHand          *bool
	VideoStopped       *bool
	VideoPaused        *bool
	PresentationPaused *bool
}

type BroadcastPartRequest struct {
	Call        types.CallIdentity
	TimestampMS int64
	// Scale encodes the slice duration: 0 is 1000ms, each further step
	// halves it (1 is 500ms, 2 is 250ms, 3 is 125ms).
	Scale        int32
	VideoChannel int32
	VideoQuality types.VideoQuality
	Limit        int
}

type BroadcastPartResponse struct {
	Payload             []byte
	ResponseTimestampMS int64
}
