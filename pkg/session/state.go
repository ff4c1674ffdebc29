package session

import (
	"fmt"

	"github.com/openmessenger/groupcall/pkg/types"
)

// State is the main-leg lifecycle. Terminal states are sticky: once the
// session is Ended or Failed no transition leaves them, and HangingUp /
// FailedHangingUp only advance to their matching terminal state.
type State int32

const (
	StateCreating State = iota
	StateJoining
	StateConnecting
	StateJoined
	StateHangingUp
	StateFailedHangingUp
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateJoining:
		return "joining"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateHangingUp:
		return "hanging_up"
	case StateFailedHangingUp:
		return "failed_hanging_up"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

func (s State) Active() bool {
	return s == StateJoining || s == StateConnecting || s == StateJoined
}

// PresentationState is the independent screen-leg lifecycle.
type PresentationState int32

const (
	PresentationInactive PresentationState = iota
	PresentationJoining
	PresentationActive
	PresentationLeaving
)

func (s PresentationState) String() string {
	switch s {
	case PresentationJoining:
		return "joining"
	case PresentationActive:
		return "active"
	case PresentationLeaving:
		return "leaving"
	}
	return "inactive"
}

type joinAction int32

const (
	joinActionNone joinAction = iota
	joinActionJoining
	joinActionLeaving
)

// joinLeg tracks one join negotiation (main or screen). At most one
// action runs at a time; nextActionPending chains a follow-up once the
// current action finishes.
type joinLeg struct {
	ssrc              types.SSRC
	action            joinAction
	nextActionPending bool
}

func (l *joinLeg) finish(ssrc types.SSRC) {
	l.action = joinActionNone
	l.ssrc = ssrc
}

// LevelUpdate is one audio-level sample forwarded to observers.
type LevelUpdate struct {
	SSRC  types.SSRC
	Level float32
	Voice bool
	Me    bool
}

// InviteResult aggregates one InviteUsers call. Rejections are bucketed
// by the server reason; User is set only when a single user was invited
// and the invite succeeded.
type InviteResult struct {
	Invited           int
	AlreadyIn         int
	PrivacyRestricted int
	Kicked            int
	Failed            int
	User              types.PeerID
}
