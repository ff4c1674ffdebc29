package rpc

import "github.com/openmessenger/groupcall/pkg/types"

// Update is the closed set of push updates the server delivers out of
// band. New kinds must be added here and handled at every switch site;
// there is deliberately no catch-all variant.
type Update interface {
	isUpdate()
}

// CallStateUpdate replaces call-level fields (version, counts, join-muted
// policy). Delivered on call changes and as the join response side effect.
type CallStateUpdate struct {
	Call               types.CallIdentity
	Version            int32
	FullCount          int
	JoinMuted          bool
	CanChangeJoinMuted bool
}

// ParticipantsUpdate is a versioned diff of participants added, updated
// or removed since the previous version.
type ParticipantsUpdate struct {
	Call         types.CallIdentity
	Version      int32
	Participants []*types.Participant
}

// CallDiscardedUpdate signals server-side call termination.
type CallDiscardedUpdate struct {
	Call     types.CallIdentity
	Duration int64
}

func (CallStateUpdate) isUpdate()    {}
func (ParticipantsUpdate) isUpdate() {}
func (CallDiscardedUpdate) isUpdate() {}
