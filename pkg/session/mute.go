package session

import (
	"time"

	"github.com/openmessenger/groupcall/pkg/participants"
	"github.com/openmessenger/groupcall/pkg/rpc"
	"github.com/openmessenger/groupcall/pkg/types"
)

// SetMuted changes the local microphone state. Unmuting asks the
// permission requester first; a denial surfaces an error and leaves the
// state untouched.
func (s *Session) SetMuted(state types.MuteState) {
	s.post(func() { s.setMutedAndUpdate(state) })
}

func (s *Session) setMutedAndUpdate(state types.MuteState) {
	if s.muted == state {
		return
	}
	if state.Speaking() && !s.muted.Speaking() {
		if s.muted.MutedByAdmin() {
			// raising a hand is the only way out of a force mute
			return
		}
		s.params.Permissions.RequestPermission(FeatureMicrophone, func(granted bool) {
			s.post(func() {
				if !granted {
					s.emitError(Error{Kind: ErrorPermissionDenied, Feature: FeatureMicrophone})
					return
				}
				s.applyMutedChange(state)
			})
		})
		return
	}
	s.applyMutedChange(state)
}

func (s *Session) applyMutedChange(state types.MuteState) {
	was := s.muted
	s.setMutedState(state)
	s.maybeSendMutedUpdate(was)
}

// setMutedState applies a mute state without echoing it to the server.
// Used both for local changes (which send separately) and for
// server-driven ones (which must not).
func (s *Session) setMutedState(state types.MuteState) {
	if s.muted == state {
		return
	}
	s.muted = state
	s.mutedAtomic.Store(int32(state))
	if state.MutedByAdmin() {
		s.stopCamera()
		s.stopScreenInternal()
	}
	if s.instance != nil {
		s.instance.SetMuted(!state.Speaking())
	}
	s.applyMeInCallLocally()
	if s.onMutedChanged != nil {
		s.onMutedChanged(state)
	}
}

// maybeSendMutedUpdate pushes the flag server-side only for transitions
// the server distinguishes: open microphone against closed, and raised
// hand against plain force mute. Push-to-talk flips stay local.
func (s *Session) maybeSendMutedUpdate(was types.MuteState) {
	if !s.initialMuteSent {
		// the pending join request carries the current flag already
		return
	}
	now := s.muted
	switch {
	case was == types.MuteStateActive && now == types.MuteStateMuted,
		now == types.MuteStateActive && (was == types.MuteStateMuted || was == types.MuteStatePushToTalk):
		s.sendSelfUpdate(selfUpdateMute)
	case was == types.MuteStateForceMuted && now == types.MuteStateRaisedHand,
		was == types.MuteStateRaisedHand && now == types.MuteStateForceMuted:
		s.sendSelfUpdate(selfUpdateRaiseHand)
	}
}

// sendSelfUpdate serializes edits of our own row: one RPC in flight, the
// rest coalesce into a pending bitmask drained in a fixed order.
func (s *Session) sendSelfUpdate(kind selfUpdateKind) {
	if s.state != StateJoined && s.state != StateConnecting {
		s.pendingSelfUpdates |= kind
		return
	}
	if s.selfUpdateInflight {
		s.pendingSelfUpdates |= kind
		return
	}
	s.selfUpdateInflight = true
	req := &rpc.EditRequest{Call: s.identity, Peer: s.joinAs}
	switch kind {
	case selfUpdateMute:
		muted := !s.muted.Speaking()
		req.Muted = &muted
	case selfUpdateRaiseHand:
		raised := s.muted == types.MuteStateRaisedHand
		req.RaiseHand = &raised
	case selfUpdateCameraStopped:
		stopped := !s.cameraActive
		req.VideoStopped = &stopped
	case selfUpdateCameraPaused:
		paused := false
		req.VideoPaused = &paused
	case selfUpdateScreenPaused:
		paused := false
		req.PresentationPaused = &paused
	}
	go func() {
		err := s.params.Transport.EditParticipant(s.ctx, req)
		s.post(func() { s.selfUpdateDone(err) })
	}()
}

func (s *Session) selfUpdateDone(err error) {
	s.selfUpdateInflight = false
	if err != nil {
		if rpc.IsMembershipLost(err) {
			s.startRejoin("self_update_rejected")
			return
		}
		s.logger.Warnw("self update failed", err)
	}
	s.sendPendingSelfUpdates()
}

func (s *Session) sendPendingSelfUpdates() {
	if s.pendingSelfUpdates == 0 {
		return
	}
	for _, kind := range selfUpdateOrder {
		if s.pendingSelfUpdates&kind == 0 {
			continue
		}
		s.pendingSelfUpdates &^= kind
		s.sendSelfUpdate(kind)
		return
	}
}

// applyMeInCallLocally projects the local state into our own mirror row
// ahead of server confirmation, so list consumers see the change
// immediately. The row stays provisional until an authoritative diff
// covers it.
func (s *Session) applyMeInCallLocally() {
	ssrc := s.joinState.ssrc
	row := &types.Participant{
		PeerID:      s.joinAs,
		SSRC:        ssrc,
		Volume:      types.DefaultVolume,
		JoinDate:    time.Now().Unix(),
		Provisional: true,
		Left:        ssrc == 0,
	}
	if me, ok := s.mirror.ByPeer(s.joinAs); ok {
		row.Volume = me.Volume
		row.JoinDate = me.JoinDate
		row.RaisedHandRating = me.RaisedHandRating
		row.VideoJoined = me.VideoJoined
		row.About = me.About
	}
	row.Muted = !s.muted.Speaking()
	row.CanSelfUnmute = !s.muted.MutedByAdmin()
	s.registry.ApplyDiff(0, []*types.Participant{row}, participants.SourceLocalProjection)
}

// SetVolume adjusts another participant's playback volume, locally first
// and then server-side.
func (s *Session) SetVolume(peer types.PeerID, volume int) {
	s.post(func() {
		if volume < types.MinVolume {
			volume = types.MinVolume
		} else if volume > types.MaxVolume {
			volume = types.MaxVolume
		}
		p, ok := s.mirror.ByPeer(peer)
		if !ok || peer == s.joinAs {
			return
		}
		row := p
		row.Volume = volume
		row.Provisional = true
		s.registry.ApplyDiff(0, []*types.Participant{&row}, participants.SourceLocalProjection)
		v := volume
		req := &rpc.EditRequest{Call: s.identity, Peer: peer, Volume: &v}
		go func() {
			err := s.params.Transport.EditParticipant(s.ctx, req)
			s.post(func() {
				if err == nil {
					return
				}
				if rpc.IsMembershipLost(err) {
					s.startRejoin("edit_rejected")
					return
				}
				s.logger.Warnw("volume change failed", err, "peer", peer)
			})
		}()
	})
}

// MutePeer force-mutes or unmutes another participant server-side.
// Requires admin rights; the server rejects the edit otherwise.
func (s *Session) MutePeer(peer types.PeerID, mute bool) {
	s.post(func() {
		if peer == s.joinAs {
			return
		}
		p, ok := s.mirror.ByPeer(peer)
		if !ok {
			return
		}
		row := p
		row.Muted = mute
		row.Provisional = true
		s.registry.ApplyDiff(0, []*types.Participant{&row}, participants.SourceLocalProjection)
		m := mute
		req := &rpc.EditRequest{Call: s.identity, Peer: peer, Muted: &m}
		go func() {
			err := s.params.Transport.EditParticipant(s.ctx, req)
			s.post(func() {
				if err == nil {
					return
				}
				if rpc.IsMembershipLost(err) {
					s.startRejoin("edit_rejected")
					return
				}
				s.logger.Warnw("participant mute failed", err, "peer", peer)
			})
		}()
	})
}

// MutePeerLocally silences a participant for this client only; nothing is
// sent to the server.
func (s *Session) MutePeerLocally(peer types.PeerID, mute bool) {
	s.post(func() {
		p, ok := s.mirror.ByPeer(peer)
		if !ok || p.MutedByMe == mute {
			return
		}
		row := p
		row.MutedByMe = mute
		s.registry.ApplyDiff(0, []*types.Participant{&row}, participants.SourceLocalProjection)
	})
}
