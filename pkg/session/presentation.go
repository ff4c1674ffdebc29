package session

import (
	"context"
	"time"

	"github.com/openmessenger/groupcall/pkg/engine"
	"github.com/openmessenger/groupcall/pkg/rpc"
	"github.com/openmessenger/groupcall/pkg/types"
)

// The screen leg is a second join under the same persona with its own
// engine instance and ssrc. It follows the same action/next-action
// chaining as the main leg but never affects the session state machine;
// a failed screen join turns screen sharing off and surfaces an error.

func (s *Session) rejoinPresentation() {
	if !s.screenActive || !s.state.Active() || s.identity.IsZero() {
		return
	}
	if s.screenJoinState.action != joinActionNone {
		s.screenJoinState.nextActionPending = true
		return
	}
	s.screenJoinState.action = joinActionJoining
	s.setPresentation(PresentationJoining)
	if !s.ensureScreenInstance() {
		return
	}
	s.screenJoinSeq++
	seq := s.screenJoinSeq
	s.mainSSRCAtScreenJoin = s.joinState.ssrc
	s.screenInstance.EmitJoinPayload(func(payload engine.JoinPayload) {
		s.post(func() { s.emittedScreenPayload(seq, payload) })
	})
}

func (s *Session) emittedScreenPayload(seq uint64, payload engine.JoinPayload) {
	if seq != s.screenJoinSeq || s.screenJoinState.action != joinActionJoining {
		return
	}
	req := &rpc.JoinPresentationRequest{
		Call:    s.identity,
		Payload: payload.Blob,
		SSRC:    payload.AudioSSRC,
	}
	go func() {
		resp, err := s.params.Transport.JoinPresentation(s.ctx, req)
		s.post(func() { s.screenJoinFinished(seq, payload.AudioSSRC, resp, err) })
	}()
}

func (s *Session) screenJoinFinished(seq uint64, ssrc types.SSRC, resp *rpc.JoinResponse, err error) {
	if seq != s.screenJoinSeq {
		return
	}
	if err != nil {
		s.screenJoinState.finish(0)
		switch rpc.Classify(err) {
		case rpc.ErrorKindDuplicateResource:
			s.screenJoinFailedRetry()
		case rpc.ErrorKindResourceGone:
			// a main-leg rejoin may have invalidated this attempt; retry
			// once under the new main ssrc, otherwise give up
			if s.mainSSRCAtScreenJoin != s.joinState.ssrc {
				s.screenJoinFailedRetry()
			} else {
				s.screenJoinFailed(err)
			}
		default:
			s.screenJoinFailed(err)
		}
		s.checkNextScreenJoinAction()
		return
	}
	s.screenJoinState.finish(ssrc)
	s.screenInstance.SetJoinResponsePayload(resp.ResponsePayload)
	s.screenInstance.SetVideoCapture(&engine.VideoCaptureHandle{
		DeviceID: s.screenDeviceID,
		Screen:   true,
	})
	s.setPresentation(PresentationActive)
	s.logger.Infow("screen sharing joined", "ssrc", ssrc)
	s.checkNextScreenJoinAction()
}

func (s *Session) screenJoinFailedRetry() {
	if !s.screenActive {
		s.setPresentation(PresentationInactive)
		return
	}
	s.rejoinPresentation()
}

func (s *Session) screenJoinFailed(err error) {
	s.logger.Warnw("screen sharing join failed", err)
	s.screenActive = false
	s.screenDeviceID = ""
	s.setPresentation(PresentationInactive)
	s.emitError(Error{Kind: classifyKind(err), Feature: FeatureScreen, Err: err})
}

func (s *Session) checkNextScreenJoinAction() {
	if !s.screenJoinState.nextActionPending {
		return
	}
	s.screenJoinState.nextActionPending = false
	if s.screenActive {
		s.rejoinPresentation()
	} else {
		s.leavePresentation()
	}
}

func (s *Session) leavePresentation() {
	if s.screenJoinState.action != joinActionNone {
		s.screenJoinState.nextActionPending = true
		return
	}
	if s.screenJoinState.ssrc == 0 && s.screenInstance == nil {
		s.setPresentation(PresentationInactive)
		return
	}
	s.screenJoinState.action = joinActionLeaving
	s.setPresentation(PresentationLeaving)
	call := s.identity
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.params.Transport.LeavePresentation(ctx, call)
		s.post(func() { s.screenLeaveFinished(err) })
	}()
}

func (s *Session) screenLeaveFinished(err error) {
	if err != nil {
		s.logger.Warnw("screen sharing leave failed", err)
	}
	s.screenJoinState.finish(0)
	if s.screenInstance != nil {
		s.deleter.Delete(s.screenInstance)
		s.screenInstance = nil
	}
	s.setPresentation(PresentationInactive)
	s.checkNextScreenJoinAction()
}

func (s *Session) ensureScreenInstance() bool {
	if s.screenInstance != nil {
		return true
	}
	// the screen leg only needs network state callbacks; levels, parts
	// and descriptions flow through the main instance
	inst, err := s.params.Engines.CreateScreencastInstance(engine.Callbacks{
		NetworkStateUpdated: func(engine.NetworkState) {},
	})
	if err != nil {
		s.logger.Errorw("screencast engine creation failed", err)
		s.screenJoinState.finish(0)
		s.screenActive = false
		s.screenDeviceID = ""
		s.setPresentation(PresentationInactive)
		s.emitError(Error{Kind: ErrorMediaEngine, Feature: FeatureScreen, Err: err})
		return false
	}
	s.screenInstance = inst
	return true
}
