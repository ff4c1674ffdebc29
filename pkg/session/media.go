package session

import (
	"github.com/openmessenger/groupcall/pkg/engine"
)

// ToggleVideo starts or stops the outgoing camera. Starting prompts for
// the camera permission; force-muted participants cannot start video.
func (s *Session) ToggleVideo(active bool) {
	s.post(func() {
		if active == s.cameraActive {
			return
		}
		if !active {
			s.stopCamera()
			return
		}
		if s.muted.MutedByAdmin() {
			s.emitError(Error{Kind: ErrorPermissionDenied, Feature: FeatureCamera})
			return
		}
		s.params.Permissions.RequestPermission(FeatureCamera, func(granted bool) {
			s.post(func() {
				if !granted {
					s.emitError(Error{Kind: ErrorPermissionDenied, Feature: FeatureCamera})
					return
				}
				s.startCamera()
			})
		})
	})
}

// SetCameraDevice selects the capture device used the next time the
// camera starts; a running capture is switched in place.
func (s *Session) SetCameraDevice(deviceID string) {
	s.post(func() {
		if deviceID == "" || deviceID == s.cameraDeviceID {
			return
		}
		s.cameraDeviceID = deviceID
		if s.cameraActive && s.instance != nil {
			s.instance.SetVideoCapture(&engine.VideoCaptureHandle{DeviceID: deviceID})
		}
	})
}

func (s *Session) startCamera() {
	if s.cameraActive || s.muted.MutedByAdmin() {
		return
	}
	s.cameraActive = true
	if s.instance != nil {
		s.instance.SetVideoCapture(&engine.VideoCaptureHandle{DeviceID: s.cameraDeviceID})
	}
	s.sendSelfUpdate(selfUpdateCameraStopped)
	s.logger.Infow("camera started", "device", s.cameraDeviceID)
}

func (s *Session) stopCamera() {
	if !s.cameraActive {
		return
	}
	s.cameraActive = false
	if s.instance != nil {
		s.instance.SetVideoCapture(nil)
	}
	s.sendSelfUpdate(selfUpdateCameraStopped)
	s.logger.Infow("camera stopped")
}

// ToggleScreenSharing starts sharing the given source, or stops sharing
// when deviceID is empty.
func (s *Session) ToggleScreenSharing(deviceID string) {
	s.post(func() {
		if deviceID == "" {
			if !s.screenActive {
				return
			}
			s.stopScreenInternal()
			return
		}
		if s.screenActive && s.screenDeviceID == deviceID {
			return
		}
		if s.muted.MutedByAdmin() {
			s.emitError(Error{Kind: ErrorPermissionDenied, Feature: FeatureScreen})
			return
		}
		s.params.Permissions.RequestPermission(FeatureScreen, func(granted bool) {
			s.post(func() {
				if !granted {
					s.emitError(Error{Kind: ErrorPermissionDenied, Feature: FeatureScreen})
					return
				}
				switching := s.screenActive
				s.screenActive = true
				s.screenDeviceID = deviceID
				if switching && s.screenInstance != nil {
					s.screenInstance.SetVideoCapture(&engine.VideoCaptureHandle{DeviceID: deviceID, Screen: true})
					return
				}
				s.rejoinPresentation()
			})
		})
	})
}

func (s *Session) stopScreenInternal() {
	if !s.screenActive {
		return
	}
	s.screenActive = false
	s.screenDeviceID = ""
	s.leavePresentation()
}
