package session

import "fmt"

// Feature names the user-facing capability an error forced off, when any.
type Feature int32

const (
	FeatureNone Feature = iota
	FeatureMicrophone
	FeatureCamera
	FeatureScreen
)

func (f Feature) String() string {
	switch f {
	case FeatureMicrophone:
		return "microphone"
	case FeatureCamera:
		return "camera"
	case FeatureScreen:
		return "screen"
	}
	return "none"
}

// ErrorKind classifies session-level failures for observers. Duplicate-ssrc
// collisions are recovered internally by rejoining and never surface here.
type ErrorKind int32

const (
	ErrorPermissionDenied ErrorKind = iota
	ErrorResourceGone
	ErrorTransientNetwork
	ErrorMediaEngine
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorPermissionDenied:
		return "permission_denied"
	case ErrorResourceGone:
		return "resource_gone"
	case ErrorTransientNetwork:
		return "transient_network"
	case ErrorMediaEngine:
		return "media_engine"
	}
	return fmt.Sprintf("unknown(%d)", int32(k))
}

// Error is the typed failure surfaced through Observer.OnError.
type Error struct {
	Kind    ErrorKind
	Feature Feature
	Err     error
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}
