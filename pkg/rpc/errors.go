package rpc

import (
	"strings"

	"github.com/pkg/errors"
)

// Server-returned reason strings the session reacts to. Anything else is
// treated as transient.
const (
	ReasonSSRCDuplicate   = "GROUPCALL_SSRC_DUPLICATE_MUCH"
	ReasonForbidden       = "GROUPCALL_FORBIDDEN"
	ReasonInvalid         = "GROUPCALL_INVALID"
	ReasonJoinMissing     = "GROUPCALL_JOIN_MISSING"
	ReasonAnonymousDenied = "ANONYMOUS_CALLS_DISABLED"
	ReasonTimeTooBig      = "TIME_TOO_BIG"
	reasonFloodPrefix     = "FLOOD_WAIT"

	// invite-specific rejections, reported per chunk
	ReasonAlreadyParticipant = "USER_ALREADY_PARTICIPANT"
	ReasonPrivacyRestricted  = "USER_PRIVACY_RESTRICTED"
	ReasonUserBanned         = "USER_BANNED_IN_CHANNEL"
)

// Reason extracts the raw server reason string, empty for non-RPC errors.
func Reason(err error) string {
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		return ""
	}
	return rpcErr.Reason
}

// ErrorKind buckets server failures by required reaction.
type ErrorKind int

const (
	// ErrorKindTransient carries no specific reason; surfaced to the
	// observer without automatic retry.
	ErrorKindTransient ErrorKind = iota
	// ErrorKindDuplicateResource is an ssrc collision; the session
	// rejoins with a fresh payload.
	ErrorKindDuplicateResource
	// ErrorKindPermissionDenied is terminal for the session.
	ErrorKindPermissionDenied
	// ErrorKindResourceGone means the call is discarded or the join is
	// no longer acknowledged server-side.
	ErrorKindResourceGone
	// ErrorKindNotReady means the server has no data yet; retry after
	// backoff (broadcast part path only).
	ErrorKindNotReady
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindDuplicateResource:
		return "duplicate_resource"
	case ErrorKindPermissionDenied:
		return "permission_denied"
	case ErrorKindResourceGone:
		return "resource_gone"
	case ErrorKindNotReady:
		return "not_ready"
	}
	return "transient"
}

// Error is a server-reported RPC failure with its raw reason string.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "rpc: " + e.Reason
}

func NewError(reason string) *Error {
	return &Error{Reason: reason}
}

// Classify maps any transport error to its ErrorKind bucket.
func Classify(err error) ErrorKind {
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		return ErrorKindTransient
	}
	switch rpcErr.Reason {
	case ReasonSSRCDuplicate:
		return ErrorKindDuplicateResource
	case ReasonForbidden, ReasonAnonymousDenied:
		return ErrorKindPermissionDenied
	case ReasonInvalid, ReasonJoinMissing:
		return ErrorKindResourceGone
	case ReasonTimeTooBig:
		return ErrorKindNotReady
	}
	if strings.HasPrefix(rpcErr.Reason, reasonFloodPrefix) {
		return ErrorKindNotReady
	}
	return ErrorKindTransient
}

// IsTimeSkew reports whether the server rejected a stream part request
// for a timestamp too far in the future; the engine must resync its
// reference point.
func IsTimeSkew(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Reason == ReasonTimeTooBig
}

// IsMembershipLost reports whether the failure invalidates the current
// join (the server no longer lists us, or the call is gone).
func IsMembershipLost(err error) bool {
	kind := Classify(err)
	return kind == ErrorKindResourceGone || kind == ErrorKindPermissionDenied
}
