package input

import "fmt"

// ErrorKind enumerates the semantic error kinds of §7, used so callers can
// branch on kind rather than string-matching error messages.
type ErrorKind int

const (
	KindRoomUnknown ErrorKind = iota
	KindFederationDisabled
	KindACLDenied
	KindSignatureInvalid
	KindHashMismatchDuplicate
	KindNotAPDU
	KindAuthCheckFailedDeclared
	KindAuthCheckFailedStateAtEvent
	KindSoftFailed
	KindPeerFetchError
	KindStateResolutionInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRoomUnknown:
		return "RoomUnknown"
	case KindFederationDisabled:
		return "FederationDisabled"
	case KindACLDenied:
		return "ACLDenied"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindHashMismatchDuplicate:
		return "HashMismatchPostRedactDuplicate"
	case KindNotAPDU:
		return "NotAPdu"
	case KindAuthCheckFailedDeclared:
		return "AuthCheckFailed(declared)"
	case KindAuthCheckFailedStateAtEvent:
		return "AuthCheckFailed(state-at-event)"
	case KindSoftFailed:
		return "SoftFailed"
	case KindPeerFetchError:
		return "PeerFetchError"
	case KindStateResolutionInternal:
		return "StateResolutionInternal"
	default:
		return "Unknown"
	}
}

// Error is the typed error every processRoomEvent code path returns,
// carrying the semantic Kind so §7's propagation policy (ratelimit vs
// surface vs abort) can be applied mechanically by the caller.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Ratelimited reports whether, per §7's propagation policy, an error of
// this kind should increment the bad-event/bad-signature ratelimiter for
// the event id in question.
func (k ErrorKind) Ratelimited() bool {
	switch k {
	case KindSignatureInvalid, KindHashMismatchDuplicate, KindNotAPDU, KindAuthCheckFailedDeclared, KindPeerFetchError:
		return true
	default:
		return false
	}
}
