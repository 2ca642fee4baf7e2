package errs

// Code ranges. The class of an error is derived from its range, so new
// sentinels slot in without touching the classifier.
//
//	1xxx validation:  bad input, rejected immediately, never retried
//	2xxx conflict:    legal request against illegal state, not retried
//	3xxx transient:   downstream hiccup, safe to retry (ops are idempotent)
//	4xxx stale state: client cursor no longer answerable, full resync needed
const (
	codeValidationBase = 1000
	codeConflictBase   = 2000
	codeTransientBase  = 3000
	codeStaleBase      = 4000
)

var (
	ErrBadRequest     = NewCodeError(codeValidationBase+1, "bad request")
	ErrNotParticipant = NewCodeError(codeValidationBase+2, "sender is not a conversation participant")
	ErrBadNonce       = NewCodeError(codeValidationBase+3, "client nonce missing or malformed")
	ErrNonceReused    = NewCodeError(codeValidationBase+4, "client nonce reused with a different payload")
	ErrUnauthorized   = NewCodeError(codeValidationBase+5, "unauthorized")

	ErrRoomClosed    = NewCodeError(codeConflictBase+1, "room closed")
	ErrRoomNotFound  = NewCodeError(codeConflictBase+2, "room not found")
	ErrNotInRoom     = NewCodeError(codeConflictBase+3, "user is not an active room participant")
	ErrNotRoomOwner  = NewCodeError(codeConflictBase+4, "only the room creator may end the room")
	ErrConvNotFound  = NewCodeError(codeConflictBase+5, "conversation not found")

	ErrStoreUnavailable = NewCodeError(codeTransientBase+1, "durable store unavailable")
	ErrSeqVoided        = NewCodeError(codeTransientBase+2, "sequence voided, retry send")
	ErrBusOverflow      = NewCodeError(codeTransientBase+3, "delivery queue overflow, resume again")

	ErrStaleCursor = NewCodeError(codeStaleBase+1, "catch-up cursor precedes retained history")
)

func inRange(err error, base int) bool {
	c := CodeOf(err)
	return c > base && c < base+1000
}

func IsValidation(err error) bool { return inRange(err, codeValidationBase) }
func IsConflict(err error) bool   { return inRange(err, codeConflictBase) }
func IsTransient(err error) bool  { return inRange(err, codeTransientBase) }
func IsStale(err error) bool      { return inRange(err, codeStaleBase) }
