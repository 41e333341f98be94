package domain

import "errors"

var (
	// Authorization errors: client mistakes, never retried.
	ErrNotOwner          = errors.New("not owner")
	ErrNotParticipant    = errors.New("not a participant of the conversation")
	ErrNoApprovedRequest = errors.New("no approved adoption request between users")
	ErrSelfMessage       = errors.New("cannot message yourself")
	ErrSelfRequest       = errors.New("cannot request your own pet")
	ErrUnknownRecipient  = errors.New("unknown recipient")

	// State errors: the caller's view is stale.
	ErrInvalidState     = errors.New("invalid request state")
	ErrDuplicatePending = errors.New("a pending request already exists for this pet")
	ErrPetUnavailable   = errors.New("pet is not available for adoption")

	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorClass groups errors by how a caller should react to them.
type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassAuthorization
	ClassState
	ClassInfrastructure
	ClassNotFound
	ClassInvalid
)

func (c ErrorClass) String() string {
	switch c {
	case ClassAuthorization:
		return "authorization"
	case ClassState:
		return "state"
	case ClassInfrastructure:
		return "infrastructure"
	case ClassNotFound:
		return "not_found"
	case ClassInvalid:
		return "invalid"
	}
	return "internal"
}

// ClassOf returns the class of err, looking through wrapped errors.
func ClassOf(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrNoApprovedRequest),
		errors.Is(err, ErrSelfMessage),
		errors.Is(err, ErrSelfRequest),
		errors.Is(err, ErrUnknownRecipient):
		return ClassAuthorization
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrDuplicatePending),
		errors.Is(err, ErrPetUnavailable):
		return ClassState
	case errors.Is(err, ErrStoreUnavailable):
		return ClassInfrastructure
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInvalidInput):
		return ClassInvalid
	}
	return ClassInternal
}

// Retryable reports whether the caller may retry the failed operation.
// Only infrastructure failures qualify, and the decision stays with the caller.
func Retryable(err error) bool {
	return ClassOf(err) == ClassInfrastructure
}
