// ABOUTME: Error taxonomy for conversation operations
// ABOUTME: Maps every failure to a Kind and a single human-readable message

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-chat/internal/flight"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrSessionFailure     = errors.New("session failure")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrStreamFailure      = errors.New("stream failure")

	// ErrPrincipalMismatch indicates the caller is not the principal a
	// conversation is bound to.
	ErrPrincipalMismatch = errors.New("principal mismatch")

	// ErrBusy indicates another operation is in flight for the same context.
	ErrBusy = flight.ErrBusy
)

// Kind classifies a failure.
type Kind int

const (
	KindUnauthenticated Kind = iota + 1
	KindSession
	KindPersistence
	KindStream
)

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindUnauthenticated:
		return ErrUnauthenticated
	case KindSession:
		return ErrSessionFailure
	case KindPersistence:
		return ErrPersistenceFailure
	case KindStream:
		return ErrStreamFailure
	default:
		return nil
	}
}

// Operation steps reported in Error.Op.
const (
	OpResolve      = "resolve session"
	OpPersistUser  = "persist user message"
	OpStream       = "stream reply"
	OpPersistReply = "persist reply"
	OpLoad         = "load history"
	OpResync       = "resync reply"
)

// Error is a failed conversation step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's Kind. Any failure to resolve the
// session, unauthenticated included, also matches ErrSessionFailure.
func (e *Error) Is(target error) bool {
	if target == e.Kind.sentinel() {
		return true
	}
	return target == ErrSessionFailure && e.Op == OpResolve
}

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrBusy) {
		return "A reply is still in progress. Wait for it to finish."
	}

	var cerr *Error
	if !errors.As(err, &cerr) {
		return "Something went wrong. Please try again."
	}

	switch cerr.Kind {
	case KindUnauthenticated:
		return "You are not signed in. Sign in and try again."
	case KindSession:
		return "The conversation could not be opened. Please try again."
	case KindStream:
		return "The reply was interrupted. What arrived so far was kept, and you can send again."
	case KindPersistence:
		switch cerr.Op {
		case OpPersistReply, OpResync:
			return "The reply could not be saved yet. It is kept here until it can be synced."
		case OpLoad:
			return "The conversation history could not be loaded."
		default:
			return "Your message could not be saved. Please try again."
		}
	}
	return "Something went wrong. Please try again."
}
