package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a delivery failure.
type Kind int

const (
	KindUnknown Kind = iota
	// Unreachable: the collector could not be reached; retry later.
	Unreachable
	// Rejected: the collector refused the batch; retrying will not help.
	Rejected
	// Timeout: the attempt ran out of time.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrUnreachable = errors.New("transport: collector unreachable")
	ErrRejected    = errors.New("transport: batch rejected")
	ErrTimeout     = errors.New("transport: attempt timed out")
)

// Error is returned by every transport operation.
type Error struct {
	Kind Kind
	Op   string
	// Delivered is how many leading messages of the batch were acknowledged
	// before the failure.
	Delivered int
	Err       error
}

func (e *Error) Error() string {
	if e.Delivered > 0 {
		return fmt.Sprintf("transport: %s %s after %d delivered: %v", e.Op, e.Kind, e.Delivered, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrRejected:
		return e.Kind == Rejected
	case ErrTimeout:
		return e.Kind == Timeout
	}
	return false
}

// KindOf returns the kind of err, or KindUnknown when err is not a transport
// error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// DeliveredOf returns how many leading messages were acknowledged before err.
func DeliveredOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Delivered
	}
	return 0
}

// classify maps a gRPC call error onto a transport error.
func classify(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Op: op, Err: err}
	}
	return &Error{Kind: kindForCode(status.Code(err)), Op: op, Err: err}
}

// kindForCode treats codes describing the request itself as permanent.
func kindForCode(code codes.Code) Kind {
	switch code {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied,
		codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
		return Rejected
	case codes.DeadlineExceeded:
		return Timeout
	}
	return Unreachable
}
