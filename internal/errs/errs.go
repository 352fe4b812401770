package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
)

// Kind partitions failures by how callers must react to them.
type Kind int

const (
	// KindTransient covers database serialization conflicts, network errors
	// and upstream timeouts. Safe to retry.
	KindTransient Kind = iota
	// KindNotFound marks a missing route, document or chunk head.
	KindNotFound
	// KindBusinessLogic marks domain rule violations such as an investigation
	// without a sender.
	KindBusinessLogic
	// KindOperationNotAllowed marks an illegal state transition.
	KindOperationNotAllowed
	// KindFatal marks malformed payloads and schema violations. Never retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindBusinessLogic:
		return "business_logic"
	case KindOperationNotAllowed:
		return "operation_not_allowed"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the underlying cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg != "" {
			return e.msg + ": " + e.err.Error()
		}
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// NotFound reports a missing entity.
func NotFound(format string, args ...any) error {
	return &Error{kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// BusinessLogic reports a domain rule violation.
func BusinessLogic(format string, args ...any) error {
	return &Error{kind: KindBusinessLogic, msg: fmt.Sprintf(format, args...)}
}

// OperationNotAllowed reports an illegal state transition.
func OperationNotAllowed(format string, args ...any) error {
	return &Error{kind: KindOperationNotAllowed, msg: fmt.Sprintf(format, args...)}
}

// Fatal reports an unrecoverable failure that must not be retried.
func Fatal(format string, args ...any) error {
	return &Error{kind: KindFatal, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return Classify(err) == kind }

// pg error codes that indicate the transaction may succeed on retry.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// Classify maps an arbitrary error onto the taxonomy. Typed errors keep their
// kind; serialization conflicts, network and deadline errors become transient;
// malformed JSON becomes fatal. Everything else defaults to transient so the
// consumer's bounded retry decides.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var te *Error
	if errors.As(err, &te) {
		return te.kind
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgSerializationFailure, pgDeadlockDetected:
			return KindTransient
		}
		// Constraint and schema violations cannot succeed on retry.
		if pqErr.Code.Class() == "23" || pqErr.Code.Class() == "42" {
			return KindFatal
		}
		return KindTransient
	}

	var jsonSyntax *json.SyntaxError
	var jsonType *json.UnmarshalTypeError
	if errors.As(err, &jsonSyntax) || errors.As(err, &jsonType) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	return KindTransient
}

// Retryable reports whether the consumer may requeue work failing with err.
func Retryable(err error) bool { return Classify(err) == KindTransient }
