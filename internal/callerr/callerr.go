// Package callerr classifies failures that can happen while a call is live.
package callerr

import "errors"

// Kind is the failure class of a call-scoped error.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindRecognition   Kind = "recognition"
	KindSynthesis     Kind = "synthesis"
	KindModel         Kind = "model"
	KindTransfer      Kind = "transfer"
	KindConfiguration Kind = "configuration"
)

// Error wraps a cause with its failure class and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " failure"
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New classifies err. A nil err stays nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost classification in err's chain, or "" when unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Recoverable reports whether the call can continue after err.
// Transport and configuration failures end the call; unclassified errors are treated as fatal.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindRecognition, KindSynthesis, KindModel, KindTransfer:
		return true
	default:
		return false
	}
}
