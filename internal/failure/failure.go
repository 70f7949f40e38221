// Package failure classifies everything that can go wrong while moving a file
// to the remote service. The orchestrator branches on Kind instead of on
// concrete error types.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindValidation      Kind = "validation"       // bad path, oversized file; never retried
	KindIntegrity       Kind = "integrity"        // copy/verify mismatch
	KindTransientRemote Kind = "transient_remote" // eligible for scheduled retry
	KindQuota           Kind = "quota_exceeded"   // starts the cooldown, halts the batch
	KindStateCorruption Kind = "state_corruption" // self-healed, never fatal
	KindPersistence     Kind = "persistence"      // a state write itself failed
	KindPartial         Kind = "partial_success"  // uploaded, but cataloging failed
)

// Error carries the kind plus the operation and path it happened on.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func Validation(op, path string, err error) *Error {
	return New(KindValidation, op, path, err)
}

func Integrity(op, path string, err error) *Error {
	return New(KindIntegrity, op, path, err)
}

func Transient(op, path string, err error) *Error {
	return New(KindTransientRemote, op, path, err)
}

func Quota(op, path string, err error) *Error {
	return New(KindQuota, op, path, err)
}

func Persistence(op, path string, err error) *Error {
	return New(KindPersistence, op, path, err)
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsQuota(err error) bool {
	return KindOf(err) == KindQuota
}
