// Package faults defines the failure taxonomy shared by every pipeline stage.
// Callers match kinds with errors.Is against the sentinel values.
package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindFormat   Kind = "format"
	KindEngine   Kind = "engine"
	KindSchema   Kind = "schema"
	KindModel    Kind = "model"
	KindInternal Kind = "internal"
)

var (
	ErrFormat   = errors.New("format error")
	ErrEngine   = errors.New("engine error")
	ErrSchema   = errors.New("schema error")
	ErrModel    = errors.New("model error")
	ErrInternal = errors.New("internal error")
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindFormat:
		return ErrFormat
	case KindEngine:
		return ErrEngine
	case KindSchema:
		return ErrSchema
	case KindModel:
		return ErrModel
	default:
		return ErrInternal
	}
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Format(op, format string, args ...any) *Error {
	return New(KindFormat, op, fmt.Errorf(format, args...))
}

func Engine(op string, err error) *Error {
	return New(KindEngine, op, err)
}

func Schema(op, format string, args ...any) *Error {
	return New(KindSchema, op, fmt.Errorf(format, args...))
}

func Model(op, format string, args ...any) *Error {
	return New(KindModel, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}
