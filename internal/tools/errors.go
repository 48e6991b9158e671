// Package tools is the outer boundary of the engine: a set of named, typed
// operations over the index, store, resolver, feedback loop, and mutation
// engine. Dispatch is a match over a typed operation enum, not a registry of
// opaque handlers.
package tools

import (
	"errors"
	"fmt"

	"mdvault/internal/index"
	"mdvault/internal/mutate"
	"mdvault/internal/store"
)

// Kind classifies a user-visible failure.
type Kind string

const (
	KindInput       Kind = "input"        // invalid path, bad address, unknown op
	KindConflict    Kind = "conflict"     // protected region, shape collision, delete-with-backlinks
	KindNotReady    Kind = "not_ready"    // index not in ready state; retryable
	KindIOTransient Kind = "io_transient" // retried internally, surfaced after give-up
	KindIOFatal     Kind = "io_fatal"     // permission denied, disk full
	KindCorruption  Kind = "corruption"   // state store integrity failure
)

// OpError is a failure with its kind, a short message, and (for conflicts)
// the offending location.
type OpError struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
	Err      error  `json:"-"`
}

func (e *OpError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Location)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OpError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation unchanged.
func (e *OpError) Retryable() bool { return e.Kind == KindNotReady }

// classify wraps an internal error with its kind for the surface.
func classify(err error, location string) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}

	kind := KindIOFatal
	switch {
	case errors.Is(err, mutate.ErrInvalidInput),
		errors.Is(err, mutate.ErrNoteNotFound),
		errors.Is(err, mutate.ErrSectionNotFound),
		errors.Is(err, mutate.ErrAmbiguous):
		kind = KindInput
	case errors.Is(err, mutate.ErrConflict), errors.Is(err, mutate.ErrNoteExists):
		kind = KindConflict
	case errors.Is(err, index.ErrNotReady):
		kind = KindNotReady
	case errors.Is(err, store.ErrCorrupt), errors.Is(err, store.ErrDowngrade):
		kind = KindCorruption
	}
	return &OpError{Kind: kind, Message: err.Error(), Location: location, Err: err}
}

func inputErr(format string, args ...any) error {
	return &OpError{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}
