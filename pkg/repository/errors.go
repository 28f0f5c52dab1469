// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package repository

import (
	"errors"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/storage"
)

type ErrorKind string

const (
	ErrorKindNotFound                  ErrorKind = "NotFound"
	ErrorKindNotValid                  ErrorKind = "NotValid"
	ErrorKindConflict                  ErrorKind = "Conflict"
	ErrorKindBlockedByRunningInstances ErrorKind = "BlockedByRunningInstances"
	ErrorKindDependentOperationFailure ErrorKind = "DependentOperationFailure"
	ErrorKindSuspendedEntity           ErrorKind = "SuspendedEntityInteraction"
)

// Error is returned by every repository operation that fails for a reason the caller can act on.
// Selector names the id, key or name that caused the failure.
type Error struct {
	Kind     ErrorKind
	Selector string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Selector != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Selector)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newErrorf uses fmt.Sprintf(format, a...) to format the message
func newErrorf(kind ErrorKind, selector string, format string, a ...any) *Error {
	return &Error{
		Kind:     kind,
		Selector: selector,
		Msg:      fmt.Sprintf(format, a...),
	}
}

func wrapError(kind ErrorKind, selector string, err error, format string, a ...any) *Error {
	e := newErrorf(kind, selector, format, a...)
	e.Err = err
	return e
}

// notFoundOr turns storage.ErrNotFound into a NotFound error and wraps anything else
func notFoundOr(err error, selector string, format string, a ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return newErrorf(ErrorKindNotFound, selector, format, a...)
	}
	return fmt.Errorf("%s [%s]: %w", fmt.Sprintf(format, a...), selector, err)
}

// KindOf returns the kind of the first *Error in the chain
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func isKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsNotFound(err error) bool {
	return isKind(err, ErrorKindNotFound)
}

func IsNotValid(err error) bool {
	return isKind(err, ErrorKindNotValid)
}

func IsConflict(err error) bool {
	return isKind(err, ErrorKindConflict)
}

func IsBlockedByRunningInstances(err error) bool {
	return isKind(err, ErrorKindBlockedByRunningInstances)
}

func IsDependentOperationFailure(err error) bool {
	return isKind(err, ErrorKindDependentOperationFailure)
}

func IsSuspendedEntityInteraction(err error) bool {
	return isKind(err, ErrorKindSuspendedEntity)
}
