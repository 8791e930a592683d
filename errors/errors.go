// himalaya-lib
// Copyright (C) 2023 the himalaya-lib authors
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error for the sync engine. Hunk level errors keep
// their kind while being wrapped with component prefixes.
type Kind int

const (
	KindOther Kind = iota

	// KindConnection marks a transient failure to reach a backend.
	KindConnection

	// KindPermission marks a backend refusal that retrying won't fix.
	KindPermission

	// KindCacheUnavailable marks a failure to open or write the sync
	// cache. Nothing can be checkpointed safely, so it is fatal for the
	// whole session.
	KindCacheUnavailable

	// KindSyncInProgress marks a session lock held by another sync run
	// on the same account pair.
	KindSyncInProgress
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindPermission:
		return "permission error"
	case KindCacheUnavailable:
		return "cache unavailable"
	case KindSyncInProgress:
		return "sync in progress"
	}
	return "error"
}

type Error struct {
	prefix string
	uuid   uuid.UUID
}

type errorError struct {
	prefix string
	kind   Kind
	err    error
	uuid   uuid.UUID
}

func New(prefix string) *Error {
	return &Error{prefix, uuid.New()}
}

// E wraps err with the component prefix. Wrapping an error already
// wrapped by the same *Error replaces the prefix instead of stacking it.
// The kind of the inner error is preserved.
func (e *Error) E(err error) error {
	return e.K(KindOther, err)
}

// K wraps err with the component prefix and the given kind. If kind is
// KindOther the kind already carried by err, if any, wins.
func (e *Error) K(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if kind == KindOther {
		kind = KindOf(err)
	}
	if ee, ok := err.(*errorError); ok {
		if ee.uuid == e.uuid {
			return &errorError{e.prefix, kind, ee.err, e.uuid}
		}
	}
	return &errorError{e.prefix, kind, err, e.uuid}
}

func (e *errorError) Error() string {
	if e.prefix == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("[%s] %s", e.prefix, e.err.Error())
}

func (e *errorError) Unwrap() error {
	return e.err
}

// WithKind attaches a kind to err without adding a prefix.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &errorError{"", kind, err, uuid.Nil}
}

// KindOf walks the wrap chain and returns the first explicit kind found,
// or KindOther.
func KindOf(err error) Kind {
	for err != nil {
		if ee, ok := err.(*errorError); ok && ee.kind != KindOther {
			return ee.kind
		}
		err = errors.Unwrap(err)
	}
	return KindOther
}

func IsConnection(err error) bool       { return KindOf(err) == KindConnection }
func IsPermission(err error) bool       { return KindOf(err) == KindPermission }
func IsCacheUnavailable(err error) bool { return KindOf(err) == KindCacheUnavailable }
func IsSyncInProgress(err error) bool   { return KindOf(err) == KindSyncInProgress }
