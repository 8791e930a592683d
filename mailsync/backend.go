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

package mailsync

import (
	"crypto/md5"
	"fmt"

	"github.com/fcoury/himalaya-lib/config"
)

// Envelope is the synchronizable identity and metadata of one message.
type Envelope struct {
	// ID is the backend assigned identifier. It is opaque, differs
	// between backends for the same logical message, and only needs to
	// stay valid for the lifetime of one backend handle.
	ID string

	// Hash identifies the same logical message across backends. It is
	// derived from the raw message bytes.
	Hash string

	Flags Flags
}

// Backend is the capability set every mail store must satisfy,
// regardless of whether it is a remote server or a local store. No
// Backend operation may touch the sync cache.
type Backend interface {
	Name() string

	// ListFolders returns the canonical folder names.
	ListFolders() ([]string, error)

	// AddFolder and DeleteFolder are idempotent: adding an existing
	// folder or deleting a missing one is not an error.
	AddFolder(folder string) error
	DeleteFolder(folder string) error

	// ListEnvelopes returns a stable snapshot of the folder, not a
	// live stream.
	ListEnvelopes(folder string) ([]Envelope, error)

	// AddEnvelope stores a raw message with the given flags. The
	// returned id may be empty when the backend cannot cheaply
	// determine it; the message will be observed at the next listing.
	AddEnvelope(folder string, raw []byte, flags Flags) (string, error)

	// ReadEnvelope returns the raw message bytes.
	ReadEnvelope(folder string, id string) ([]byte, error)

	DeleteEnvelope(folder string, id string) error

	AddFlags(folder string, id string, flags Flags) error
	RemoveFlags(folder string, id string, flags Flags) error

	Close() error
}

// hashMessage derives the content hash of a raw message.
func hashMessage(raw []byte) string {
	return fmt.Sprintf("%x", md5.Sum(raw))
}

// NewBackend builds a backend from its account configuration.
func NewBackend(globalconfig *config.Config, accountconfig *config.AccountConfig) (Backend, error) {
	switch accountconfig.Type {
	case "Maildir":
		return NewMaildirBackend(globalconfig, accountconfig)
	case "IMAP":
		return NewImapBackend(globalconfig, accountconfig)
	case "Index":
		return NewIndexBackend(globalconfig, accountconfig)
	}
	return nil, fmt.Errorf("wrong account type: \"%s\"", accountconfig.Type)
}
