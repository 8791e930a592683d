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
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func runPairSync(t *testing.T, left, right Backend, metadatadir string, cfg SyncConfig) *SyncReport {
	t.Helper()
	report, err := runPairSyncErr(t, left, right, metadatadir, cfg)
	require.NoError(t, err)
	return report
}

func runPairSyncErr(t *testing.T, left, right Backend, metadatadir string, cfg SyncConfig) (*SyncReport, error) {
	t.Helper()
	cache, err := OpenCache(metadatadir, "testpair", "error")
	require.NoError(t, err)
	defer cache.Close()

	if cfg.LogLevel == "" {
		cfg.LogLevel = "error"
	}
	return Synchronize(context.Background(), left, right, cache, cfg)
}

// backendState snapshots a backend as folder -> hash -> flags.
func backendState(t *testing.T, b Backend) map[string]map[string]Flags {
	t.Helper()
	state := make(map[string]map[string]Flags)
	folders, err := b.ListFolders()
	require.NoError(t, err)
	for _, folder := range folders {
		envelopes, err := b.ListEnvelopes(folder)
		require.NoError(t, err)
		messages := make(map[string]Flags)
		for _, env := range envelopes {
			messages[env.Hash] = env.Flags
		}
		state[folder] = messages
	}
	return state
}

func TestSyncInitialConvergence(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("INBOX"))
	require.NoError(t, left.AddFolder("dir01"))
	_, err := left.AddEnvelope("INBOX", []byte("message one"), NewFlags(FlagSeen))
	require.NoError(t, err)
	_, err = left.AddEnvelope("dir01", []byte("message two"), NewFlags())
	require.NoError(t, err)

	report := runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Empty(t, report.Errors)
	require.Equal(t, 2, report.FoldersCreated)
	require.Equal(t, 2, report.MessagesCopied)

	require.Equal(t, backendState(t, left), backendState(t, right))

	// A second run with no external changes is a no-op.
	report = runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Empty(t, report.Errors)
	require.Equal(t, 0, report.Operations())
}

func TestSyncFlagChangePropagation(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("INBOX"))
	_, err := left.AddEnvelope("INBOX", []byte("message"), NewFlags())
	require.NoError(t, err)
	runPairSync(t, left, right, metadatadir, SyncConfig{})

	envelopes, err := left.ListEnvelopes("INBOX")
	require.NoError(t, err)
	require.NoError(t, left.AddFlags("INBOX", envelopes[0].ID, NewFlags(FlagSeen)))

	report := runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Empty(t, report.Errors)
	require.Equal(t, 1, report.FlagsChanged)
	require.Equal(t, backendState(t, left), backendState(t, right))

	report = runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Equal(t, 0, report.Operations())
}

func TestSyncDeletionPropagation(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("INBOX"))
	_, err := left.AddEnvelope("INBOX", []byte("message one"), NewFlags())
	require.NoError(t, err)
	_, err = left.AddEnvelope("INBOX", []byte("message two"), NewFlags())
	require.NoError(t, err)
	runPairSync(t, left, right, metadatadir, SyncConfig{})

	envelopes, err := left.ListEnvelopes("INBOX")
	require.NoError(t, err)
	require.NoError(t, left.DeleteEnvelope("INBOX", envelopes[0].ID))

	report := runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Empty(t, report.Errors)
	require.Equal(t, 1, report.MessagesDeleted)
	require.Equal(t, backendState(t, left), backendState(t, right))

	rightEnvelopes, err := right.ListEnvelopes("INBOX")
	require.NoError(t, err)
	require.Len(t, rightEnvelopes, 1)
}

func TestSyncFolderDeletionPropagation(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("INBOX"))
	require.NoError(t, left.AddFolder("dir01"))
	_, err := left.AddEnvelope("dir01", []byte("message"), NewFlags())
	require.NoError(t, err)
	runPairSync(t, left, right, metadatadir, SyncConfig{})

	require.NoError(t, right.DeleteFolder("dir01"))

	report := runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Empty(t, report.Errors)
	require.Equal(t, 1, report.FoldersDeleted)

	folders, err := left.ListFolders()
	require.NoError(t, err)
	require.Equal(t, []string{"INBOX"}, folders)

	report = runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Equal(t, 0, report.Operations())
}

func TestSyncBothSidesNewMessage(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	// The same content appeared independently on both sides with
	// different flags: no copy, flags unite.
	raw := []byte("same message")
	require.NoError(t, left.AddFolder("INBOX"))
	require.NoError(t, right.AddFolder("INBOX"))
	_, err := left.AddEnvelope("INBOX", raw, NewFlags(FlagSeen))
	require.NoError(t, err)
	_, err = right.AddEnvelope("INBOX", raw, NewFlags(FlagFlagged))
	require.NoError(t, err)

	report := runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Empty(t, report.Errors)
	require.Equal(t, 0, report.MessagesCopied)

	want := NewFlags(FlagSeen, FlagFlagged)
	for _, b := range []Backend{left, right} {
		envelopes, err := b.ListEnvelopes("INBOX")
		require.NoError(t, err)
		require.Len(t, envelopes, 1)
		require.True(t, envelopes[0].Flags.Equal(want))
	}

	report = runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Equal(t, 0, report.Operations())
}

func TestSyncConflictResolution(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("INBOX"))
	_, err := left.AddEnvelope("INBOX", []byte("message"), NewFlags(FlagSeen))
	require.NoError(t, err)
	runPairSync(t, left, right, metadatadir, SyncConfig{})

	// Opposite direction edits since the baseline: left unflags seen,
	// right adds flagged.
	leftEnvelopes, err := left.ListEnvelopes("INBOX")
	require.NoError(t, err)
	require.NoError(t, left.RemoveFlags("INBOX", leftEnvelopes[0].ID, NewFlags(FlagSeen)))
	rightEnvelopes, err := right.ListEnvelopes("INBOX")
	require.NoError(t, err)
	require.NoError(t, right.AddFlags("INBOX", rightEnvelopes[0].ID, NewFlags(FlagFlagged)))

	report := runPairSync(t, left, right, metadatadir, SyncConfig{ConflictPolicy: RemovalWins})
	require.Empty(t, report.Errors)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, FlagSeen, report.Conflicts[0].Flag)

	want := NewFlags(FlagFlagged)
	for _, b := range []Backend{left, right} {
		envelopes, err := b.ListEnvelopes("INBOX")
		require.NoError(t, err)
		require.True(t, envelopes[0].Flags.Equal(want), "got flags [%s]", envelopes[0].Flags)
	}

	report = runPairSync(t, left, right, metadatadir, SyncConfig{ConflictPolicy: RemovalWins})
	require.Equal(t, 0, report.Operations())
}

func TestSyncConflictResolutionAdditionWins(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("INBOX"))
	_, err := left.AddEnvelope("INBOX", []byte("message"), NewFlags(FlagSeen))
	require.NoError(t, err)
	runPairSync(t, left, right, metadatadir, SyncConfig{ConflictPolicy: AdditionWins})

	leftEnvelopes, err := left.ListEnvelopes("INBOX")
	require.NoError(t, err)
	require.NoError(t, left.RemoveFlags("INBOX", leftEnvelopes[0].ID, NewFlags(FlagSeen)))
	rightEnvelopes, err := right.ListEnvelopes("INBOX")
	require.NoError(t, err)
	require.NoError(t, right.AddFlags("INBOX", rightEnvelopes[0].ID, NewFlags(FlagFlagged)))

	report := runPairSync(t, left, right, metadatadir, SyncConfig{ConflictPolicy: AdditionWins})
	require.Empty(t, report.Errors)
	require.Len(t, report.Conflicts, 1)

	want := NewFlags(FlagSeen, FlagFlagged)
	for _, b := range []Backend{left, right} {
		envelopes, err := b.ListEnvelopes("INBOX")
		require.NoError(t, err)
		require.True(t, envelopes[0].Flags.Equal(want), "got flags [%s]", envelopes[0].Flags)
	}
}

func TestSyncPartialFailureIsolation(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	inner := newTestIndexBackend(t, "right")
	right := &faultBackend{Backend: inner}
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("dir01"))
	_, err := left.AddEnvelope("dir01", []byte("message one"), NewFlags())
	require.NoError(t, err)
	_, err = left.AddEnvelope("dir01", []byte("message two"), NewFlags())
	require.NoError(t, err)

	right.addEnvelopeErr = errTest
	report := runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Len(t, report.Errors, 2)
	require.Equal(t, 0, report.MessagesCopied)

	// The failed copies are re-derived and applied once the backend
	// recovers.
	right.addEnvelopeErr = nil
	report = runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Empty(t, report.Errors)
	require.Equal(t, 2, report.MessagesCopied)
	require.Equal(t, backendState(t, left), backendState(t, inner))
}

func TestSyncListFailureSkipsFolder(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	inner := newTestIndexBackend(t, "right")
	right := &faultBackend{Backend: inner, listEnvelopesErr: map[string]error{"dir01": errTest}}
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("dir01"))
	require.NoError(t, left.AddFolder("dir02"))
	_, err := left.AddEnvelope("dir01", []byte("message one"), NewFlags())
	require.NoError(t, err)
	_, err = left.AddEnvelope("dir02", []byte("message two"), NewFlags())
	require.NoError(t, err)

	report := runPairSync(t, left, right, metadatadir, SyncConfig{})

	// The listing failure is reported without a hunk and the other
	// folder still synced.
	require.Len(t, report.Errors, 1)
	require.Nil(t, report.Errors[0].Hunk)
	require.Equal(t, "dir01", report.Errors[0].Folder)
	require.Equal(t, 1, report.MessagesCopied)

	envelopes, err := inner.ListEnvelopes("dir02")
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
}

func TestSyncFolderPatterns(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("dir01"))
	require.NoError(t, left.AddFolder("skipdir"))

	report := runPairSync(t, left, right, metadatadir, SyncConfig{
		FolderPatterns: []string{"!/^skipdir$/"},
	})
	require.Empty(t, report.Errors)

	folders, err := right.ListFolders()
	require.NoError(t, err)
	require.Equal(t, []string{"dir01"}, folders)
}

func TestSyncDryRun(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("dir01"))
	_, err := left.AddEnvelope("dir01", []byte("message"), NewFlags())
	require.NoError(t, err)

	report := runPairSync(t, left, right, metadatadir, SyncConfig{DryRun: true})
	require.Empty(t, report.Errors)
	require.NotZero(t, report.Operations())

	folders, err := right.ListFolders()
	require.NoError(t, err)
	require.Empty(t, folders)

	// The real run still finds all the work.
	report = runPairSync(t, left, right, metadatadir, SyncConfig{})
	require.Equal(t, 1, report.FoldersCreated)
	require.Equal(t, 1, report.MessagesCopied)
}

func TestSyncMaildirIndexPair(t *testing.T) {
	left := newTestMaildirBackend(t, '.')
	right := newTestIndexBackend(t, "right")
	metadatadir := t.TempDir()

	require.NoError(t, left.AddFolder("INBOX"))
	require.NoError(t, left.AddFolder("dir01/child01"))
	_, err := left.AddEnvelope("INBOX", []byte("message one"), NewFlags(FlagSeen))
	require.NoError(t, err)
	_, err = left.AddEnvelope("dir01/child01", []byte("message two"), NewFlags())
	require.NoError(t, err)

	report := runPairSync(t, left, right, metadatadir, SyncConfig{MaxParallelFolders: 4})
	require.Empty(t, report.Errors)
	require.Equal(t, backendState(t, left), backendState(t, right))

	// Propagate a message the other way.
	_, err = right.AddEnvelope("dir01/child01", []byte("message three"), NewFlags(FlagFlagged))
	require.NoError(t, err)

	report = runPairSync(t, left, right, metadatadir, SyncConfig{MaxParallelFolders: 4})
	require.Empty(t, report.Errors)
	require.Equal(t, 1, report.MessagesCopied)
	require.Equal(t, backendState(t, left), backendState(t, right))
}

func TestSyncCancelledContext(t *testing.T) {
	left := newTestIndexBackend(t, "left")
	right := newTestIndexBackend(t, "right")

	require.NoError(t, left.AddFolder("dir01"))
	_, err := left.AddEnvelope("dir01", []byte("message"), NewFlags())
	require.NoError(t, err)

	cache, err := OpenCache(t.TempDir(), "testpair", "error")
	require.NoError(t, err)
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Synchronize(ctx, left, right, cache, SyncConfig{LogLevel: "error"})
	require.Error(t, err)
}
