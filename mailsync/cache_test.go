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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fcoury/himalaya-lib/errors"
)

func openTestCache(t *testing.T, metadatadir string) *Cache {
	t.Helper()
	cache, err := OpenCache(metadatadir, "testpair", "error")
	require.NoError(t, err)
	return cache
}

func TestCacheFolders(t *testing.T) {
	dir := t.TempDir()
	cache := openTestCache(t, dir)
	defer cache.Close()

	folders, err := cache.Folders()
	require.NoError(t, err)
	require.Empty(t, folders)

	require.NoError(t, cache.AddFolder("dir01"))
	require.NoError(t, cache.AddFolder("dir02"))
	// Adding twice is not an error.
	require.NoError(t, cache.AddFolder("dir01"))

	folders, err = cache.Folders()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"dir01", "dir02"}, folders)

	require.NoError(t, cache.DeleteFolder("dir01"))
	folders, err = cache.Folders()
	require.NoError(t, err)
	require.Equal(t, []string{"dir02"}, folders)
}

func TestCacheEnvelopes(t *testing.T) {
	dir := t.TempDir()
	cache := openTestCache(t, dir)
	defer cache.Close()

	require.NoError(t, cache.AddFolder("dir01"))
	require.NoError(t, cache.PutEnvelope("dir01", "h1", NewFlags(FlagSeen)))
	require.NoError(t, cache.PutEnvelope("dir01", "h2", NewFlags()))

	envelopes, err := cache.Envelopes("dir01")
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	require.True(t, envelopes["h1"].Equal(NewFlags(FlagSeen)))
	require.True(t, envelopes["h2"].Equal(NewFlags()))

	// Upsert replaces the flag set.
	require.NoError(t, cache.PutEnvelope("dir01", "h1", NewFlags(FlagSeen, FlagFlagged)))
	envelopes, err = cache.Envelopes("dir01")
	require.NoError(t, err)
	require.True(t, envelopes["h1"].Equal(NewFlags(FlagSeen, FlagFlagged)))

	require.NoError(t, cache.DeleteEnvelope("dir01", "h1"))
	envelopes, err = cache.Envelopes("dir01")
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
}

func TestCacheDeleteFolderPurgesEnvelopes(t *testing.T) {
	dir := t.TempDir()
	cache := openTestCache(t, dir)
	defer cache.Close()

	require.NoError(t, cache.AddFolder("dir01"))
	require.NoError(t, cache.PutEnvelope("dir01", "h1", NewFlags(FlagSeen)))
	require.NoError(t, cache.DeleteFolder("dir01"))

	envelopes, err := cache.Envelopes("dir01")
	require.NoError(t, err)
	require.Empty(t, envelopes)
}

func TestCachePersistsAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	cache := openTestCache(t, dir)
	require.NoError(t, cache.AddFolder("dir01"))
	require.NoError(t, cache.PutEnvelope("dir01", "h1", NewFlags(FlagSeen)))
	require.NoError(t, cache.Close())

	cache = openTestCache(t, dir)
	defer cache.Close()

	folders, err := cache.Folders()
	require.NoError(t, err)
	require.Equal(t, []string{"dir01"}, folders)

	envelopes, err := cache.Envelopes("dir01")
	require.NoError(t, err)
	require.True(t, envelopes["h1"].Equal(NewFlags(FlagSeen)))
}

func TestCacheSessionLock(t *testing.T) {
	dir := t.TempDir()
	cache := openTestCache(t, dir)

	_, err := OpenCache(dir, "testpair", "error")
	require.Error(t, err)
	require.True(t, errors.IsSyncInProgress(err))

	// Another pair is not affected.
	other, err := OpenCache(dir, "otherpair", "error")
	require.NoError(t, err)
	other.Close()

	// Closing releases the lock.
	require.NoError(t, cache.Close())
	cache = openTestCache(t, dir)
	cache.Close()
}

func TestCacheStaleLockIsBroken(t *testing.T) {
	dir := t.TempDir()
	lockdir := filepath.Join(dir, "syncpairs", "testpair")
	require.NoError(t, os.MkdirAll(lockdir, 0777))

	// A lock left behind by a dead process must not block the session.
	require.NoError(t, os.WriteFile(filepath.Join(lockdir, "sync.lock"), []byte("99999999"), 0666))

	cache := openTestCache(t, dir)
	cache.Close()
}
