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
	"fmt"
	"sort"

	"github.com/fcoury/himalaya-lib/errors"
	"github.com/fcoury/himalaya-lib/log"
)

// applier executes a patch against the two backends of a pair,
// checkpointing every successfully applied hunk in the cache. Hunks
// fail independently: an error is recorded and the remaining hunks
// still apply.
type applier struct {
	left   Backend
	right  Backend
	cache  *Cache
	logger *log.Logger
	e      *errors.Error
	dryrun bool

	// hash keyed envelope snapshots of both sides, used to resolve
	// backend ids for copy, delete and flag hunks.
	leftIndex  map[string]Envelope
	rightIndex map[string]Envelope

	// hashes with a failed hunk; their cache update hunks are skipped
	// so a re-run re-derives the remaining work.
	failed map[string]bool
}

func newApplier(left, right Backend, cache *Cache, logprefix string, loglevel string, dryrun bool) *applier {
	return &applier{
		left:       left,
		right:      right,
		cache:      cache,
		logger:     log.GetLogger(logprefix, loglevel),
		e:          errors.New(logprefix),
		dryrun:     dryrun,
		leftIndex:  make(map[string]Envelope),
		rightIndex: make(map[string]Envelope),
		failed:     make(map[string]bool),
	}
}

func (a *applier) backend(side Side) Backend {
	if side == SideLeft {
		return a.left
	}
	return a.right
}

func (a *applier) index(side Side) map[string]Envelope {
	if side == SideLeft {
		return a.leftIndex
	}
	return a.rightIndex
}

func (a *applier) setIndexes(left, right map[string]Envelope) {
	a.leftIndex = left
	a.rightIndex = right
}

// hunkOrder gives the fixed application order: deletions before
// creations before flag changes, so content about to be deleted is
// never resurrected by a copy or flag update.
func hunkOrder(kind HunkKind) int {
	switch kind {
	case HunkDeleteEnvelope, HunkDeleteFolder, HunkPurgeEnvelopeCache, HunkPurgeFolderCache:
		return 0
	case HunkCreateFolder, HunkCacheFolder, HunkCopyEnvelope:
		return 1
	case HunkAddFlags, HunkRemoveFlags:
		return 2
	}
	return 3
}

func sortHunks(hunks []Hunk) {
	sort.SliceStable(hunks, func(i, j int) bool {
		return hunkOrder(hunks[i].Kind) < hunkOrder(hunks[j].Kind)
	})
}

// apply runs every hunk of the patch and merges the outcome into the
// report. Counts reflect attempted work also under dry run, where no
// backend or cache mutation happens.
func (a *applier) apply(patch Patch, report *SyncReport) {
	sortHunks(patch.Hunks)
	report.Conflicts = append(report.Conflicts, patch.Conflicts...)

	for _, hunk := range patch.Hunks {
		if hunk.Kind == HunkUpdateEnvelopeCache && a.failed[hunk.Hash] {
			a.logger.Debugf("skipping %s after earlier failure", hunk)
			continue
		}

		if a.dryrun {
			a.logger.Infof("dry run: would apply: %s", hunk)
			a.count(hunk, report)
			continue
		}

		a.logger.Debugf("applying: %s", hunk)
		if err := a.applyHunk(hunk); err != nil {
			a.logger.Errorf("hunk failed: %s: %s", hunk, err)
			if hunk.Hash != "" {
				a.failed[hunk.Hash] = true
			}
			failedhunk := hunk
			report.Errors = append(report.Errors, SyncError{Folder: hunk.Folder, Hunk: &failedhunk, Err: a.e.E(err)})
			continue
		}
		a.count(hunk, report)
	}
}

func (a *applier) count(hunk Hunk, report *SyncReport) {
	switch hunk.Kind {
	case HunkCreateFolder:
		report.FoldersCreated++
	case HunkDeleteFolder:
		report.FoldersDeleted++
	case HunkCopyEnvelope:
		report.MessagesCopied++
	case HunkDeleteEnvelope:
		report.MessagesDeleted++
	case HunkAddFlags, HunkRemoveFlags:
		report.FlagsChanged += len(hunk.Flags)
	}
}

func (a *applier) applyHunk(hunk Hunk) error {
	switch hunk.Kind {
	case HunkCreateFolder:
		if err := a.backend(hunk.Side).AddFolder(hunk.Folder); err != nil {
			return err
		}
		return a.cache.AddFolder(hunk.Folder)

	case HunkDeleteFolder:
		if err := a.backend(hunk.Side).DeleteFolder(hunk.Folder); err != nil {
			return err
		}
		return a.cache.DeleteFolder(hunk.Folder)

	case HunkCacheFolder:
		return a.cache.AddFolder(hunk.Folder)

	case HunkPurgeFolderCache:
		return a.cache.DeleteFolder(hunk.Folder)

	case HunkCopyEnvelope:
		return a.copyEnvelope(hunk)

	case HunkDeleteEnvelope:
		env, ok := a.index(hunk.Side)[hunk.Hash]
		if !ok {
			return fmt.Errorf("no envelope with hash %s on %s", hunk.Hash, hunk.Side)
		}
		if err := a.backend(hunk.Side).DeleteEnvelope(hunk.Folder, env.ID); err != nil {
			return err
		}
		return a.cache.DeleteEnvelope(hunk.Folder, hunk.Hash)

	case HunkAddFlags:
		env, ok := a.index(hunk.Side)[hunk.Hash]
		if !ok {
			return fmt.Errorf("no envelope with hash %s on %s", hunk.Hash, hunk.Side)
		}
		return a.backend(hunk.Side).AddFlags(hunk.Folder, env.ID, hunk.Flags)

	case HunkRemoveFlags:
		env, ok := a.index(hunk.Side)[hunk.Hash]
		if !ok {
			return fmt.Errorf("no envelope with hash %s on %s", hunk.Hash, hunk.Side)
		}
		return a.backend(hunk.Side).RemoveFlags(hunk.Folder, env.ID, hunk.Flags)

	case HunkUpdateEnvelopeCache:
		return a.cache.PutEnvelope(hunk.Folder, hunk.Hash, hunk.Flags)

	case HunkPurgeEnvelopeCache:
		return a.cache.DeleteEnvelope(hunk.Folder, hunk.Hash)
	}

	return fmt.Errorf("wrong hunk kind: %d", hunk.Kind)
}

// copyEnvelope copies the message identified by the hunk hash from the
// side that has it to the destination side, then records the row in
// the cache so an interrupted session resumes after the copy.
func (a *applier) copyEnvelope(hunk Hunk) error {
	src := hunk.Side.Other()
	env, ok := a.index(src)[hunk.Hash]
	if !ok {
		return fmt.Errorf("no envelope with hash %s on %s", hunk.Hash, src)
	}

	raw, err := a.backend(src).ReadEnvelope(hunk.Folder, env.ID)
	if err != nil {
		return err
	}

	if _, err := a.backend(hunk.Side).AddEnvelope(hunk.Folder, raw, env.Flags); err != nil {
		return err
	}

	return a.cache.PutEnvelope(hunk.Folder, hunk.Hash, env.Flags)
}
