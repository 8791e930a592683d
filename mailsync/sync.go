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
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fcoury/himalaya-lib/errors"
	"github.com/fcoury/himalaya-lib/log"
)

// SyncConfig configures one synchronization session.
type SyncConfig struct {
	// MaxParallelFolders bounds the per folder worker pool. Values
	// below 1 mean 1.
	MaxParallelFolders int

	ConflictPolicy ConflictPolicy

	// FolderPatterns filters the folders taking part in the sync,
	// using the /re/ and !/re/ pattern syntax.
	FolderPatterns []string

	// DryRun logs the hunks that would apply without mutating the
	// backends or the cache.
	DryRun bool

	LogLevel string
}

// SyncError is one non fatal error of a session: either a failed hunk
// or a failed per folder listing (Hunk is nil then).
type SyncError struct {
	Folder string
	Hunk   *Hunk
	Err    error
}

func (se SyncError) Error() string {
	if se.Hunk != nil {
		return fmt.Sprintf("%s: %s", se.Hunk, se.Err)
	}
	return fmt.Sprintf("folder %q: %s", se.Folder, se.Err)
}

// SyncReport aggregates the outcome of one session. Partial failures
// never raise; they are collected here. Only session level setup
// failures (lock, cache, both backends unreachable) surface as errors
// from Sync.
type SyncReport struct {
	FoldersCreated  int
	FoldersDeleted  int
	MessagesCopied  int
	MessagesDeleted int
	FlagsChanged    int

	// Conflicts lists the auto resolved flag conflicts for audit.
	Conflicts []Conflict

	Errors []SyncError
}

// Operations returns the total number of applied operations. A second
// sync run with no intervening external mutation reports zero.
func (r *SyncReport) Operations() int {
	return r.FoldersCreated + r.FoldersDeleted + r.MessagesCopied + r.MessagesDeleted + r.FlagsChanged
}

func (r *SyncReport) Summary() string {
	return fmt.Sprintf("folders: %d created, %d deleted; messages: %d copied, %d deleted; %d flags changed; %d conflicts resolved; %d errors",
		r.FoldersCreated, r.FoldersDeleted, r.MessagesCopied, r.MessagesDeleted, r.FlagsChanged, len(r.Conflicts), len(r.Errors))
}

func (r *SyncReport) merge(other *SyncReport) {
	r.FoldersCreated += other.FoldersCreated
	r.FoldersDeleted += other.FoldersDeleted
	r.MessagesCopied += other.MessagesCopied
	r.MessagesDeleted += other.MessagesDeleted
	r.FlagsChanged += other.FlagsChanged
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
	r.Errors = append(r.Errors, other.Errors...)
}

// Syncer drives one account pair through a full synchronization pass:
// folder sync first, then the per folder envelope syncs on a bounded
// worker pool.
type Syncer struct {
	name     string
	left     Backend
	right    Backend
	cache    *Cache
	config   SyncConfig
	patterns []*RegexpPattern
	logger   *log.Logger
	e        *errors.Error
	mu       sync.Mutex
}

func NewSyncer(name string, left, right Backend, cache *Cache, config SyncConfig) (*Syncer, error) {
	logprefix := fmt.Sprintf("syncpair: %s", name)
	errprefix := logprefix
	logger := log.GetLogger(logprefix, config.LogLevel)
	e := errors.New(errprefix)

	if config.MaxParallelFolders < 1 {
		config.MaxParallelFolders = 1
	}

	patterns, err := compilePatterns(config.FolderPatterns)
	if err != nil {
		return nil, e.E(err)
	}

	return &Syncer{
		name:     name,
		left:     left,
		right:    right,
		cache:    cache,
		config:   config,
		patterns: patterns,
		logger:   logger,
		e:        e,
	}, nil
}

// Synchronize runs one full pass between the two backends against the
// given cache and returns the aggregated report.
func Synchronize(ctx context.Context, left, right Backend, cache *Cache, config SyncConfig) (*SyncReport, error) {
	name := fmt.Sprintf("%s-%s", left.Name(), right.Name())
	s, err := NewSyncer(name, left, right, cache, config)
	if err != nil {
		return nil, err
	}
	return s.Sync(ctx)
}

func (s *Syncer) filterFolders(folders []string) []string {
	if len(s.patterns) == 0 {
		return folders
	}
	filtered := make([]string, 0, len(folders))
	for _, f := range folders {
		if MatchesPatterns(s.patterns, f) {
			filtered = append(filtered, f)
		}
	}
	return filtered
}

// Sync runs the session. The folder phase is sequential and completes
// (cache consistent) before any envelope work starts, since envelope
// sync assumes folder existence has already converged.
func (s *Syncer) Sync(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}

	leftFolders, lerr := s.left.ListFolders()
	rightFolders, rerr := s.right.ListFolders()
	if lerr != nil && rerr != nil {
		return nil, s.e.K(errors.KindConnection,
			fmt.Errorf("both backends unreachable: %s: %s; %s: %s", s.left.Name(), lerr, s.right.Name(), rerr))
	}
	if lerr != nil {
		return nil, s.e.E(lerr)
	}
	if rerr != nil {
		return nil, s.e.E(rerr)
	}

	leftFolders = s.filterFolders(leftFolders)
	rightFolders = s.filterFolders(rightFolders)

	cachedFolders, err := s.cache.Folders()
	if err != nil {
		return nil, s.e.E(err)
	}
	cachedFolders = s.filterFolders(cachedFolders)

	s.logger.Debugf("folders left: %v, right: %v, cached: %v", leftFolders, rightFolders, cachedFolders)

	folderPatch := DiffFolders(leftFolders, rightFolders, cachedFolders)
	a := newApplier(s.left, s.right, s.cache, fmt.Sprintf("syncpair: %s folders", s.name), s.config.LogLevel, s.config.DryRun)
	a.apply(folderPatch, report)

	if err := cacheFailure(report); err != nil {
		return report, s.e.E(err)
	}

	folders := s.envelopeSyncFolders(leftFolders, rightFolders, folderPatch, report)
	s.logger.Infof("syncing %d folders", len(folders))

	g := new(errgroup.Group)
	g.SetLimit(s.config.MaxParallelFolders)

	cancelled := false
	for _, folder := range folders {
		// Cancellation is honored between folders only; running
		// folders finish applying their hunks.
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		folder := folder
		g.Go(func() error {
			sub, err := s.syncFolder(folder)
			s.mu.Lock()
			report.merge(sub)
			s.mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return report, s.e.E(err)
	}
	if cancelled {
		return report, s.e.E(ctx.Err())
	}

	s.logger.Infof("sync done: %s", report.Summary())
	return report, nil
}

// envelopeSyncFolders returns the sorted folder names taking part in
// the envelope phase: the folders present on both sides once the
// folder patch has been applied. Folders whose folder hunk failed are
// skipped this session and retried by the next one.
func (s *Syncer) envelopeSyncFolders(leftFolders, rightFolders []string, patch Patch, report *SyncReport) []string {
	folders := make(map[string]struct{})

	rightSet := folderSet(rightFolders)
	for _, f := range leftFolders {
		if _, ok := rightSet[f]; ok {
			folders[f] = struct{}{}
		}
	}

	failed := make(map[string]bool)
	for _, se := range report.Errors {
		if se.Hunk != nil {
			failed[se.Folder] = true
		}
	}

	for _, h := range patch.Hunks {
		switch h.Kind {
		case HunkCreateFolder:
			if !failed[h.Folder] {
				folders[h.Folder] = struct{}{}
			}
		case HunkDeleteFolder, HunkPurgeFolderCache:
			delete(folders, h.Folder)
		}
	}
	for f := range folders {
		if failed[f] {
			delete(folders, f)
		}
	}

	out := make([]string, 0, len(folders))
	for f := range folders {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// syncFolder reconciles one folder. Listing failures are reported and
// leave the folder untouched for the next session; only a cache
// failure is returned as an error, aborting the session.
func (s *Syncer) syncFolder(folder string) (*SyncReport, error) {
	sub := &SyncReport{}

	s.logger.Debugf("syncing folder: %s", folder)

	leftEnvelopes, err := s.left.ListEnvelopes(folder)
	if err != nil {
		sub.Errors = append(sub.Errors, SyncError{Folder: folder, Err: s.e.E(err)})
		return sub, nil
	}
	rightEnvelopes, err := s.right.ListEnvelopes(folder)
	if err != nil {
		sub.Errors = append(sub.Errors, SyncError{Folder: folder, Err: s.e.E(err)})
		return sub, nil
	}

	leftIndex, leftFlags := indexEnvelopes(leftEnvelopes)
	rightIndex, rightFlags := indexEnvelopes(rightEnvelopes)

	cached, err := s.cache.Envelopes(folder)
	if err != nil {
		return sub, err
	}

	patch := DiffEnvelopes(folder, leftFlags, rightFlags, cached, s.config.ConflictPolicy)

	a := newApplier(s.left, s.right, s.cache, fmt.Sprintf("syncpair: %s %s", s.name, folder), s.config.LogLevel, s.config.DryRun)
	a.setIndexes(leftIndex, rightIndex)
	a.apply(patch, sub)

	return sub, cacheFailure(sub)
}

// indexEnvelopes turns an envelope snapshot into hash keyed lookups.
// Duplicate hashes within a folder are treated as the same logical
// message; the first one observed wins.
func indexEnvelopes(envelopes []Envelope) (map[string]Envelope, map[string]Flags) {
	index := make(map[string]Envelope, len(envelopes))
	flags := make(map[string]Flags, len(envelopes))
	for _, env := range envelopes {
		if _, ok := index[env.Hash]; ok {
			continue
		}
		index[env.Hash] = env
		flags[env.Hash] = env.Flags
	}
	return index, flags
}

// cacheFailure returns the first cache unavailable error of the
// report, if any. The cache failing means nothing further can be
// checkpointed safely, so the session must stop.
func cacheFailure(report *SyncReport) error {
	for _, se := range report.Errors {
		if errors.IsCacheUnavailable(se.Err) {
			return se.Err
		}
	}
	return nil
}
