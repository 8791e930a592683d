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
)

// Side identifies one of the two backends of a sync pair.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) Other() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

func (s Side) String() string {
	if s == SideLeft {
		return "left"
	}
	return "right"
}

// HunkKind enumerates the reconciliation operations a patch can carry.
// The *Cache kinds only touch the cache; they exist so the applier
// remains the single component mutating it.
type HunkKind int

const (
	HunkCreateFolder HunkKind = iota
	HunkDeleteFolder
	HunkCacheFolder
	HunkPurgeFolderCache
	HunkCopyEnvelope
	HunkDeleteEnvelope
	HunkAddFlags
	HunkRemoveFlags
	HunkUpdateEnvelopeCache
	HunkPurgeEnvelopeCache
)

// Hunk is one atomic reconciliation operation. Side is the side the
// operation targets; for HunkCopyEnvelope it is the destination side.
type Hunk struct {
	Kind   HunkKind
	Side   Side
	Folder string
	Hash   string
	Flags  Flags
}

func (h Hunk) String() string {
	switch h.Kind {
	case HunkCreateFolder:
		return fmt.Sprintf("create folder %q on %s", h.Folder, h.Side)
	case HunkDeleteFolder:
		return fmt.Sprintf("delete folder %q on %s", h.Folder, h.Side)
	case HunkCacheFolder:
		return fmt.Sprintf("cache folder %q", h.Folder)
	case HunkPurgeFolderCache:
		return fmt.Sprintf("purge folder %q from cache", h.Folder)
	case HunkCopyEnvelope:
		return fmt.Sprintf("copy envelope %s to %s in folder %q", h.Hash, h.Side, h.Folder)
	case HunkDeleteEnvelope:
		return fmt.Sprintf("delete envelope %s on %s in folder %q", h.Hash, h.Side, h.Folder)
	case HunkAddFlags:
		return fmt.Sprintf("add flags [%s] to envelope %s on %s in folder %q", h.Flags, h.Hash, h.Side, h.Folder)
	case HunkRemoveFlags:
		return fmt.Sprintf("remove flags [%s] from envelope %s on %s in folder %q", h.Flags, h.Hash, h.Side, h.Folder)
	case HunkUpdateEnvelopeCache:
		return fmt.Sprintf("update cache for envelope %s in folder %q to [%s]", h.Hash, h.Folder, h.Flags)
	case HunkPurgeEnvelopeCache:
		return fmt.Sprintf("purge envelope %s from cache in folder %q", h.Hash, h.Folder)
	}
	return "unknown hunk"
}

// ConflictPolicy decides flag disagreements over a baseline flag when
// both sides changed since the baseline.
type ConflictPolicy int

const (
	// RemovalWins drops a baseline flag one side removed, even if the
	// other side still carries it. This is the default: a user who
	// unflagged or marked read likely wants that respected.
	RemovalWins ConflictPolicy = iota

	// AdditionWins keeps the flag instead.
	AdditionWins
)

func (p ConflictPolicy) String() string {
	if p == AdditionWins {
		return "addition-wins"
	}
	return "removal-wins"
}

// ParseConflictPolicy parses the configuration form of the policy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "removal-wins":
		return RemovalWins, nil
	case "addition-wins":
		return AdditionWins, nil
	}
	return RemovalWins, fmt.Errorf("wrong conflict policy: \"%s\"", s)
}

// Conflict is the audit record of one auto-resolved flag conflict. It
// is informational, not an error.
type Conflict struct {
	Folder string
	Hash   string
	Flag   string
	Winner ConflictPolicy
}

func (c Conflict) String() string {
	return fmt.Sprintf("flag %q of envelope %s in folder %q resolved by %s", c.Flag, c.Hash, c.Folder, c.Winner)
}

// Patch is an ordered set of hunks plus the conflicts resolved while
// computing them.
type Patch struct {
	Hunks     []Hunk
	Conflicts []Conflict
}

func (p *Patch) add(h Hunk) {
	p.Hunks = append(p.Hunks, h)
}

// DiffFolders computes the folder patch from both observed folder lists
// and the cached baseline. The rule set is applied symmetrically:
//
//   - present on one side only and not cached: newly created, propagate
//     with a create on the other side.
//   - present on one side only but cached: deleted on the other side
//     since the baseline, deletion wins and propagates back.
//   - present on both sides but not cached: record in the cache.
//   - cached but gone from both sides: purge from cache only.
func DiffFolders(left, right, cached []string) Patch {
	var patch Patch

	l := folderSet(left)
	r := folderSet(right)
	c := folderSet(cached)

	for _, name := range mergeFolderNames(mergeFolderNames(left, right), cached) {
		_, inLeft := l[name]
		_, inRight := r[name]
		_, inCache := c[name]

		switch {
		case inLeft && inRight:
			if !inCache {
				patch.add(Hunk{Kind: HunkCacheFolder, Folder: name})
			}
		case inLeft && !inRight:
			if inCache {
				patch.add(Hunk{Kind: HunkDeleteFolder, Side: SideLeft, Folder: name})
			} else {
				patch.add(Hunk{Kind: HunkCreateFolder, Side: SideRight, Folder: name})
			}
		case !inLeft && inRight:
			if inCache {
				patch.add(Hunk{Kind: HunkDeleteFolder, Side: SideRight, Folder: name})
			} else {
				patch.add(Hunk{Kind: HunkCreateFolder, Side: SideLeft, Folder: name})
			}
		case inCache:
			patch.add(Hunk{Kind: HunkPurgeFolderCache, Folder: name})
		}
	}

	return patch
}

// DiffEnvelopes computes the envelope patch for one folder from the
// hash keyed flag observations of both sides and the cached baseline.
func DiffEnvelopes(folder string, left, right, cached map[string]Flags, policy ConflictPolicy) Patch {
	var patch Patch

	hashes := make(map[string]struct{}, len(left)+len(right)+len(cached))
	for h := range left {
		hashes[h] = struct{}{}
	}
	for h := range right {
		hashes[h] = struct{}{}
	}
	for h := range cached {
		hashes[h] = struct{}{}
	}

	ordered := make([]string, 0, len(hashes))
	for h := range hashes {
		ordered = append(ordered, h)
	}
	sort.Strings(ordered)

	for _, hash := range ordered {
		lf, inLeft := left[hash]
		rf, inRight := right[hash]
		cf, inCache := cached[hash]

		switch {
		case inLeft && !inRight:
			if inCache {
				// The right side deleted it since the baseline.
				patch.add(Hunk{Kind: HunkDeleteEnvelope, Side: SideLeft, Folder: folder, Hash: hash})
			} else {
				patch.add(Hunk{Kind: HunkCopyEnvelope, Side: SideRight, Folder: folder, Hash: hash})
			}
		case !inLeft && inRight:
			if inCache {
				patch.add(Hunk{Kind: HunkDeleteEnvelope, Side: SideRight, Folder: folder, Hash: hash})
			} else {
				patch.add(Hunk{Kind: HunkCopyEnvelope, Side: SideLeft, Folder: folder, Hash: hash})
			}
		case inLeft && inRight:
			diffFlags(&patch, folder, hash, lf, rf, cf, inCache, policy)
		case inCache:
			patch.add(Hunk{Kind: HunkPurgeEnvelopeCache, Folder: folder, Hash: hash})
		}
	}

	return patch
}

// diffFlags reconciles the flag sets of a message present on both
// sides. A flag the sides disagree on was either added (not in the
// baseline) or removed (in the baseline) by exactly one side; additions
// always propagate, removals are decided by the policy. A disagreement
// over a baseline flag is recorded as a conflict when both whole sets
// changed since the baseline, meaning the sides made independent
// opposite-direction edits.
func diffFlags(patch *Patch, folder, hash string, lf, rf, cf Flags, inCache bool, policy ConflictPolicy) {
	if cf == nil {
		cf = NewFlags()
	}

	final := NewFlags()
	bothChanged := inCache && !lf.Equal(cf) && !rf.Equal(cf)

	universe := lf.Union(rf).Union(cf)
	for _, flag := range universe.Names() {
		inL := lf.Has(flag)
		inR := rf.Has(flag)
		inC := cf.Has(flag)

		switch {
		case inL == inR:
			if inL {
				final.Add(flag)
			}
		case !inC:
			// Added by one side since the baseline.
			final.Add(flag)
		default:
			// Removed by one side since the baseline.
			if policy == AdditionWins {
				final.Add(flag)
			}
			if bothChanged {
				patch.Conflicts = append(patch.Conflicts, Conflict{
					Folder: folder,
					Hash:   hash,
					Flag:   flag,
					Winner: policy,
				})
			}
		}
	}

	addLeft := final.Diff(lf)
	removeLeft := lf.Diff(final)
	addRight := final.Diff(rf)
	removeRight := rf.Diff(final)

	if len(addLeft) > 0 {
		patch.add(Hunk{Kind: HunkAddFlags, Side: SideLeft, Folder: folder, Hash: hash, Flags: addLeft})
	}
	if len(removeLeft) > 0 {
		patch.add(Hunk{Kind: HunkRemoveFlags, Side: SideLeft, Folder: folder, Hash: hash, Flags: removeLeft})
	}
	if len(addRight) > 0 {
		patch.add(Hunk{Kind: HunkAddFlags, Side: SideRight, Folder: folder, Hash: hash, Flags: addRight})
	}
	if len(removeRight) > 0 {
		patch.add(Hunk{Kind: HunkRemoveFlags, Side: SideRight, Folder: folder, Hash: hash, Flags: removeRight})
	}

	if !inCache || !final.Equal(cf) {
		patch.add(Hunk{Kind: HunkUpdateEnvelopeCache, Folder: folder, Hash: hash, Flags: final})
	}
}
