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
	"sort"
	"strings"
)

// Well known flag names shared by all backends.
const (
	FlagSeen     = "seen"
	FlagAnswered = "answered"
	FlagFlagged  = "flagged"
	FlagDeleted  = "deleted"
	FlagDraft    = "draft"
)

// Flags is a set of lowercase string tags attached to a message. The
// representation is backend agnostic; each backend maps it to its own
// native form.
type Flags map[string]struct{}

func NewFlags(names ...string) Flags {
	f := make(Flags, len(names))
	for _, n := range names {
		if n != "" {
			f[strings.ToLower(n)] = struct{}{}
		}
	}
	return f
}

func (f Flags) Has(name string) bool {
	_, ok := f[name]
	return ok
}

func (f Flags) Add(names ...string) {
	for _, n := range names {
		if n != "" {
			f[strings.ToLower(n)] = struct{}{}
		}
	}
}

func (f Flags) Remove(names ...string) {
	for _, n := range names {
		delete(f, strings.ToLower(n))
	}
}

func (f Flags) Clone() Flags {
	out := make(Flags, len(f))
	for n := range f {
		out[n] = struct{}{}
	}
	return out
}

// Union returns a new set with the flags of both sets.
func (f Flags) Union(other Flags) Flags {
	out := f.Clone()
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Diff returns a new set with the flags of f not present in other.
func (f Flags) Diff(other Flags) Flags {
	out := make(Flags)
	for n := range f {
		if !other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

func (f Flags) Equal(other Flags) bool {
	if len(f) != len(other) {
		return false
	}
	for n := range f {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// Names returns the flag names in sorted order.
func (f Flags) Names() []string {
	names := make([]string, 0, len(f))
	for n := range f {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f Flags) String() string {
	return strings.Join(f.Names(), ",")
}

// ParseFlags parses the comma separated form produced by String.
func ParseFlags(s string) Flags {
	f := make(Flags)
	for _, n := range strings.Split(s, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			f[strings.ToLower(n)] = struct{}{}
		}
	}
	return f
}

var maildirFlagMap = map[rune]string{
	'S': FlagSeen,
	'R': FlagAnswered,
	'F': FlagFlagged,
	'T': FlagDeleted,
	'D': FlagDraft,
}

// flagsFromMaildir parses the flag chars of a maildir info suffix
// (the part after "2,"). Unknown chars are kept as single letter
// lowercase flags so custom flags survive a round trip.
func flagsFromMaildir(s string) Flags {
	f := make(Flags)
	for _, c := range s {
		if name, ok := maildirFlagMap[c]; ok {
			f[name] = struct{}{}
		} else {
			f[strings.ToLower(string(c))] = struct{}{}
		}
	}
	return f
}

// flagsToMaildir renders the set as sorted maildir flag chars. Flags
// with no maildir representation are dropped.
func flagsToMaildir(f Flags) string {
	var chars []rune
	for c, name := range maildirFlagMap {
		if f.Has(name) {
			chars = append(chars, c)
		}
	}
	for n := range f {
		if len(n) == 1 {
			if _, known := maildirFlagMap[rune(strings.ToUpper(n)[0])]; !known {
				chars = append(chars, rune(strings.ToUpper(n)[0]))
			}
		}
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })
	return string(chars)
}
