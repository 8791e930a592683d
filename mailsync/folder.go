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

// FolderSeparator is the canonical hierarchy separator. Backends
// normalize their native delimiter to it before folder names reach the
// engine, so folders compare by canonical name only.
const FolderSeparator = "/"

// NormalizeFolder converts a backend folder name using the given
// delimiter to the canonical form.
func NormalizeFolder(name string, delim string) string {
	if delim == "" || delim == FolderSeparator {
		return name
	}
	return strings.ReplaceAll(name, delim, FolderSeparator)
}

// DenormalizeFolder converts a canonical folder name back to the
// backend native delimiter.
func DenormalizeFolder(name string, delim string) string {
	if delim == "" || delim == FolderSeparator {
		return name
	}
	return strings.ReplaceAll(name, FolderSeparator, delim)
}

// mergeFolderNames returns the sorted union of both name lists.
func mergeFolderNames(folders1 []string, folders2 []string) []string {
	fm := make(map[string]struct{}, len(folders1)+len(folders2))
	for _, f := range folders1 {
		fm[f] = struct{}{}
	}
	for _, f := range folders2 {
		fm[f] = struct{}{}
	}

	merged := make([]string, 0, len(fm))
	for f := range fm {
		merged = append(merged, f)
	}
	sort.Strings(merged)
	return merged
}

func folderSet(folders []string) map[string]struct{} {
	set := make(map[string]struct{}, len(folders))
	for _, f := range folders {
		set[f] = struct{}{}
	}
	return set
}
