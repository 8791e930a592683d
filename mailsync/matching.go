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
	"regexp"
	"strings"
)

// RegexpPattern is one folder filter entry. Patterns have the form
// /re/ (allow) or !/re/ (deny).
type RegexpPattern struct {
	not bool
	re  *regexp.Regexp
}

func ValidatePattern(pattern string) bool {
	if _, err := RegexpFromPattern(pattern); err != nil {
		return false
	}
	return true
}

func RegexpFromPattern(pattern string) (rp *RegexpPattern, err error) {
	if !strings.HasPrefix(pattern, "/") && !strings.HasPrefix(pattern, "!/") {
		return nil, fmt.Errorf("pattern doesn't start with \"/\" or \"!/\"")
	}

	if !strings.HasSuffix(pattern, "/") {
		return nil, fmt.Errorf("pattern doesn't end with \"/\"")
	}

	res := pattern
	not := false
	if strings.HasPrefix(res, "!") {
		not = true
		res = strings.TrimPrefix(res, "!")
	}

	res = strings.TrimPrefix(res, "/")
	res = strings.TrimSuffix(res, "/")

	re, err := regexp.Compile(res)
	if err != nil {
		return nil, fmt.Errorf("wrong regexp \"%s\": %s", res, err)
	}

	rp = &RegexpPattern{not: not, re: re}

	return rp, nil
}

func compilePatterns(patterns []string) ([]*RegexpPattern, error) {
	rps := make([]*RegexpPattern, 0, len(patterns))
	for _, p := range patterns {
		rp, err := RegexpFromPattern(p)
		if err != nil {
			return nil, err
		}
		rps = append(rps, rp)
	}
	return rps, nil
}

// MatchesPatterns reports whether a folder name passes the filter. A
// deny pattern match excludes the folder. If any allow patterns exist
// the folder must match at least one of them; with only deny patterns
// (or none) folders are allowed by default.
func MatchesPatterns(patterns []*RegexpPattern, name string) bool {
	allowed := true
	hasallow := false

	for _, p := range patterns {
		if p.not {
			if p.re.MatchString(name) {
				return false
			}
			continue
		}
		if !hasallow {
			hasallow = true
			allowed = false
		}
		if p.re.MatchString(name) {
			allowed = true
		}
	}

	return allowed
}
