/*
   Copyright 2025 MidTerm authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package version compares ttyhost version strings. The rules are shared
// with the update service: MAJOR.MINOR.PATCH ordered numerically, build
// metadata ignored, a stable version outranks any prerelease of the same
// base, and `dev.N` prereleases order by the integer N.
package version

import (
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
)

// Compare returns -1, 0 or 1 as a orders before, equal to, or after b.
func Compare(a, b string) (int, error) {
	va, err := goversion.NewVersion(a)
	if err != nil {
		return 0, errors.Wrapf(err, "parse version %q", a)
	}
	vb, err := goversion.NewVersion(b)
	if err != nil {
		return 0, errors.Wrapf(err, "parse version %q", b)
	}
	if c := va.Core().Compare(vb.Core()); c != 0 {
		return c, nil
	}
	return comparePrerelease(va.Prerelease(), vb.Prerelease()), nil
}

// AtLeast reports whether found is greater than or equal to minimum.
func AtLeast(found, minimum string) (bool, error) {
	c, err := Compare(found, minimum)
	if err != nil {
		return false, err
	}
	return c >= 0, nil
}

func comparePrerelease(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		// Stable outranks any prerelease of the same base.
		return 1
	case b == "":
		return -1
	}
	if an, aok := devNumber(a); aok {
		if bn, bok := devNumber(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(a, b)
}

func devNumber(pre string) (int, bool) {
	rest, ok := strings.CutPrefix(pre, "dev.")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
