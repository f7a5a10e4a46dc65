// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version provides a single location to house the version information
// for hdrsync and the example programs provided in the same repository.
package version

import (
	"fmt"
	"strings"
)

// These constants define the application version and follow the semantic
// versioning 2.0.0 spec (http://semver.org/).
const (
	Major uint = 0
	Minor uint = 1
	Patch uint = 0
)

var (
	// PreRelease may be overridden at link time with
	// '-ldflags "-X github.com/btcsuite/hdrsync/internal/version.PreRelease=foo"'.
	// Characters other than alphanumerics and hyphens are dropped.
	PreRelease = "beta"

	// BuildMetadata may be overridden at link time with
	// '-ldflags "-X github.com/btcsuite/hdrsync/internal/version.BuildMetadata=foo"'.
	// Characters other than alphanumerics, hyphens and dots are dropped.
	BuildMetadata = "dev"
)

// Core returns the major, minor and patch version without any suffix.  It is
// the version advertised in the user agent.
func Core() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}

// String returns the full application version.  The pre-release and build
// metadata are appended after a hyphen and a plus when they are non-empty
// once normalized.
func String() string {
	var b strings.Builder
	b.WriteString(Core())

	if pre := NormalizePreRelString(PreRelease); pre != "" {
		b.WriteByte('-')
		b.WriteString(pre)
	}
	if build := NormalizeBuildString(BuildMetadata); build != "" {
		b.WriteByte('+')
		b.WriteString(build)
	}
	return b.String()
}

// keepSemantic returns a strings.Map function dropping every rune that is not
// an ASCII alphanumeric, a hyphen or, when allowDot is set, a dot.
func keepSemantic(allowDot bool) func(rune) rune {
	return func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z', r == '-':
			return r
		case r == '.' && allowDot:
			return r
		}
		return -1
	}
}

// NormalizePreRelString strips the characters that are not valid in the
// pre-release part of a semantic version.
func NormalizePreRelString(str string) string {
	return strings.Map(keepSemantic(false), str)
}

// NormalizeBuildString strips the characters that are not valid in the build
// metadata part of a semantic version.
func NormalizeBuildString(str string) string {
	return strings.Map(keepSemantic(true), str)
}
