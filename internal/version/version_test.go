// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestString ensures the version string is formed from the semantic version
// parts and that invalid characters are stripped from the suffixes.
func TestString(t *testing.T) {
	defer func(pre, build string) {
		PreRelease, BuildMetadata = pre, build
	}(PreRelease, BuildMetadata)

	tests := []struct {
		pre, build string
		want       string
	}{
		{"", "", "0.1.0"},
		{"beta", "", "0.1.0-beta"},
		{"beta", "dev", "0.1.0-beta+dev"},
		{"be.ta!", "d_ev.1", "0.1.0-beta+dev.1"},
	}

	for _, test := range tests {
		PreRelease, BuildMetadata = test.pre, test.build
		require.Equal(t, test.want, String())
	}
}

func TestCore(t *testing.T) {
	require.Equal(t, "0.1.0", Core())
	require.Equal(t, "beta", NormalizePreRelString("be.ta"))
	require.Equal(t, "1.2-rc", NormalizeBuildString("1.2-rc!"))
}
