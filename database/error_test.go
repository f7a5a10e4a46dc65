// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"errors"
	"testing"
)

// TestErrorCodeStringer tests the stringized output for the ErrorCode type.
func TestErrorCodeStringer(t *testing.T) {
	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrDbTypeRegistered, "ErrDbTypeRegistered"},
		{ErrDbUnknownType, "ErrDbUnknownType"},
		{ErrWrongNetwork, "ErrWrongNetwork"},
		{ErrCorruption, "ErrCorruption"},
		{ErrNonContiguous, "ErrNonContiguous"},
		{ErrDriverSpecific, "ErrDriverSpecific"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}

	// Detect additional error codes that don't have the stringer added.
	if len(tests)-1 != len(errorCodeStrings) {
		t.Errorf("It appears an error code was added without adding an " +
			"associated stringer test")
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.String()
		if result != test.want {
			t.Errorf("String #%d\n got: %s want: %s", i, result,
				test.want)
			continue
		}
	}
}

// TestError tests the error output for the Error type.
func TestError(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk on fire")
	tests := []struct {
		in   Error
		want string
	}{
		{
			Error{Description: "some error"},
			"some error",
		},
		{
			Error{Description: "human-readable error"},
			"human-readable error",
		},
		{
			Error{
				ErrorCode:   ErrDriverSpecific,
				Description: "some error",
				Err:         cause,
			},
			"some error: disk on fire",
		},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("Error #%d\n got: %s want: %s", i, result,
				test.want)
			continue
		}
	}

	if !errors.Is(tests[2].in, cause) {
		t.Errorf("Error does not unwrap to its cause")
	}
}
