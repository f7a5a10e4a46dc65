// Copyright (c) 2014-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"
)

// TestErrorCodeStringer tests the stringized output for the ErrorCode type.
func TestErrorCodeStringer(t *testing.T) {
	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrDuplicate, "ErrDuplicate"},
		{ErrUnknownParent, "ErrUnknownParent"},
		{ErrBadProofOfWork, "ErrBadProofOfWork"},
		{ErrHighHash, "ErrHighHash"},
		{ErrPowLimit, "ErrPowLimit"},
		{ErrUnexpectedDifficulty, "ErrUnexpectedDifficulty"},
		{ErrCheckpointMismatch, "ErrCheckpointMismatch"},
		{ErrForkTooOld, "ErrForkTooOld"},
		{ErrTimestampInvalid, "ErrTimestampInvalid"},
		{ErrTimeTooNew, "ErrTimeTooNew"},
		{ErrTimeTooOld, "ErrTimeTooOld"},
		{0xffff, "Unknown ErrorCode (65535)"},
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

// TestErrorCodeKind tests every error code maps to one of the public rejection
// kinds.
func TestErrorCodeKind(t *testing.T) {
	tests := []struct {
		in   ErrorCode
		want ErrorCode
	}{
		{ErrDuplicate, ErrDuplicate},
		{ErrUnknownParent, ErrUnknownParent},
		{ErrBadProofOfWork, ErrBadProofOfWork},
		{ErrHighHash, ErrBadProofOfWork},
		{ErrPowLimit, ErrBadProofOfWork},
		{ErrUnexpectedDifficulty, ErrBadProofOfWork},
		{ErrCheckpointMismatch, ErrCheckpointMismatch},
		{ErrForkTooOld, ErrCheckpointMismatch},
		{ErrTimestampInvalid, ErrTimestampInvalid},
		{ErrTimeTooNew, ErrTimestampInvalid},
		{ErrTimeTooOld, ErrTimestampInvalid},
	}

	for i, test := range tests {
		if got := test.in.Kind(); got != test.want {
			t.Errorf("Kind #%d (%v)\n got: %v want: %v", i, test.in,
				got, test.want)
		}
		rerr := ruleError(test.in, "")
		if got := rerr.Kind(); got != test.want {
			t.Errorf("RuleError.Kind #%d (%v)\n got: %v want: %v", i,
				test.in, got, test.want)
		}
	}
}

// TestRuleError tests the error output for the RuleError type.
func TestRuleError(t *testing.T) {
	tests := []struct {
		in   RuleError
		want string
	}{
		{
			RuleError{Description: "duplicate header"},
			"duplicate header",
		},
		{
			RuleError{Description: "human-readable error"},
			"human-readable error",
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
}

// TestAssertError tests the error output for the AssertError type.
func TestAssertError(t *testing.T) {
	err := AssertError("unable to obtain previous retarget block")
	want := "assertion failed: unable to obtain previous retarget block"
	if err.Error() != want {
		t.Errorf("Error\n got: %s want: %s", err.Error(), want)
	}
}
