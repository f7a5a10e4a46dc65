// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
)

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrDuplicate indicates a header with the same hash already exists
	// in the chain or the orphan pool.
	ErrDuplicate ErrorCode = iota

	// ErrUnknownParent indicates the previous block of a header is not
	// known.  The header was buffered as an orphan.
	ErrUnknownParent

	// ErrBadProofOfWork groups the proof of work failures below.  It is
	// only ever returned by Kind.
	ErrBadProofOfWork

	// ErrHighHash indicates the block hash does not satisfy the target
	// encoded by the bits of the header.
	ErrHighHash

	// ErrPowLimit indicates the target encoded by the bits of a header is
	// not positive or is easier than the proof of work limit of the
	// network.
	ErrPowLimit

	// ErrUnexpectedDifficulty indicates the bits of a header do not match
	// the difficulty required by the retarget rules at its height.
	ErrUnexpectedDifficulty

	// ErrCheckpointMismatch indicates a header at a checkpointed height
	// does not match the expected checkpoint hash.
	ErrCheckpointMismatch

	// ErrForkTooOld indicates a header forks the best chain at a height
	// before the most recent checkpoint it already contains.
	ErrForkTooOld

	// ErrTimestampInvalid groups the timestamp failures below.  It is only
	// ever returned by Kind.
	ErrTimestampInvalid

	// ErrTimeTooNew indicates the time is too far in the future as compared
	// the current time.
	ErrTimeTooNew

	// ErrTimeTooOld indicates the time is either before the median time of
	// the last several blocks per the chain consensus rules.
	ErrTimeTooOld
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDuplicate:            "ErrDuplicate",
	ErrUnknownParent:        "ErrUnknownParent",
	ErrBadProofOfWork:       "ErrBadProofOfWork",
	ErrHighHash:             "ErrHighHash",
	ErrPowLimit:             "ErrPowLimit",
	ErrUnexpectedDifficulty: "ErrUnexpectedDifficulty",
	ErrCheckpointMismatch:   "ErrCheckpointMismatch",
	ErrForkTooOld:           "ErrForkTooOld",
	ErrTimestampInvalid:     "ErrTimestampInvalid",
	ErrTimeTooNew:           "ErrTimeTooNew",
	ErrTimeTooOld:           "ErrTimeTooOld",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Kind maps a specific error code to the broad rejection class it belongs to
// which is one of ErrDuplicate, ErrUnknownParent, ErrBadProofOfWork,
// ErrCheckpointMismatch or ErrTimestampInvalid.
func (e ErrorCode) Kind() ErrorCode {
	switch e {
	case ErrHighHash, ErrPowLimit, ErrUnexpectedDifficulty:
		return ErrBadProofOfWork

	case ErrForkTooOld:
		return ErrCheckpointMismatch

	case ErrTimeTooNew, ErrTimeTooOld:
		return ErrTimestampInvalid
	}

	return e
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a header failed due to one of the many validation rules.  The
// caller can use type assertions to determine if a failure was specifically
// due to a rule violation and access the ErrorCode field to ascertain the
// specific reason for the rule violation.
type RuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Kind returns the broad rejection class of the error.
func (e RuleError) Kind() ErrorCode {
	return e.ErrorCode.Kind()
}

// ruleError creates an RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}
