// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"errors"
	"fmt"
)

// State describes where a peer is in its lifecycle.
type State int32

// These constants define the states a peer moves through.  A peer only ever
// moves forward, and StateClosed is terminal.
const (
	// StateConnecting is the state of a peer whose connection is being
	// dialed or has not been associated yet.
	StateConnecting State = iota

	// StateVersionSent is the state after our version message was written
	// while the remote version is awaited.
	StateVersionSent

	// StateVersionReceived is the state after the remote version message
	// was accepted.
	StateVersionReceived

	// StateHandshaking is the state after our verack was written while the
	// remote verack is awaited.
	StateHandshaking

	// StateReady is the state of a peer that completed the handshake and
	// exchanges messages freely.
	StateReady

	// StateClosed is the state of a peer that is disconnected.
	StateClosed
)

// Map of State values back to their constant names for pretty printing.
var stateStrings = map[State]string{
	StateConnecting:      "Connecting",
	StateVersionSent:     "VersionSent",
	StateVersionReceived: "VersionReceived",
	StateHandshaking:     "Handshaking",
	StateReady:           "Ready",
	StateClosed:          "Closed",
}

// String returns the State in human-readable form.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", int32(s))
}

// CloseReason identifies why a peer was closed.
type CloseReason int32

// These constants define the reasons a peer is closed for.
const (
	// ReasonNone is reported while the peer is still open.
	ReasonNone CloseReason = iota

	// ReasonShutdown means the local side closed the peer.
	ReasonShutdown

	// ReasonProtocolViolation means the remote peer sent a malformed or out
	// of sequence message, or connected to itself.
	ReasonProtocolViolation

	// ReasonHandshakeTimeout means the handshake did not complete in time.
	ReasonHandshakeTimeout

	// ReasonUnresponsive means a ping was not answered in time.
	ReasonUnresponsive

	// ReasonTransportError means reading from or writing to the connection
	// failed.
	ReasonTransportError

	// ReasonConnectError means the connection could not be established.
	ReasonConnectError
)

// Map of CloseReason values back to their constant names for pretty printing.
var closeReasonStrings = map[CloseReason]string{
	ReasonNone:              "ReasonNone",
	ReasonShutdown:          "ReasonShutdown",
	ReasonProtocolViolation: "ReasonProtocolViolation",
	ReasonHandshakeTimeout:  "ReasonHandshakeTimeout",
	ReasonUnresponsive:      "ReasonUnresponsive",
	ReasonTransportError:    "ReasonTransportError",
	ReasonConnectError:      "ReasonConnectError",
}

// String returns the CloseReason in human-readable form.
func (r CloseReason) String() string {
	if str, ok := closeReasonStrings[r]; ok {
		return str
	}
	return fmt.Sprintf("Unknown CloseReason (%d)", int32(r))
}

var (
	// ErrPeerClosed is returned by operations on a peer that is closed.
	ErrPeerClosed = errors.New("peer closed")

	// ErrHandshakeTimeout is the close error of a peer whose handshake did
	// not complete in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrUnresponsive is the close error of a peer that did not answer a
	// ping in time.
	ErrUnresponsive = errors.New("ping not answered in time")
)

// ProtocolError describes a remote peer breaking the protocol.
type ProtocolError struct {
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e *ProtocolError) Error() string {
	return e.Description
}

// protocolError creates a ProtocolError from a format string.
func protocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Description: fmt.Sprintf(format, args...)}
}

// DialError describes a failure to establish the connection to a peer.
type DialError struct {
	Addr string
	Err  error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *DialError) Error() string {
	return fmt.Sprintf("unable to connect to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying dial error.
func (e *DialError) Unwrap() error {
	return e.Err
}
