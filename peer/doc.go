// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peer provides an outbound bitcoin network peer for clients that only
follow block headers.  It includes the basic protocol exchanges like version
negotiation and responding to pings.

# Lifecycle

A peer is created in the Connecting state with NewOutboundPeer and started
with either Connect, which dials the address, or AssociateConnection, which
takes an already established connection.  The handshake then sends the local
version message, waits for the remote version, acknowledges it and waits for
the remote verack.  The states the peer moves through are

	Connecting -> VersionSent -> VersionReceived -> Handshaking -> Ready

and any of them may move to Closed, which is terminal.  A peer is single use,
so reconnecting needs a new peer.

The whole handshake has to complete within the configured handshake timeout.
Messages other than version and verack received during the handshake are
ignored up to a configurable limit, and messages with commands this package
does not know are always skipped.

# Messaging

Once Ready, messages are queued for sending with QueueMessage or SendMessage
and received in arrival order with Receive.  Pings from the remote peer are
answered automatically and the remote peer is pinged periodically.  A ping
that is not answered within the pong timeout closes the peer as unresponsive.

# Closing

Every closed peer records a CloseReason along with the error that caused it,
if any, so callers can tell a local shutdown apart from a misbehaving remote
peer.  Listeners may be configured to observe state changes, the handshake
messages and all reads and writes.
*/
package peer
