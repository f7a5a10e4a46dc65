// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package netsync implements a concurrency safe header syncing protocol.  The
SyncManager drives every connected peer through header download and then keeps
following the tip of the chain the peers know about.

Each peer moves through its own sync state machine:

	Idle -> AwaitingHeaders -> Idle (loop) -> Synced

A peer is sent a getheaders message built from the locator of the current best
chain as soon as it is handed to the manager.  Every headers reply is applied
to the header chain one header at a time by a single store handler, so batches
from several peers never interleave.  A non-empty batch is followed by another
request, while an empty or fully duplicate batch means the peer has nothing
more to offer.  Invalid headers abort the batch and raise the ban score of the
peer, which is disconnected and banned once the score reaches the configured
threshold.

The manager as a whole is current once every connected peer, or the configured
target peer, reached the Synced state.  Accepted headers are persisted to the
header store before the next request goes out, and persisted headers are
replayed through the chain when the manager is created.

Progress is reported to subscribers as a stream of events, see Subscribe.
*/
package netsync
