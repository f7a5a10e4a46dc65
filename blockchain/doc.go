// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockchain implements bitcoin header chain handling and validation.

The header chain is the backbone of a headers-only client.  Every header that
arrives from a peer is checked against the consensus rules that can be applied
without the block contents, linked into a tree rooted at the genesis block of
the selected network, and the branch with the most cumulative proof of work is
tracked as the best chain.

At a high level, this package provides support for inserting new headers into
the header chain according to the following rules:

  - Reject duplicate headers, including ones still waiting in the orphan pool
  - Perform the context free proof of work checks: the target encoded by the
    bits must be positive, no easier than the network limit, and the header
    hash must not exceed it
  - Save headers whose parent is unknown in the orphan pool, bounded in size
    and age, and report them as such
  - Reject headers at checkpointed heights that do not match the checkpoint
    and headers forking the best chain below the latest reached checkpoint
  - Ensure the bits equal the difficulty required by the retarget rules
  - Ensure the timestamp is after the median of the previous 11 headers and
    not more than two hours ahead of the clock
  - Attach the header, select the best chain by cumulative work, and
    promote any orphans that depended on the new header

Errors

Errors returned by this package are either the raw errors provided by underlying
calls or of type blockchain.RuleError.  This allows the caller to differentiate
between unexpected errors and rule violations through type assertions.  The
Kind method of a RuleError groups the specific error codes into the rejection
classes used for scoring peers.

Locators

LocatorHashes produces the block locator sent in getheaders requests.  It lists
the most recent hashes of the best chain one by one, then exponentially fewer,
and always ends at the genesis block.
*/
package blockchain
