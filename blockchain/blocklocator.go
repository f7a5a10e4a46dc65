// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockLocator is used to help locate a specific block.  The algorithm for
// building the block locator is to add the hashes in reverse order until
// the genesis block is reached.  In order to keep the list of locator hashes
// to a reasonable number of entries, first the most recent previous 10 block
// hashes are added, then the step is doubled each loop iteration to
// exponentially decrease the number of hashes as a function of the distance
// from the block being located.
//
// For example, assume a block chain with a side chain as depicted below:
//
//	genesis -> 1 -> 2 -> ... -> 15 -> 16  -> 17  -> 18
//	                              \-> 16a -> 17a
//
// The block locator for block 17a would be the hashes of blocks:
// [17a 16a 15 14 13 12 11 10 9 8 7 6 4 genesis]
type BlockLocator []*chainhash.Hash

// blockLocator returns a block locator for the node in the passed slot.  The
// best chain view is used to skip walking parents wherever the node is part of
// it.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *HeaderChain) blockLocator(slot int32) BlockLocator {
	if slot == noSlot {
		return nil
	}

	// Calculate the max number of entries that will ultimately be in the
	// block locator.  See the description of the algorithm for how these
	// numbers are derived.
	var maxEntries int
	height := b.index.node(slot).height
	if height <= 12 {
		maxEntries = int(height) + 1
	} else {
		// Requested hash itself + previous 10 entries + genesis block.
		// Then floor(log2(height-10)) entries for the skip portion.
		adjustedHeight := uint32(height) - 10
		maxEntries = 12 + bits.Len32(adjustedHeight) - 1
	}
	locator := make(BlockLocator, 0, maxEntries)

	step := int32(1)
	for slot != noSlot {
		node := b.index.node(slot)
		hash := node.hash
		locator = append(locator, &hash)

		// Nothing more to add once the genesis block has been added.
		if node.height == 0 {
			break
		}

		// Calculate height of previous node to include ensuring the
		// final node is the genesis block.
		height := node.height - step
		if height < 0 {
			height = 0
		}

		// When the node is in the current chain view, all of its
		// ancestors must be too, so use a much faster O(1) lookup in
		// that case.  Otherwise, fall back to walking backwards through
		// the nodes of the other chain to the correct ancestor.
		if b.bestChain.contains(slot) {
			slot = b.bestChain.nodeByHeight(height)
		} else {
			slot = b.index.ancestor(slot, height)
		}

		// Once 11 entries have been included, start doubling the
		// distance between included hashes.
		if len(locator) > 10 {
			step *= 2
		}
	}

	return locator
}

// LocatorHashes returns a block locator for the current tip of the best chain:
// the ten most recent hashes, then exponentially sparser, ending at genesis.
//
// This function is safe for concurrent access.
func (b *HeaderChain) LocatorHashes() BlockLocator {
	b.chainLock.RLock()
	locator := b.blockLocator(b.bestChain.tip())
	b.chainLock.RUnlock()
	return locator
}

// BlockLocatorFromHash returns a block locator for the passed hash.  See
// BlockLocator for details on the algorithm used to create a block locator.
// A locator holding only the passed hash is returned when it is unknown.
//
// This function is safe for concurrent access.
func (b *HeaderChain) BlockLocatorFromHash(hash *chainhash.Hash) BlockLocator {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	slot, ok := b.index.lookup(hash)
	if !ok {
		h := *hash
		return BlockLocator{&h}
	}
	return b.blockLocator(slot)
}
