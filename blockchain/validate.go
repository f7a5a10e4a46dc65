// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/wire"
)

const (
	// MaxTimeOffsetSeconds is the maximum number of seconds a header time
	// is allowed to be ahead of the current time.  This is currently 2
	// hours.
	MaxTimeOffsetSeconds = 2 * 60 * 60

	// medianTimeBlocks is the number of previous headers which should be
	// used to calculate the median time used to validate header timestamps.
	medianTimeBlocks = 11
)

// checkProofOfWork ensures the header hash is less than the target value
// encoded by the header bits and that the target itself is positive and not
// easier than the proof of work limit.
func checkProofOfWork(header *wire.BlockHeader, hash *chainhash.Hash,
	powLimit *big.Int) error {

	// The target difficulty must be larger than zero.
	target := CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		str := fmt.Sprintf("block target difficulty of %064x is too low",
			target)
		return ruleError(ErrPowLimit, str)
	}

	// The target difficulty must be less than the maximum allowed.
	if target.Cmp(powLimit) > 0 {
		str := fmt.Sprintf("block target difficulty of %064x is "+
			"higher than max of %064x", target, powLimit)
		return ruleError(ErrPowLimit, str)
	}

	// The block hash must be less than the claimed target.
	hashNum := HashToBig(hash)
	if hashNum.Cmp(target) > 0 {
		str := fmt.Sprintf("block hash of %064x is higher than "+
			"expected max of %064x", hashNum, target)
		return ruleError(ErrHighHash, str)
	}

	return nil
}

// CheckProofOfWork ensures the block header hash is less than the target value
// encoded by the header bits and that the target is within the passed limit.
func CheckProofOfWork(header *wire.BlockHeader, powLimit *big.Int) error {
	hash := header.BlockHash()
	return checkProofOfWork(header, &hash, powLimit)
}

// calcPastMedianTime calculates the median time of the previous few headers
// prior to, and including, the node in the passed slot.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *HeaderChain) calcPastMedianTime(slot int32) time.Time {
	// Create a slice of the previous few block timestamps used to calculate
	// the median per the number defined by the constant medianTimeBlocks.
	timestamps := make([]int64, 0, medianTimeBlocks)
	iterSlot := slot
	for i := 0; i < medianTimeBlocks && iterSlot != noSlot; i++ {
		node := b.index.node(iterSlot)
		timestamps = append(timestamps, node.header.Timestamp.Unix())
		iterSlot = node.parent
	}

	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	// NOTE: The consensus rules incorrectly calculate the median for even
	// numbers of blocks.  A true median averages the middle two elements
	// for a set with an even number of elements in it.  Since the constant
	// for the previous number of blocks to be used is odd, this is only an
	// issue for a few blocks near the beginning of the chain.  This
	// behavior is kept to match the rest of the network.
	medianTimestamp := timestamps[len(timestamps)/2]
	return time.Unix(medianTimestamp, 0)
}

// verifyCheckpoint returns whether the passed height and hash combination
// match the checkpoint data.  It also returns true if there is no checkpoint
// data for the passed height.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *HeaderChain) verifyCheckpoint(height int32, hash *chainhash.Hash) bool {
	checkpoint, exists := b.checkpointsByHeight[height]
	if !exists {
		return true
	}

	if !checkpoint.Hash.IsEqual(hash) {
		return false
	}

	log.Infof("Verified checkpoint at height %d/block %s", checkpoint.Height,
		checkpoint.Hash)
	return true
}

// latestKnownCheckpointHeight returns the height of the most recent checkpoint
// that is already part of the best chain, or -1 when none is.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *HeaderChain) latestKnownCheckpointHeight() int32 {
	tipHeight := b.bestChain.height()
	for i := len(b.checkpoints) - 1; i >= 0; i-- {
		checkpoint := &b.checkpoints[i]
		if checkpoint.Height > tipHeight {
			continue
		}
		slot := b.bestChain.nodeByHeight(checkpoint.Height)
		if slot != noSlot && b.index.node(slot).hash == *checkpoint.Hash {
			return checkpoint.Height
		}
	}
	return -1
}

// checkHeaderContext performs the validation of a header that depends on its
// position within the chain.  The parent must already be in the index.  The
// checks are, in order, checkpoint conformance, forks below the latest known
// checkpoint, the required difficulty and timestamp sanity.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *HeaderChain) checkHeaderContext(header *wire.BlockHeader,
	hash *chainhash.Hash, parentSlot int32) error {

	parent := b.index.node(parentSlot)
	height := parent.height + 1

	// Ensure the header matches the checkpoint at its height, if any.
	if !b.verifyCheckpoint(height, hash) {
		str := fmt.Sprintf("block at height %d does not match "+
			"checkpoint hash", height)
		return ruleError(ErrCheckpointMismatch, str)
	}

	// Don't allow a header that forks the best chain before the latest
	// checkpoint it already contains.
	if checkpointHeight := b.latestKnownCheckpointHeight(); height <
		checkpointHeight {

		str := fmt.Sprintf("block at height %d forks the main chain "+
			"before the previous checkpoint at height %d",
			height, checkpointHeight)
		return ruleError(ErrForkTooOld, str)
	}

	// Ensure the difficulty specified in the header matches the calculated
	// difficulty based on the previous block and difficulty retarget rules.
	expectedDifficulty, err := b.calcNextRequiredDifficulty(parentSlot,
		header.Timestamp)
	if err != nil {
		return err
	}
	if header.Bits != expectedDifficulty {
		str := fmt.Sprintf("block difficulty of %08x is not the "+
			"expected value of %08x", header.Bits, expectedDifficulty)
		return ruleError(ErrUnexpectedDifficulty, str)
	}

	// Ensure the header time is not too far in the future.
	maxTimestamp := b.clock.Now().Add(time.Second * MaxTimeOffsetSeconds)
	if header.Timestamp.After(maxTimestamp) {
		str := fmt.Sprintf("block timestamp of %v is too far in the "+
			"future", header.Timestamp)
		return ruleError(ErrTimeTooNew, str)
	}

	// Ensure the timestamp for the header is after the median time of the
	// last several blocks (medianTimeBlocks).
	medianTime := b.calcPastMedianTime(parentSlot)
	if !header.Timestamp.After(medianTime) {
		str := fmt.Sprintf("block timestamp of %v is not after "+
			"expected %v", header.Timestamp, medianTime)
		return ruleError(ErrTimeTooOld, str)
	}

	return nil
}
