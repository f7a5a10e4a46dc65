// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/wire"
)

// InsertKind describes where an accepted header was attached.
type InsertKind int

const (
	// Extended means the header was attached to the tip of the best
	// chain.
	Extended InsertKind = iota

	// ForkCreated means the header was attached to a node other than the
	// tip, starting or extending a side chain.  The side chain becomes the
	// best chain once it holds more work than the tip.
	ForkCreated
)

// String returns the InsertKind as a human-readable name.
func (k InsertKind) String() string {
	switch k {
	case Extended:
		return "Extended"
	case ForkCreated:
		return "ForkCreated"
	}
	return fmt.Sprintf("Unknown InsertKind (%d)", int(k))
}

// InsertResult describes the effect of an accepted header.
type InsertResult struct {
	// Kind reports how the header itself was attached.
	Kind InsertKind

	// Node is the snapshot of the accepted header.
	Node ChainNode

	// TipChanged reports whether the best chain tip moved during the
	// insert, including moves caused by promoted orphans.
	TipChanged bool

	// Promoted lists the orphans that were accepted because their parent
	// became known, in the order they were accepted.
	Promoted []ChainNode
}

// connectHeader runs the contextual checks for a header whose parent is known
// and, if they pass, adds it to the index and moves the best chain when the
// new node holds strictly more work than the current tip.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *HeaderChain) connectHeader(header *wire.BlockHeader,
	hash *chainhash.Hash, parentSlot int32) (int32, InsertKind, error) {

	err := b.checkHeaderContext(header, hash, parentSlot)
	if err != nil {
		return noSlot, 0, err
	}

	kind := ForkCreated
	tipSlot := b.bestChain.tip()
	if parentSlot == tipSlot {
		kind = Extended
	}

	slot := b.index.addNode(header, *hash, parentSlot)
	node := b.index.node(slot)
	tip := b.index.node(tipSlot)
	if node.workSum.Cmp(tip.workSum) <= 0 {
		if kind == ForkCreated {
			log.Debugf("Added header %v (height %d) to a side chain",
				hash, node.height)
		}
		return slot, kind, nil
	}

	if kind == ForkCreated {
		fork := b.index.node(b.bestChain.findFork(slot))
		log.Infof("REORGANIZE: Chain forks at %v (height %d)",
			fork.hash, fork.height)
		log.Infof("REORGANIZE: Old best chain tip was %v (height %d)",
			tip.hash, tip.height)
		log.Infof("REORGANIZE: New best chain tip is %v (height %d)",
			node.hash, node.height)
	}
	b.bestChain.setTip(slot)

	return slot, kind, nil
}

// processOrphans determines if there are any orphans which depend on the passed
// header hash (they are no longer orphans if true) and potentially accepts
// them.  It repeats the process for the newly accepted headers (to detect
// further orphans which may no longer be orphans) until there are no more.
// Orphans that fail validation are dropped.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *HeaderChain) processOrphans(hash *chainhash.Hash) []ChainNode {
	var promoted []ChainNode

	// Start with processing at least the passed hash.  Leave a little room
	// for additional orphan headers that need to be processed without
	// needing to grow the array in the common case.
	processHashes := make([]chainhash.Hash, 0, 10)
	processHashes = append(processHashes, *hash)
	for len(processHashes) > 0 {
		// Pop the first hash to process from the slice.
		processHash := processHashes[0]
		processHashes = processHashes[1:]

		parentSlot, ok := b.index.lookup(&processHash)
		if !ok {
			continue
		}

		// Look up all orphans that are parented by the header we just
		// accepted.  An indexing for loop is intentionally used over a
		// range here as range does not reevaluate the slice on each
		// iteration nor does it adjust the index for the modified
		// slice.
		for i := 0; i < len(b.prevOrphans[processHash]); i++ {
			orphan := b.prevOrphans[processHash][i]

			// Remove the orphan from the orphan pool.
			b.removeOrphanHeader(orphan)
			i--

			slot, _, err := b.connectHeader(&orphan.header,
				&orphan.hash, parentSlot)
			if err != nil {
				log.Debugf("Dropping orphan header %v: %v",
					orphan.hash, err)
				continue
			}
			promoted = append(promoted, b.index.node(slot).snapshot())

			// Add this header to the list of headers to process so
			// any orphan headers that depend on it are handled too.
			processHashes = append(processHashes, orphan.hash)
		}
	}

	return promoted
}

// Insert is the main workhorse for handling insertion of new headers into the
// header chain.  It includes functionality such as rejecting duplicate
// headers, ensuring headers follow all rules, orphan handling, and insertion
// into the header chain along with best chain selection.
//
// The checks run in order: duplicate, context free proof of work, parent
// linkage, checkpoint, difficulty and timestamp.  A header whose parent is
// unknown is kept in the orphan pool and reported with ErrUnknownParent.
// Every failure is a RuleError and leaves the chain untouched.
//
// This function is safe for concurrent access.
func (b *HeaderChain) Insert(header *wire.BlockHeader) (InsertResult, error) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	hash := header.BlockHash()
	log.Tracef("Processing header %v", hash)

	// The header must not already exist in the chain.
	if _, exists := b.index.lookup(&hash); exists {
		str := fmt.Sprintf("already have header %v", hash)
		return InsertResult{}, ruleError(ErrDuplicate, str)
	}

	// The header must not already exist as an orphan.
	if _, exists := b.orphans[hash]; exists {
		str := fmt.Sprintf("already have header (orphan) %v", hash)
		return InsertResult{}, ruleError(ErrDuplicate, str)
	}

	// Perform preliminary sanity checks on the header.  This is done before
	// the parent lookup so invalid work never reaches the orphan pool.
	err := checkProofOfWork(header, &hash, b.chainParams.PowLimit)
	if err != nil {
		return InsertResult{}, err
	}

	// Handle orphan headers.
	parentSlot, exists := b.index.lookup(&header.PrevBlock)
	if !exists {
		log.Debugf("Adding orphan header %v with parent %v", hash,
			header.PrevBlock)
		b.addOrphanHeader(header, hash)

		str := fmt.Sprintf("previous header %v is unknown",
			header.PrevBlock)
		return InsertResult{}, ruleError(ErrUnknownParent, str)
	}

	oldTip := b.bestChain.tip()
	slot, kind, err := b.connectHeader(header, &hash, parentSlot)
	if err != nil {
		return InsertResult{}, err
	}
	result := InsertResult{
		Kind: kind,
		Node: b.index.node(slot).snapshot(),
	}

	// Accept any orphan headers that depend on this header (they are no
	// longer orphans) and repeat for those accepted headers until there
	// are no more.
	result.Promoted = b.processOrphans(&hash)
	result.TipChanged = b.bestChain.tip() != oldTip

	log.Tracef("Accepted header %v (height %d, %v)", hash,
		result.Node.Height, kind)

	return result, nil
}
