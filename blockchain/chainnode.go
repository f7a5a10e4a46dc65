// Copyright (c) 2015-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/wire"
)

// noSlot is the slot value used for a missing node, such as the parent of the
// genesis block.
const noSlot int32 = -1

// chainNode represents a header within the header chain.  Nodes live in a
// single arena owned by the nodeIndex and refer to their parent by slot.
type chainNode struct {
	// hash is the double sha 256 of the header.
	hash chainhash.Hash

	// header is the full header as it was received.
	header wire.BlockHeader

	// height is the position in the header chain.
	height int32

	// workSum is the total amount of work in the chain up to and including
	// this node.
	workSum *big.Int

	// parent is the arena slot of the parent node or noSlot for genesis.
	parent int32
}

// ChainNode is a read-only snapshot of a header accepted into the chain.
type ChainNode struct {
	Hash   chainhash.Hash
	Header wire.BlockHeader
	Height int32

	// Work is the cumulative work of the chain ending at this node.  It is
	// a copy and may be freely modified by the caller.
	Work *big.Int
}

// snapshot returns a copy of the node that is safe to hand to callers.
func (node *chainNode) snapshot() ChainNode {
	return ChainNode{
		Hash:   node.hash,
		Header: node.header,
		Height: node.height,
		Work:   new(big.Int).Set(node.workSum),
	}
}

// nodeIndex provides facilities for keeping track of an in-memory arena of the
// header chain.  Nodes are only ever appended.
//
// The index does no locking of its own.  The header chain serializes access.
type nodeIndex struct {
	nodes []chainNode
	index map[chainhash.Hash]int32
}

// newNodeIndex returns a new empty instance of a node index.
func newNodeIndex() *nodeIndex {
	return &nodeIndex{
		nodes: make([]chainNode, 0, approxNodesPerWeek),
		index: make(map[chainhash.Hash]int32),
	}
}

// addNode appends a node for the header to the arena with the given parent
// and returns its slot.  The parent work plus the work of the header's bits
// becomes the work sum of the node.
func (bi *nodeIndex) addNode(header *wire.BlockHeader, hash chainhash.Hash,
	parent int32) int32 {

	node := chainNode{
		hash:    hash,
		header:  *header,
		workSum: CalcWork(header.Bits),
		parent:  parent,
	}
	if parent != noSlot {
		p := &bi.nodes[parent]
		node.height = p.height + 1
		node.workSum.Add(node.workSum, p.workSum)
	}

	slot := int32(len(bi.nodes))
	bi.nodes = append(bi.nodes, node)
	bi.index[hash] = slot
	return slot
}

// lookup returns the slot of the node with the given hash.
func (bi *nodeIndex) lookup(hash *chainhash.Hash) (int32, bool) {
	slot, ok := bi.index[*hash]
	return slot, ok
}

// node returns the node stored in the given slot.  The returned pointer is
// only valid until the next addNode.
func (bi *nodeIndex) node(slot int32) *chainNode {
	return &bi.nodes[slot]
}

// count returns the number of nodes in the arena.
func (bi *nodeIndex) count() int {
	return len(bi.nodes)
}

// ancestor returns the ancestor of the node in the given slot at the provided
// height by following the chain backwards.  noSlot is returned when the
// height is negative or above the node.
func (bi *nodeIndex) ancestor(slot int32, height int32) int32 {
	if slot == noSlot || height < 0 || height > bi.nodes[slot].height {
		return noSlot
	}

	for slot != noSlot && bi.nodes[slot].height != height {
		slot = bi.nodes[slot].parent
	}
	return slot
}

// relativeAncestor returns the ancestor that is distance blocks before the
// node in the given slot.
func (bi *nodeIndex) relativeAncestor(slot int32, distance int32) int32 {
	if slot == noSlot {
		return noSlot
	}
	return bi.ancestor(slot, bi.nodes[slot].height-distance)
}
