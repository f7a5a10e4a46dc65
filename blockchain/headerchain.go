// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// Config is a descriptor which specifies the header chain instance
// configuration.
type Config struct {
	// ChainParams identifies which chain parameters the chain is associated
	// with.
	//
	// This field is required.
	ChainParams *chaincfg.Params

	// Checkpoints hold caller-defined checkpoints that should be added to
	// the default checkpoints in ChainParams.  One at the height of a
	// default checkpoint replaces it.
	//
	// This field can be nil if the caller does not wish to specify any
	// checkpoints.
	Checkpoints []chaincfg.Checkpoint

	// Clock defines the time source used to judge header timestamps and
	// orphan expiry.  The wall clock is used when it is nil.
	Clock clock.Clock

	// MaxOrphans bounds the orphan pool.  DefaultMaxOrphans is used when
	// it is zero.
	MaxOrphans int

	// OrphanTTL is how long an orphan waits for its parent.
	// DefaultOrphanTTL is used when it is zero.
	OrphanTTL time.Duration
}

// HeaderChain provides functions for working with the bitcoin header chain.
// It includes functionality such as rejecting duplicate headers, ensuring
// headers follow all rules, orphan handling, checkpoint handling, and best
// chain selection by cumulative work.
type HeaderChain struct {
	// The following fields are set when the instance is created and can't
	// be changed afterwards, so there is no need to protect them with a
	// separate mutex.
	chainParams         *chaincfg.Params
	checkpoints         []chaincfg.Checkpoint
	checkpointsByHeight map[int32]*chaincfg.Checkpoint
	clock               clock.Clock
	maxOrphans          int
	orphanTTL           time.Duration

	// These fields are related to difficulty retargeting.  They are also
	// set when the instance is created and never changed.
	minRetargetTimespan int64 // target timespan / adjustment factor
	maxRetargetTimespan int64 // target timespan * adjustment factor
	blocksPerRetarget   int32 // target timespan / target time per block

	// chainLock protects concurrent access to the fields below.
	chainLock sync.RWMutex

	// index houses the arena of every accepted header while bestChain
	// tracks the current active chain by making use of an efficient chain
	// view into the index.
	index     *nodeIndex
	bestChain *chainView

	// These fields are related to handling of orphan headers.
	orphans      map[chainhash.Hash]*orphanHeader
	prevOrphans  map[chainhash.Hash][]*orphanHeader
	oldestOrphan *orphanHeader
}

// mergeCheckpoints returns the checkpoints of both slices sorted by height.
// A checkpoint in extra replaces a default one at the same height.
func mergeCheckpoints(defaults, extra []chaincfg.Checkpoint) []chaincfg.Checkpoint {
	byHeight := make(map[int32]chaincfg.Checkpoint, len(defaults)+len(extra))
	for _, checkpoint := range defaults {
		byHeight[checkpoint.Height] = checkpoint
	}
	for _, checkpoint := range extra {
		byHeight[checkpoint.Height] = checkpoint
	}

	merged := make([]chaincfg.Checkpoint, 0, len(byHeight))
	for _, checkpoint := range byHeight {
		merged = append(merged, checkpoint)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Height < merged[j].Height
	})
	return merged
}

// New returns a HeaderChain instance using the provided configuration details.
// The chain starts out holding only the genesis header of the network.
func New(config *Config) (*HeaderChain, error) {
	// Enforce required config fields.
	if config.ChainParams == nil {
		return nil, AssertError("blockchain.New chain parameters nil")
	}
	params := config.ChainParams
	if params.GenesisHeader == nil || params.GenesisHash == nil {
		return nil, AssertError("blockchain.New genesis header nil")
	}
	if params.TargetTimePerBlock <= 0 || params.RetargetAdjustmentFactor <= 0 ||
		params.TargetTimespan < params.TargetTimePerBlock {

		return nil, errors.New("invalid retarget interval")
	}

	// Generate a checkpoint by height map from the default and provided
	// checkpoints.
	checkpoints := mergeCheckpoints(params.Checkpoints, config.Checkpoints)
	var checkpointsByHeight map[int32]*chaincfg.Checkpoint
	if len(checkpoints) > 0 {
		checkpointsByHeight = make(map[int32]*chaincfg.Checkpoint)
		for i := range checkpoints {
			checkpoint := &checkpoints[i]
			if checkpoint.Hash == nil {
				return nil, fmt.Errorf("checkpoint at height %d "+
					"has no hash", checkpoint.Height)
			}
			checkpointsByHeight[checkpoint.Height] = checkpoint
		}
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	maxOrphans := config.MaxOrphans
	if maxOrphans <= 0 {
		maxOrphans = DefaultMaxOrphans
	}
	orphanTTL := config.OrphanTTL
	if orphanTTL <= 0 {
		orphanTTL = DefaultOrphanTTL
	}

	targetTimespan := int64(params.TargetTimespan / time.Second)
	targetTimePerBlock := int64(params.TargetTimePerBlock / time.Second)
	adjustmentFactor := params.RetargetAdjustmentFactor
	b := HeaderChain{
		chainParams:         params,
		checkpoints:         checkpoints,
		checkpointsByHeight: checkpointsByHeight,
		clock:               clk,
		maxOrphans:          maxOrphans,
		orphanTTL:           orphanTTL,
		minRetargetTimespan: targetTimespan / adjustmentFactor,
		maxRetargetTimespan: targetTimespan * adjustmentFactor,
		blocksPerRetarget:   int32(targetTimespan / targetTimePerBlock),
		index:               newNodeIndex(),
		orphans:             make(map[chainhash.Hash]*orphanHeader),
		prevOrphans:         make(map[chainhash.Hash][]*orphanHeader),
	}

	genesis := b.index.addNode(params.GenesisHeader, *params.GenesisHash,
		noSlot)
	b.bestChain = newChainView(b.index, genesis)

	log.Infof("Header chain initialized for %s with genesis %v",
		params.Name, params.GenesisHash)

	return &b, nil
}

// ChainParams returns the parameters of the network the chain belongs to.
func (b *HeaderChain) ChainParams() *chaincfg.Params {
	return b.chainParams
}

// Checkpoints returns the checkpoints the chain enforces sorted by height.
func (b *HeaderChain) Checkpoints() []chaincfg.Checkpoint {
	return b.checkpoints
}

// Tip returns a snapshot of the node with the most cumulative work.
//
// This function is safe for concurrent access.
func (b *HeaderChain) Tip() ChainNode {
	b.chainLock.RLock()
	tip := b.index.node(b.bestChain.tip()).snapshot()
	b.chainLock.RUnlock()
	return tip
}

// Locate returns a snapshot of the node with the given hash along with
// whether it is known.  Orphans are not returned.
//
// This function is safe for concurrent access.
func (b *HeaderChain) Locate(hash *chainhash.Hash) (ChainNode, bool) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	slot, ok := b.index.lookup(hash)
	if !ok {
		return ChainNode{}, false
	}
	return b.index.node(slot).snapshot(), true
}

// HaveHeader returns whether or not the chain instance has the header
// represented by the passed hash, either in the main chain, on a side chain,
// or in the orphan pool.
//
// This function is safe for concurrent access.
func (b *HeaderChain) HaveHeader(hash *chainhash.Hash) bool {
	b.chainLock.RLock()
	_, ok := b.index.lookup(hash)
	if !ok {
		_, ok = b.orphans[*hash]
	}
	b.chainLock.RUnlock()
	return ok
}

// MainChainHasHeader returns whether or not the header with the given hash is
// in the main chain.
//
// This function is safe for concurrent access.
func (b *HeaderChain) MainChainHasHeader(hash *chainhash.Hash) bool {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	slot, ok := b.index.lookup(hash)
	return ok && b.bestChain.contains(slot)
}

// HeaderByHeight returns a snapshot of the main chain node at the given
// height.
//
// This function is safe for concurrent access.
func (b *HeaderChain) HeaderByHeight(height int32) (ChainNode, bool) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	slot := b.bestChain.nodeByHeight(height)
	if slot == noSlot {
		return ChainNode{}, false
	}
	return b.index.node(slot).snapshot(), true
}

// HeaderCount returns the number of headers in the arena, counting side
// chains and genesis but not orphans.
//
// This function is safe for concurrent access.
func (b *HeaderChain) HeaderCount() int {
	b.chainLock.RLock()
	n := b.index.count()
	b.chainLock.RUnlock()
	return n
}

// HeadersFrom returns up to max main chain headers starting at the passed
// height.  It is used to rebuild persisted state in height order.
//
// This function is safe for concurrent access.
func (b *HeaderChain) HeadersFrom(height int32, max int) []wire.BlockHeader {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	var headers []wire.BlockHeader
	for h := height; len(headers) < max; h++ {
		slot := b.bestChain.nodeByHeight(h)
		if slot == noSlot {
			break
		}
		headers = append(headers, b.index.node(slot).header)
	}
	return headers
}
