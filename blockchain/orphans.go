// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/wire"
)

const (
	// DefaultMaxOrphans is the maximum number of orphan headers that are
	// held onto when no limit is configured.
	DefaultMaxOrphans = 100

	// DefaultOrphanTTL is how long an orphan header is kept waiting for its
	// parent when no expiry is configured.
	DefaultOrphanTTL = time.Hour
)

// orphanHeader represents a header that we don't yet have the parent for.  It
// is a normal header plus an expiration time to prevent caching the orphan
// forever.
type orphanHeader struct {
	hash       chainhash.Hash
	header     wire.BlockHeader
	expiration time.Time
}

// IsKnownOrphan returns whether the passed hash is currently a known orphan.
// Keep in mind that only a limited number of orphans are held onto for a
// limited amount of time, so this function must not be used as an absolute
// way to test if a header is an orphan.
//
// This function is safe for concurrent access.
func (b *HeaderChain) IsKnownOrphan(hash *chainhash.Hash) bool {
	b.chainLock.RLock()
	_, exists := b.orphans[*hash]
	b.chainLock.RUnlock()
	return exists
}

// OrphanCount returns the number of headers currently waiting for a parent.
//
// This function is safe for concurrent access.
func (b *HeaderChain) OrphanCount() int {
	b.chainLock.RLock()
	n := len(b.orphans)
	b.chainLock.RUnlock()
	return n
}

// GetOrphanRoot returns the head of the chain for the provided hash from the
// map of orphan headers.  The root is the hash whose parent needs to be
// requested to connect the orphans.
//
// This function is safe for concurrent access.
func (b *HeaderChain) GetOrphanRoot(hash *chainhash.Hash) *chainhash.Hash {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	// Keep looping while the parent of each orphaned header is known and is
	// an orphan itself.
	orphanRoot := hash
	prevHash := hash
	for {
		orphan, exists := b.orphans[*prevHash]
		if !exists {
			break
		}
		orphanRoot = prevHash
		prevHash = &orphan.header.PrevBlock
	}

	return orphanRoot
}

// removeOrphanHeader removes the passed orphan header from the orphan pool and
// previous orphan index.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *HeaderChain) removeOrphanHeader(orphan *orphanHeader) {
	// Remove the orphan header from the orphan pool.
	delete(b.orphans, orphan.hash)

	// Remove the reference from the previous orphan index too.  An indexing
	// for loop is intentionally used over a range here as range does not
	// reevaluate the slice on each iteration nor does it adjust the index
	// for the modified slice.
	prevHash := &orphan.header.PrevBlock
	orphans := b.prevOrphans[*prevHash]
	for i := 0; i < len(orphans); i++ {
		if orphans[i].hash == orphan.hash {
			copy(orphans[i:], orphans[i+1:])
			orphans[len(orphans)-1] = nil
			orphans = orphans[:len(orphans)-1]
			i--
		}
	}
	b.prevOrphans[*prevHash] = orphans

	// Remove the map entry altogether if there are no longer any orphans
	// which depend on the parent hash.
	if len(b.prevOrphans[*prevHash]) == 0 {
		delete(b.prevOrphans, *prevHash)
	}

	if b.oldestOrphan == orphan {
		b.oldestOrphan = nil
	}
}

// expireOrphans removes every orphan whose expiration has passed according to
// the chain clock and refreshes the oldest orphan pointer.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *HeaderChain) expireOrphans() {
	now := b.clock.Now()
	b.oldestOrphan = nil
	for _, oHeader := range b.orphans {
		if now.After(oHeader.expiration) {
			log.Debugf("Expiring orphan header %v", oHeader.hash)
			b.removeOrphanHeader(oHeader)
			continue
		}

		// Update the oldest orphan pointer so it can be discarded in
		// case the orphan pool fills up.
		if b.oldestOrphan == nil ||
			oHeader.expiration.Before(b.oldestOrphan.expiration) {
			b.oldestOrphan = oHeader
		}
	}
}

// addOrphanHeader adds the passed header (which is already determined to be
// an orphan prior calling this function) to the orphan pool.  It lazily cleans
// up any expired headers so a separate cleanup poller doesn't need to be run.
// It also imposes a maximum limit on the number of outstanding orphan headers
// and will remove the oldest received orphan if the limit is exceeded.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *HeaderChain) addOrphanHeader(header *wire.BlockHeader,
	hash chainhash.Hash) {

	b.expireOrphans()

	// Limit orphan headers to prevent memory exhaustion.
	if len(b.orphans)+1 > b.maxOrphans && b.oldestOrphan != nil {
		// Remove the oldest orphan to make room for the new one.
		log.Debugf("Evicting orphan header %v", b.oldestOrphan.hash)
		b.removeOrphanHeader(b.oldestOrphan)
		b.expireOrphans()
	}

	oHeader := &orphanHeader{
		hash:       hash,
		header:     *header,
		expiration: b.clock.Now().Add(b.orphanTTL),
	}
	b.orphans[hash] = oHeader

	// Add to previous hash lookup index for faster dependency lookups.
	prevHash := &header.PrevBlock
	b.prevOrphans[*prevHash] = append(b.prevOrphans[*prevHash], oHeader)

	if b.oldestOrphan == nil {
		b.oldestOrphan = oHeader
	}
}
