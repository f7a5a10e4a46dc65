// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/hdrsync/database/engine"
	"github.com/btcsuite/hdrsync/wire"
)

var (
	// headerKeyPrefix prefixes every stored header.  The rest of the key is
	// the big endian height so iteration runs in height order.
	headerKeyPrefix = []byte("h")

	// tipKey holds the big endian height of the highest stored header.
	tipKey = []byte("tip")

	// netKey holds the network magic the store was created for.
	netKey = []byte("net")
)

// headerKeyLen is the length of a header key.
const headerKeyLen = 5

// headerKey returns the key the header at the given height is stored under.
func headerKey(height int32) []byte {
	key := make([]byte, headerKeyLen)
	copy(key, headerKeyPrefix)
	binary.BigEndian.PutUint32(key[1:], uint32(height))
	return key
}

// HeaderStore persists the headers of the best chain by height.  The genesis
// header is never stored, so a store holding no headers has height zero.
type HeaderStore struct {
	mtx sync.Mutex
	db  engine.Engine
	net wire.BitcoinNet
}

// NewHeaderStore returns a header store backed by db for the passed network.
// A new database is stamped with the network magic, and an existing one created
// for a different network is rejected with ErrWrongNetwork.
func NewHeaderStore(db engine.Engine, net wire.BitcoinNet) (*HeaderStore, error) {
	snap, err := db.Snapshot()
	if err != nil {
		return nil, err
	}
	stored, err := snap.Get(netKey)
	snap.Release()

	switch {
	case errors.Is(err, engine.ErrNotFound):
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(net))
		tx, err := db.Transaction()
		if err != nil {
			return nil, err
		}
		defer tx.Discard()
		if err := tx.Put(netKey, buf[:]); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, err

	case len(stored) != 4:
		return nil, makeError(ErrCorruption, "network magic has wrong "+
			"length", nil)

	case wire.BitcoinNet(binary.LittleEndian.Uint32(stored)) != net:
		str := fmt.Sprintf("database is for network %v, not %v",
			wire.BitcoinNet(binary.LittleEndian.Uint32(stored)), net)
		return nil, makeError(ErrWrongNetwork, str, nil)
	}

	return &HeaderStore{db: db, net: net}, nil
}

// Net returns the network the store holds headers for.
func (s *HeaderStore) Net() wire.BitcoinNet {
	return s.net
}

// height returns the stored tip height using the passed snapshot.
func height(snap engine.Snapshot) (int32, error) {
	val, err := snap.Get(tipKey)
	if errors.Is(err, engine.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 4 {
		return 0, makeError(ErrCorruption, "tip height has wrong length",
			nil)
	}
	return int32(binary.BigEndian.Uint32(val)), nil
}

// Height returns the height of the highest stored header, or zero when only
// genesis is known.
func (s *HeaderStore) Height() (int32, error) {
	snap, err := s.db.Snapshot()
	if err != nil {
		return 0, err
	}
	defer snap.Release()
	return height(snap)
}

// PutHeaders stores headers so that headers[0] lands at height start and the
// rest follow consecutively.  Any stored header above the last written one is
// removed, which makes the call suitable for rewriting the chain after a
// reorganization.  An empty slice truncates the store to start-1.  Start may
// not be past the current height plus one.
func (s *HeaderStore) PutHeaders(start int32, headers []wire.BlockHeader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if start < 1 {
		str := fmt.Sprintf("header height %d is below 1", start)
		return makeError(ErrNonContiguous, str, nil)
	}

	snap, err := s.db.Snapshot()
	if err != nil {
		return err
	}
	oldTip, err := height(snap)
	snap.Release()
	if err != nil {
		return err
	}
	if start > oldTip+1 {
		str := fmt.Sprintf("header height %d leaves a gap after "+
			"stored height %d", start, oldTip)
		return makeError(ErrNonContiguous, str, nil)
	}

	tx, err := s.db.Transaction()
	if err != nil {
		return err
	}
	defer tx.Discard()

	for i := range headers {
		raw, err := headers[i].Bytes()
		if err != nil {
			return err
		}
		if err := tx.Put(headerKey(start+int32(i)), raw); err != nil {
			return err
		}
	}

	newTip := start + int32(len(headers)) - 1
	for h := newTip + 1; h <= oldTip; h++ {
		if err := tx.Delete(headerKey(h)); err != nil {
			return err
		}
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(newTip))
	if err := tx.Put(tipKey, buf[:]); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debugf("Stored %d headers at heights %d-%d (previous tip %d)",
		len(headers), start, newTip, oldTip)
	return nil
}

// FetchHeader returns the header stored at the given height.  The error wraps
// engine.ErrNotFound when nothing is stored there.
func (s *HeaderStore) FetchHeader(height int32) (*wire.BlockHeader, error) {
	snap, err := s.db.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	raw, err := snap.Get(headerKey(height))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, fmt.Errorf("header at height %d: %w", height,
				err)
		}
		return nil, err
	}

	var header wire.BlockHeader
	if err := header.FromBytes(raw); err != nil {
		str := fmt.Sprintf("header at height %d is corrupt", height)
		return nil, makeError(ErrCorruption, str, err)
	}
	return &header, nil
}

// FetchHeaders returns up to max consecutive headers starting at height from.
// A max of zero or less means no limit.
func (s *HeaderStore) FetchHeaders(from int32, max int) ([]wire.BlockHeader, error) {
	if from < 1 {
		from = 1
	}

	snap, err := s.db.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(engine.BytesPrefix(headerKeyPrefix))
	defer iter.Release()

	var headers []wire.BlockHeader
	expected := from
	for ok := iter.Seek(headerKey(from)); ok; ok = iter.Next() {
		if max > 0 && len(headers) >= max {
			break
		}

		key := iter.Key()
		if len(key) != headerKeyLen {
			return nil, makeError(ErrCorruption, "header key has "+
				"wrong length", nil)
		}
		if h := int32(binary.BigEndian.Uint32(key[1:])); h != expected {
			str := fmt.Sprintf("missing header at height %d",
				expected)
			return nil, makeError(ErrCorruption, str, nil)
		}

		var header wire.BlockHeader
		if err := header.FromBytes(iter.Value()); err != nil {
			str := fmt.Sprintf("header at height %d is corrupt",
				expected)
			return nil, makeError(ErrCorruption, str, err)
		}
		headers = append(headers, header)
		expected++
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return headers, nil
}
