// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/hdrsync/database/engine"
	"github.com/btcsuite/hdrsync/wire"
)

// peerKeyPrefix prefixes every stored peer address.  The rest of the key is
// the host:port form of the address.
var peerKeyPrefix = []byte("p")

// peerRecordLen is the serialized size of a peer record:
//
//	timestamp 8 + services 8 + ip 16 + port 2 + last attempt 8 +
//	last success 8 + attempts 4
const peerRecordLen = 54

// KnownAddress is a peer address along with its connection history.
type KnownAddress struct {
	Addr        *wire.NetAddress
	LastAttempt time.Time
	LastSuccess time.Time
	Attempts    uint32
}

// Key returns the host:port form of the address.
func (ka *KnownAddress) Key() string {
	return ka.Addr.Key()
}

func peerKey(addrKey string) []byte {
	return append(append([]byte(nil), peerKeyPrefix...), addrKey...)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func serializeKnownAddress(ka *KnownAddress) []byte {
	buf := make([]byte, peerRecordLen)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(unixOrZero(ka.Addr.Timestamp)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ka.Addr.Services))
	copy(buf[16:32], ka.Addr.IP.To16())
	binary.BigEndian.PutUint16(buf[32:34], ka.Addr.Port)
	binary.LittleEndian.PutUint64(buf[34:42], uint64(unixOrZero(ka.LastAttempt)))
	binary.LittleEndian.PutUint64(buf[42:50], uint64(unixOrZero(ka.LastSuccess)))
	binary.LittleEndian.PutUint32(buf[50:54], ka.Attempts)
	return buf
}

func deserializeKnownAddress(buf []byte) (*KnownAddress, error) {
	if len(buf) != peerRecordLen {
		str := fmt.Sprintf("peer record has length %d, want %d",
			len(buf), peerRecordLen)
		return nil, makeError(ErrCorruption, str, nil)
	}

	ip := make(net.IP, net.IPv6len)
	copy(ip, buf[16:32])
	return &KnownAddress{
		Addr: &wire.NetAddress{
			Timestamp: timeOrZero(int64(binary.LittleEndian.Uint64(buf[0:8]))),
			Services:  wire.ServiceFlag(binary.LittleEndian.Uint64(buf[8:16])),
			IP:        ip,
			Port:      binary.BigEndian.Uint16(buf[32:34]),
		},
		LastAttempt: timeOrZero(int64(binary.LittleEndian.Uint64(buf[34:42]))),
		LastSuccess: timeOrZero(int64(binary.LittleEndian.Uint64(buf[42:50]))),
		Attempts:    binary.LittleEndian.Uint32(buf[50:54]),
	}, nil
}

// PeerStore persists addresses learned from seeds and peers along with their
// connection history.
type PeerStore struct {
	mtx sync.Mutex
	db  engine.Engine
}

// NewPeerStore returns a peer store backed by db.
func NewPeerStore(db engine.Engine) *PeerStore {
	return &PeerStore{db: db}
}

// fetch returns the record stored for addrKey, or nil when there is none.
func (s *PeerStore) fetch(addrKey string) (*KnownAddress, error) {
	snap, err := s.db.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	raw, err := snap.Get(peerKey(addrKey))
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deserializeKnownAddress(raw)
}

func (s *PeerStore) put(records ...*KnownAddress) error {
	tx, err := s.db.Transaction()
	if err != nil {
		return err
	}
	defer tx.Discard()

	for _, ka := range records {
		err := tx.Put(peerKey(ka.Key()), serializeKnownAddress(ka))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddAddresses records the passed addresses.  Addresses already known keep
// their history, pick up any new service bits and move their timestamp forward
// when the new one is later.  It returns the number of addresses that were not
// known before.
func (s *PeerStore) AddAddresses(addrs []*wire.NetAddress) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	added := 0
	records := make([]*KnownAddress, 0, len(addrs))
	seen := make(map[string]*KnownAddress, len(addrs))
	for _, na := range addrs {
		if na == nil || na.IP == nil || na.Port == 0 {
			continue
		}
		key := na.Key()

		ka, ok := seen[key]
		if !ok {
			var err error
			ka, err = s.fetch(key)
			if err != nil {
				return 0, err
			}
		}
		if ka == nil {
			naCopy := *na
			ka = &KnownAddress{Addr: &naCopy}
			added++
			records = append(records, ka)
			seen[key] = ka
			continue
		}

		if !ok {
			records = append(records, ka)
			seen[key] = ka
		}
		ka.Addr.Services |= na.Services
		if na.Timestamp.After(ka.Addr.Timestamp) {
			ka.Addr.Timestamp = na.Timestamp
		}
	}

	if len(records) == 0 {
		return 0, nil
	}
	if err := s.put(records...); err != nil {
		return 0, err
	}
	return added, nil
}

// update applies fn to the record stored for addrKey.  Unknown addresses are
// ignored.
func (s *PeerStore) update(addrKey string, fn func(*KnownAddress)) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ka, err := s.fetch(addrKey)
	if err != nil || ka == nil {
		return err
	}
	fn(ka)
	return s.put(ka)
}

// MarkAttempt records a connection attempt to the address at the given time.
func (s *PeerStore) MarkAttempt(addrKey string, t time.Time) error {
	return s.update(addrKey, func(ka *KnownAddress) {
		ka.LastAttempt = t
		ka.Attempts++
	})
}

// MarkGood records a completed handshake with the address.  The failed
// attempt counter is reset.
func (s *PeerStore) MarkGood(addrKey string, t time.Time) error {
	return s.update(addrKey, func(ka *KnownAddress) {
		ka.LastSuccess = t
		ka.Addr.Timestamp = t
		ka.Attempts = 0
	})
}

// Remove forgets the address.
func (s *PeerStore) Remove(addrKey string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tx, err := s.db.Transaction()
	if err != nil {
		return err
	}
	defer tx.Discard()
	if err := tx.Delete(peerKey(addrKey)); err != nil {
		return err
	}
	return tx.Commit()
}

// Addresses returns every stored address, most recently successful first and
// then by fewest failed attempts.
func (s *PeerStore) Addresses() ([]*KnownAddress, error) {
	snap, err := s.db.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(engine.BytesPrefix(peerKeyPrefix))
	defer iter.Release()

	var addrs []*KnownAddress
	for ok := iter.First(); ok; ok = iter.Next() {
		ka, err := deserializeKnownAddress(iter.Value())
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, ka)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(addrs, func(i, j int) bool {
		a, b := addrs[i], addrs[j]
		if !a.LastSuccess.Equal(b.LastSuccess) {
			return a.LastSuccess.After(b.LastSuccess)
		}
		return a.Attempts < b.Attempts
	})
	return addrs, nil
}
