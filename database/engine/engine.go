// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrNotFound is returned by Snapshot.Get when the key does not exist.
var ErrNotFound = errors.New("engine: key not found")

// Engine is a key/value store the header and peer stores are built on.
type Engine interface {
	// Transaction starts an atomic batch of writes.
	Transaction() (Transaction, error)

	// Snapshot returns a consistent read view of the store.
	Snapshot() (Snapshot, error)

	// Close flushes and closes the store.  Closing a closed store returns
	// an error.
	Close() error
}

// Transaction is an atomic batch of writes.  Nothing is visible to snapshots
// until Commit returns.
type Transaction interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error

	// Discard abandons the transaction.  It is safe to call more than once
	// and after Commit.
	Discard()
}

// Snapshot is a read view of the store taken at a point in time.
type Snapshot interface {
	// Get returns ErrNotFound when the key does not exist.
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewIterator(*Range) Iterator
	Releaser
}

// Releaser is the interface that wraps the basic Release method.
type Releaser interface {
	// Release releases associated resources.  Release should always
	// succeed and can be called multiple times without causing error.
	Release()
}
