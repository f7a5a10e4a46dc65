// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package database persists synchronized headers and known peer addresses.

Both stores sit on top of a key/value engine chosen by name through Open.  The
"leveldb" and "pebble" drivers keep their data on disk while "memdb" keeps it in
memory and is mostly useful for tests.

# Header Store

Headers of the best chain are stored by height, starting at height one since
genesis always comes from the network parameters.  The store is stamped with
the network magic on first use and refuses to open for any other network.
Writing a range of headers removes every stored header above it, so replacing
the chain after a reorganization is a single PutHeaders call from the fork
point.

# Peer Store

Addresses learned from DNS seeds and addr messages are kept together with the
time of the last connection attempt, the last successful handshake and the
number of failed attempts since then.
*/
package database
