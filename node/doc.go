// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package node implements a header sync node for the bitcoin network.

A Server opens the header and peer databases, replays the persisted headers
into a header chain and then keeps outbound connections to peers taken from
the configured peers, the peer store and DNS seeds, in that order.  Every peer
that completes the handshake is handed to a netsync.SyncManager, which
downloads, validates and persists headers from it.

Headers are downloaded from a single peer until the chain is current.  The
connection target is then raised to MaxPeers and the chain follows the best
tip announced by all peers.

	srv, err := node.New(&node.Config{
		ChainParams: &chaincfg.SigNetParams,
		DataDir:     dataDir,
	})
	if err != nil {
		return err
	}
	srv.Start()
	defer srv.Stop()

	err = srv.SyncManager().WaitForSync(ctx)
*/
package node
