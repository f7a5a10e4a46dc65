// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/netsync"
	"github.com/stretchr/testify/require"
)

// liveTestsEnv enables the tests that connect to the public networks.
const liveTestsEnv = "HDRSYNC_LIVE_TESTS"

// TestSignetSyncs syncs the signet header chain from peers found through the
// DNS seeds.
func TestSignetSyncs(t *testing.T) {
	if os.Getenv(liveTestsEnv) != "1" {
		t.Skipf("set %s=1 to sync signet", liveTestsEnv)
	}

	srv, err := New(&Config{
		ChainParams: &chaincfg.SigNetParams,
		DataDir:     t.TempDir(),
		MaxPeers:    2,
	})
	require.NoError(t, err)

	sub, err := srv.SyncManager().Subscribe()
	require.NoError(t, err)
	logged := make(chan struct{})
	defer func() {
		sub.Cancel()
		<-logged
	}()
	go func() {
		defer close(logged)
		for {
			select {
			case item := <-sub.Events():
				if e, ok := item.(netsync.Event); ok {
					t.Log(e)
				}
			case <-sub.Quit():
				return
			}
		}
	}()

	srv.Start()
	defer func() {
		require.NoError(t, srv.Stop())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	require.NoError(t, srv.SyncManager().WaitForSync(ctx))

	tip := srv.Chain().Tip()
	t.Logf("Synced signet to height %d (%v)", tip.Height, tip.Hash)
	require.Greater(t, tip.Height, int32(200000))
}
