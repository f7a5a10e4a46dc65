// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/peer"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	goodPeerAddr = "10.0.0.1:38333"
	badPeerAddr  = "10.0.0.2:38333"
)

// fakeConnManager records connection target changes.
type fakeConnManager struct {
	targets chan uint32
}

func (c *fakeConnManager) SetTargetOutbound(target uint32) {
	c.targets <- target
}

// newTestManager creates and starts a sync manager for the config.  The chain
// is created from easy params when the config has none.
func newTestManager(t *testing.T, cfg *Config) *SyncManager {
	t.Helper()

	if cfg.Chain == nil {
		cfg.Chain = newTestChain(t, easyParams())
	}
	if cfg.ProgressTicker == nil {
		cfg.ProgressTicker = ticker.NewForce(time.Hour)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
	})
	return m
}

// TestPeerSyncStateStringer tests the stringized output for the PeerSyncState
// type.
func TestPeerSyncStateStringer(t *testing.T) {
	tests := []struct {
		in   PeerSyncState
		want string
	}{
		{StateIdle, "Idle"},
		{StateAwaitingHeaders, "AwaitingHeaders"},
		{StateSynced, "Synced"},
		{0xff, "Unknown PeerSyncState (255)"},
	}

	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}

// TestBanWeight ensures every rejection class is weighed as documented.
func TestBanWeight(t *testing.T) {
	tests := []struct {
		code       blockchain.ErrorCode
		persistent uint32
		transient  uint32
	}{
		{blockchain.ErrDuplicate, 0, 0},
		{blockchain.ErrUnknownParent, 0, 10},
		{blockchain.ErrTimeTooNew, 20, 0},
		{blockchain.ErrTimeTooOld, 20, 0},
		{blockchain.ErrHighHash, 50, 0},
		{blockchain.ErrPowLimit, 50, 0},
		{blockchain.ErrUnexpectedDifficulty, 50, 0},
		{blockchain.ErrCheckpointMismatch, 100, 0},
		{blockchain.ErrForkTooOld, 100, 0},
	}

	for _, test := range tests {
		t.Run(test.code.String(), func(t *testing.T) {
			persistent, transient := banWeight(blockchain.RuleError{
				ErrorCode: test.code,
			})
			require.Equal(t, test.persistent, persistent)
			require.Equal(t, test.transient, transient)
		})
	}

	persistent, transient := banWeight(blockchain.AssertError("bug"))
	require.Zero(t, persistent)
	require.Zero(t, transient)
}

// TestBranchAcrossRetarget ensures generated branches longer than a retarget
// interval are accepted by the chain, so sync tests can span several batches.
func TestBranchAcrossRetarget(t *testing.T) {
	params := easyParams()
	chain := newTestChain(t, params)
	headers := makeBranch(params.GenesisHeader,
		int(params.BlocksPerRetarget())+100, 1)

	for i := range headers {
		_, err := chain.Insert(&headers[i])
		require.NoErrorf(t, err, "header %d", i+1)
	}
	require.EqualValues(t, len(headers), chain.Tip().Height)
}

// TestSyncFromPeer ensures a single peer is synced from across several
// batches and that the accepted headers are persisted.
func TestSyncFromPeer(t *testing.T) {
	params := easyParams()
	headers := makeBranch(params.GenesisHeader, 2500, 1)
	store := newTestStore(t, params)
	addrBook := &fakeAddrBook{}
	connMgr := &fakeConnManager{targets: make(chan uint32, 4)}
	progress := ticker.NewForce(time.Hour)

	m := newTestManager(t, &Config{
		Chain:          newTestChain(t, params),
		Store:          store,
		AddrBook:       addrBook,
		ConnManager:    connMgr,
		TargetOutbound: 3,
		ProgressTicker: progress,
	})
	sub, err := m.Subscribe()
	require.NoError(t, err)
	defer sub.Cancel()

	remote := newRemoteNode(params, headers)
	m.NewPeer(connectRemote(t, goodPeerAddr, remote))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.WaitForSync(ctx))
	require.True(t, m.IsCurrent())

	met := nextEvent(t, sub, EventConnectionsMet)
	require.Equal(t, 1, met.Peers)
	synced := nextEvent(t, sub, EventSynced)
	require.EqualValues(t, 2500, synced.Height)
	require.Equal(t, headers[2499].BlockHash(), synced.Hash)

	tip := m.Tip()
	require.EqualValues(t, 2500, tip.Height)
	require.Equal(t, headers[2499].BlockHash(), tip.Hash)

	// Two full batches were needed, and the empty reply ends the sync.
	require.GreaterOrEqual(t, remote.requestCount(), 3)

	height, err := store.Height()
	require.NoError(t, err)
	require.EqualValues(t, 2500, height)
	stored, err := store.FetchHeader(1234)
	require.NoError(t, err)
	require.Equal(t, headers[1233].BlockHash(), stored.BlockHash())

	require.Equal(t, map[string]PeerSyncState{goodPeerAddr: StateSynced},
		m.PeerStates())

	// Once synced the full connection target is requested.
	select {
	case target := <-connMgr.targets:
		require.EqualValues(t, 3, target)
	case <-time.After(5 * time.Second):
		t.Fatal("connection target was not raised")
	}

	require.Eventually(t, func() bool {
		return addrBook.addedCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	addrBook.mtx.Lock()
	require.Equal(t, []string{goodPeerAddr}, addrBook.good)
	addrBook.mtx.Unlock()

	progress.Force <- time.Now()
	report := nextEvent(t, sub, EventProgress)
	require.EqualValues(t, 2500, report.Height)
	require.EqualValues(t, 2500, report.PeerHeight)
}

// TestUnknownParentPeer ensures a peer sending a header with an unknown parent
// does not alter the chain and is penalized while another peer keeps
// syncing.
func TestUnknownParentPeer(t *testing.T) {
	params := easyParams()
	headers := makeBranch(params.GenesisHeader, 30, 1)
	store := newTestStore(t, params)
	addrBook := &fakeAddrBook{}

	stranger := wire.BlockHeader{
		Version:   1,
		Timestamp: params.GenesisHeader.Timestamp,
		Bits:      easyBits,
		Nonce:     7,
	}
	orphan := makeBranch(&stranger, 1, 99)

	m := newTestManager(t, &Config{
		Store:      store,
		AddrBook:   addrBook,
		TargetPeer: goodPeerAddr,
	})
	sub, err := m.Subscribe()
	require.NoError(t, err)
	defer sub.Cancel()

	bad := newRemoteNode(params, nil)
	bad.onGetHeaders = func(*wire.MsgGetHeaders) *wire.MsgHeaders {
		return headersMsgFor(orphan)
	}
	m.NewPeer(connectRemote(t, badPeerAddr, bad))

	warning := nextEvent(t, sub, EventWarning)
	require.Contains(t, warning.Message, badPeerAddr)
	require.True(t, strings.Contains(warning.Message, "unknown"),
		warning.Message)

	orphanHash := orphan[0].BlockHash()
	_, ok := m.chain.Locate(&orphanHash)
	require.False(t, ok)
	require.EqualValues(t, 0, m.Tip().Height)

	m.NewPeer(connectRemote(t, goodPeerAddr, newRemoteNode(params, headers)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.WaitForSync(ctx))
	require.EqualValues(t, 30, m.Tip().Height)

	height, err := store.Height()
	require.NoError(t, err)
	require.EqualValues(t, 30, height)

	// The penalty is transient and did not get the peer banned.
	states := m.PeerStates()
	require.Equal(t, StateIdle, states[badPeerAddr])
	require.Equal(t, StateSynced, states[goodPeerAddr])
	require.False(t, addrBook.isBanned(badPeerAddr))
}

// TestBanMisbehavingPeer ensures a peer repeatedly sending headers with
// invalid proof of work is banned and disconnected.
func TestBanMisbehavingPeer(t *testing.T) {
	params := easyParams()
	addrBook := &fakeAddrBook{}

	invalid := makeBranch(params.GenesisHeader, 1, 1)
	solveHeader(&invalid[0], false)

	m := newTestManager(t, &Config{
		AddrBook:        addrBook,
		RefreshInterval: 20 * time.Millisecond,
	})

	bad := newRemoteNode(params, nil)
	bad.onGetHeaders = func(*wire.MsgGetHeaders) *wire.MsgHeaders {
		return headersMsgFor(invalid)
	}
	p := connectRemote(t, badPeerAddr, bad)
	m.NewPeer(p)

	require.Eventually(t, func() bool {
		return addrBook.isBanned(badPeerAddr)
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return p.State() == peer.StateClosed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, bad.requestCount())
	require.EqualValues(t, 0, m.Tip().Height)
	require.False(t, m.IsCurrent())
}

// TestResponseTimeout ensures a peer that does not answer getheaders in time
// is disconnected.
func TestResponseTimeout(t *testing.T) {
	params := easyParams()

	m := newTestManager(t, &Config{
		ResponseTimeout: 100 * time.Millisecond,
	})
	sub, err := m.Subscribe()
	require.NoError(t, err)
	defer sub.Cancel()

	silent := newRemoteNode(params, nil)
	silent.onGetHeaders = func(*wire.MsgGetHeaders) *wire.MsgHeaders {
		return nil
	}
	p := connectRemote(t, badPeerAddr, silent)
	m.NewPeer(p)

	warning := nextEvent(t, sub, EventWarning)
	require.Contains(t, warning.Message, "timed out")
	require.Eventually(t, func() bool {
		return p.State() == peer.StateClosed
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(m.PeerStates()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// TestServiceFilter ensures peers that do not serve the network are dropped.
func TestServiceFilter(t *testing.T) {
	params := easyParams()
	m := newTestManager(t, &Config{})

	remote := newRemoteNode(params, nil)
	remote.services = wire.SFNodeWitness
	p := connectRemote(t, badPeerAddr, remote)
	m.NewPeer(p)

	require.Eventually(t, func() bool {
		return p.State() == peer.StateClosed
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, remote.requestCount())
	require.Empty(t, m.PeerStates())
}

// TestPersistReorg ensures a reorganization rewrites the store from the fork
// point and that a restarted manager replays the new best chain.
func TestPersistReorg(t *testing.T) {
	params := easyParams()
	store := newTestStore(t, params)

	m, err := New(&Config{Chain: newTestChain(t, params), Store: store})
	require.NoError(t, err)
	defer m.Stop()

	main := makeBranch(params.GenesisHeader, 10, 1)
	res, err := m.handleHeadersMsg(&headersMsg{headers: headersMsgFor(main)})
	require.NoError(t, err)
	require.Equal(t, 10, res.accepted)
	require.NoError(t, res.err)

	height, err := store.Height()
	require.NoError(t, err)
	require.EqualValues(t, 10, height)

	// A duplicate batch is accepted but adds nothing.
	res, err = m.handleHeadersMsg(&headersMsg{headers: headersMsgFor(main)})
	require.NoError(t, err)
	require.Zero(t, res.accepted)
	require.Equal(t, main[9].BlockHash(), *res.lastHash)

	// A heavier fork off height 5 replaces everything above it.
	fork := makeBranch(&main[4], 8, 2)
	res, err = m.handleHeadersMsg(&headersMsg{headers: headersMsgFor(fork)})
	require.NoError(t, err)
	require.Equal(t, 8, res.accepted)

	height, err = store.Height()
	require.NoError(t, err)
	require.EqualValues(t, 13, height)
	stored, err := store.FetchHeader(5)
	require.NoError(t, err)
	require.Equal(t, main[4].BlockHash(), stored.BlockHash())
	stored, err = store.FetchHeader(6)
	require.NoError(t, err)
	require.Equal(t, fork[0].BlockHash(), stored.BlockHash())

	restarted, err := New(&Config{
		Chain: newTestChain(t, params),
		Store: store,
	})
	require.NoError(t, err)
	defer restarted.Stop()

	tip := restarted.Tip()
	require.EqualValues(t, 13, tip.Height)
	require.Equal(t, fork[7].BlockHash(), tip.Hash)
}

// TestReplayTruncatesInvalid ensures persisted headers that no longer pass
// validation are dropped from the store at startup.
func TestReplayTruncatesInvalid(t *testing.T) {
	params := easyParams()
	store := newTestStore(t, params)

	main := makeBranch(params.GenesisHeader, 5, 1)
	require.NoError(t, store.PutHeaders(1, main))

	invalid := makeBranch(&main[1], 1, 2)
	solveHeader(&invalid[0], false)
	require.NoError(t, store.PutHeaders(3, invalid))

	m, err := New(&Config{Chain: newTestChain(t, params), Store: store})
	require.NoError(t, err)
	defer m.Stop()

	require.EqualValues(t, 2, m.Tip().Height)
	height, err := store.Height()
	require.NoError(t, err)
	require.EqualValues(t, 2, height)
}

// TestSubscriptionCancel ensures a cancelled subscription stops receiving
// events and that a stopped manager refuses new subscriptions.
func TestSubscriptionCancel(t *testing.T) {
	m, err := New(&Config{Chain: newTestChain(t, easyParams())})
	require.NoError(t, err)

	sub, err := m.Subscribe()
	require.NoError(t, err)
	sub.Cancel()

	select {
	case <-sub.Quit():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not cancelled")
	}

	require.NoError(t, m.Stop())
	_, err = m.Subscribe()
	require.ErrorIs(t, err, ErrManagerShuttingDown)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, m.WaitForSync(ctx), ErrManagerShuttingDown)
}

// TestEventStringer tests the stringized output of events.
func TestEventStringer(t *testing.T) {
	tests := []struct {
		in   Event
		want string
	}{
		{Event{Type: EventDialog, Message: "hello"}, "Dialog: hello"},
		{Event{Type: EventWarning, Message: "careful"}, "Warning: careful"},
		{Event{Type: EventProgress, Height: 5, PeerHeight: 10},
			"Progress: height 5 of 10"},
		{Event{Type: EventConnectionsMet, Peers: 2},
			"ConnectionsMet: 2 peers"},
		{Event{Type: 0xff}, "Unknown EventType (255)"},
	}

	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}

// TestNewRequiresChain ensures a manager cannot be created without a chain.
func TestNewRequiresChain(t *testing.T) {
	_, err := New(&Config{ChainParams: &chaincfg.SigNetParams})
	require.Error(t, err)
}

// TestStopBeforeStart ensures a manager stopped before it was started stays
// stopped and can not be started afterwards.
func TestStopBeforeStart(t *testing.T) {
	m, err := New(&Config{Chain: newTestChain(t, easyParams())})
	require.NoError(t, err)

	require.NoError(t, m.Stop())
	require.NotPanics(t, m.Start)

	select {
	case <-m.Done():
	default:
		t.Fatal("stopped manager is not done")
	}
	require.NoError(t, m.Err())
	require.NoError(t, m.Stop())
}
