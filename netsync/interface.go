// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"time"

	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultResponseTimeout is how long a peer has to answer getheaders.
	DefaultResponseTimeout = 5 * time.Second

	// DefaultRefreshInterval is how long a synced peer stays quiet before
	// it is asked for new headers again.
	DefaultRefreshInterval = time.Minute

	// DefaultBanThreshold is the ban score at which a peer is
	// disconnected and banned.
	DefaultBanThreshold = 100

	// DefaultTargetOutbound is the number of peers kept once synced.
	DefaultTargetOutbound = 8
)

// HeaderStore persists the best chain.  It is implemented by
// database.HeaderStore.
type HeaderStore interface {
	Height() (int32, error)
	PutHeaders(start int32, headers []wire.BlockHeader) error
	FetchHeader(height int32) (*wire.BlockHeader, error)
	FetchHeaders(from int32, max int) ([]wire.BlockHeader, error)
}

// AddrBook receives the addresses peers announce and is told about good and
// misbehaving peers.  It is implemented by connmgr.AddrBook.
type AddrBook interface {
	AddAddresses(addrs []*wire.NetAddress) int
	MarkGood(key string)
	Ban(key string)
}

// ConnManager adjusts the number of outbound connections.  It is implemented
// by connmgr.ConnManager.
type ConnManager interface {
	SetTargetOutbound(target uint32)
}

// Config is a configuration struct used to initialize a new SyncManager.
type Config struct {
	// Chain is the header chain the manager extends.  It is required.
	Chain *blockchain.HeaderChain

	// ChainParams identifies the network.  The params of Chain are used
	// when nil.
	ChainParams *chaincfg.Params

	// Store persists accepted headers.  Nothing is persisted when nil.
	Store HeaderStore

	// AddrBook receives announced addresses and ban decisions.  Optional.
	AddrBook AddrBook

	// ConnManager is told to keep a single connection while headers are
	// behind and TargetOutbound connections once synced.  Optional.
	ConnManager ConnManager

	// TargetOutbound is the number of connections wanted once synced.
	TargetOutbound uint32

	// TargetPeer, when set, is the address of the peer whose Synced state
	// alone decides whether the manager is current.
	TargetPeer string

	// RequiredServices are the services a peer has to advertise to be
	// synced from.  Defaults to wire.SFNodeNetwork.
	RequiredServices wire.ServiceFlag

	// ResponseTimeout is how long a peer has to answer getheaders.
	ResponseTimeout time.Duration

	// RefreshInterval is how long a synced peer can stay quiet before it
	// is asked for new headers again.
	RefreshInterval time.Duration

	// BanThreshold is the ban score at which a peer is banned.
	BanThreshold uint32

	// ProgressTicker paces the progress events.  Defaults to a ticker
	// firing every ten seconds.
	ProgressTicker ticker.Ticker

	// Clock is the time source for progress logging.
	Clock clock.Clock
}
