// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/go-socks/socks"
	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/connmgr"
	"github.com/btcsuite/hdrsync/database"
	"github.com/btcsuite/hdrsync/database/engine"
	"github.com/btcsuite/hdrsync/internal/version"
	"github.com/btcsuite/hdrsync/netsync"
	"github.com/btcsuite/hdrsync/peer"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultDbType is the database type used when none is configured.
	DefaultDbType = "leveldb"

	// DefaultMaxConnTime is how long a connection is kept before it is
	// rotated out.
	DefaultMaxConnTime = 2 * time.Hour

	// defaultConnectTimeout is the timeout of a direct dial.
	defaultConnectTimeout = 30 * time.Second

	// headersDbNamePrefix is the prefix of the header database directory.
	// The database type is appended to it.
	headersDbNamePrefix = "headers"

	userAgentName = "hdrsync"
)

// UserAgentVersion is the version advertised in the user agent.
var UserAgentVersion = version.Core()

// Config holds the configuration of a Server.
type Config struct {
	// ChainParams identifies the network to sync.
	ChainParams *chaincfg.Params

	// DataDir is the directory of the databases of the network.  It is
	// ignored by the memdb database type.
	DataDir string

	// DbType is the database driver, see database.SupportedDrivers.
	// Defaults to DefaultDbType.
	DbType string

	// ConnectPeers are the only peers connected to when set.  DNS seeding
	// and the peer store are not used.
	ConnectPeers []string

	// AddPeers are kept connected in addition to peers from the peer
	// store and DNS seeds.
	AddPeers []string

	// TargetPeer is a peer that has to be synced from before the chain is
	// considered current.
	TargetPeer string

	// MaxPeers is the number of outbound connections kept once the chain
	// is synced.  Defaults to netsync.DefaultTargetOutbound.
	MaxPeers uint32

	// Proxy is the SOCKS5 proxy to connect through.
	Proxy     string
	ProxyUser string
	ProxyPass string

	// Timeouts and intervals of peer connections.  Zero selects the
	// package defaults.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	ResponseTimeout  time.Duration
	MaxConnTime      time.Duration
	RetryDuration    time.Duration

	// BanThreshold is the ban score a peer is banned at.  BanDuration is
	// how long it stays banned.
	BanThreshold uint32
	BanDuration  time.Duration

	// Checkpoints are added to the checkpoints of the network.
	Checkpoints []chaincfg.Checkpoint

	// UserAgentComments are advertised in the user agent.
	UserAgentComments []string

	// Lookup resolves DNS seeds.  Defaults to connmgr.Lookup.
	Lookup connmgr.LookupFunc

	// Clock is the time source.  Defaults to the system clock.
	Clock clock.Clock
}

// Server syncs the headers of a network from its peers.  It ties the address
// book, connection manager and sync manager together.
type Server struct {
	started  int32
	shutdown int32

	cfg         Config
	db          engine.Engine
	chain       *blockchain.HeaderChain
	headers     *database.HeaderStore
	addrBook    *connmgr.AddrBook
	connManager *connmgr.ConnManager
	syncManager *netsync.SyncManager

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

// newestBlock returns the tip advertised in version messages.
func (s *Server) newestBlock() (*chainhash.Hash, int32, error) {
	tip := s.chain.Tip()
	return &tip.Hash, tip.Height, nil
}

// peerConfig returns the configuration of new outbound peers.
func (s *Server) peerConfig() *peer.Config {
	return &peer.Config{
		NewestBlock:       s.newestBlock,
		Proxy:             s.cfg.Proxy,
		ProxyUser:         s.cfg.ProxyUser,
		ProxyPass:         s.cfg.ProxyPass,
		UserAgentName:     userAgentName,
		UserAgentVersion:  UserAgentVersion,
		UserAgentComments: s.cfg.UserAgentComments,
		ChainParams:       s.cfg.ChainParams,
		DisableRelayTx:    true,
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
		PingInterval:      s.cfg.PingInterval,
		PongTimeout:       s.cfg.PongTimeout,
		Clock:             s.cfg.Clock,
	}
}

// dial connects to the address directly or through the configured proxy.
func (s *Server) dial(ctx context.Context, addr net.Addr) (net.Conn, error) {
	if s.cfg.Proxy == "" {
		dialer := net.Dialer{Timeout: defaultConnectTimeout}
		return dialer.DialContext(ctx, "tcp", addr.String())
	}

	proxy := &socks.Proxy{
		Addr:     s.cfg.Proxy,
		Username: s.cfg.ProxyUser,
		Password: s.cfg.ProxyPass,
	}
	return proxy.DialTimeout("tcp", addr.String(), defaultConnectTimeout)
}

// outboundPeerConnected is invoked by the connection manager when a new
// outbound connection is established.  It initializes a new outbound peer
// instance, associates it with the relevant state such as the connection
// request instance and the connection itself, and finally notifies the sync
// manager once the handshake completes.
func (s *Server) outboundPeerConnected(c *connmgr.ConnReq, conn net.Conn) {
	p, err := peer.NewOutboundPeer(s.peerConfig(), c.Addr.String())
	if err != nil {
		log.Debugf("Cannot create outbound peer %s: %v", c.Addr, err)
		s.connManager.Disconnect(c.ID())
		return
	}
	p.AssociateConnection(conn)

	s.wg.Add(1)
	go s.peerDoneHandler(c, p)
}

// peerDoneHandler hands the peer to the sync manager once it has completed the
// handshake and returns the connection to the connection manager once the peer
// is gone.
//
// NOTE: MUST be run as a goroutine.
func (s *Server) peerDoneHandler(c *connmgr.ConnReq, p *peer.Peer) {
	defer s.wg.Done()

	if err := p.WaitForHandshake(s.ctx); err != nil {
		log.Debugf("Handshake with %s failed: %v", p, err)
		p.Disconnect()
	} else {
		s.syncManager.NewPeer(p)
	}

	p.WaitForDisconnect()
	log.Debugf("Peer %s done (%v)", p, p.CloseReason())

	if !c.Permanent {
		s.addrBook.Release(connmgr.AddrKey(c.Addr))
	}
	s.connManager.Disconnect(c.ID())
}

// connectionFailed is invoked by the connection manager when a connection
// attempt fails.
func (s *Server) connectionFailed(c *connmgr.ConnReq, err error) {
	if errors.Is(err, connmgr.ErrNoAddress) {
		log.Tracef("No address to connect to yet")
		return
	}
	log.Debugf("Failed to connect to %v: %v", c, err)
	if c.Addr != nil && !c.Permanent {
		s.addrBook.Release(connmgr.AddrKey(c.Addr))
	}
}

// Start begins connecting to peers and syncing headers.
func (s *Server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.Trace("Starting server")

	s.syncManager.Start()
	s.connManager.Start()

	permanent := s.cfg.ConnectPeers
	if len(permanent) == 0 {
		permanent = s.cfg.AddPeers
	}
	for _, addr := range permanent {
		addr := connmgr.NormalizeAddress(addr, s.cfg.ChainParams.DefaultPort)
		s.addrBook.MarkInUse(addr)
		go s.connManager.Connect(&connmgr.ConnReq{
			Addr:      connmgr.HostAddr(addr),
			Permanent: true,
		})
	}
}

// Stop gracefully shuts down the server by stopping and disconnecting all
// peers and closing the databases.  It returns the fatal error that stopped
// syncing, if any.
func (s *Server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Infof("Server is already in the process of shutting down")
		return nil
	}

	log.Warnf("Server shutting down")

	syncErr := s.syncManager.Stop()
	s.connManager.Stop()
	s.cancel()
	s.connManager.Wait()
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		log.Errorf("Unable to close database: %v", err)
	}
	return syncErr
}

// WaitForShutdown blocks until the peer handlers are stopped.
func (s *Server) WaitForShutdown() {
	s.wg.Wait()
}

// Done returns a channel that is closed once syncing stopped, either because
// Stop was called or a fatal error occurred.
func (s *Server) Done() <-chan struct{} {
	return s.syncManager.Done()
}

// SyncManager returns the sync manager of the server.
func (s *Server) SyncManager() *netsync.SyncManager {
	return s.syncManager
}

// Chain returns the header chain of the server.
func (s *Server) Chain() *blockchain.HeaderChain {
	return s.chain
}

// ConnectedCount returns the number of established connections.
func (s *Server) ConnectedCount() int {
	return s.connManager.ConnectedCount()
}

// headersDbPath returns the path of the header database for the config.
func headersDbPath(cfg *Config) string {
	return filepath.Join(cfg.DataDir, headersDbNamePrefix+"_"+cfg.DbType)
}

// New returns a new server syncing the network of the config.  Persisted
// headers are loaded before it returns.  Use Start to begin syncing.
func New(config *Config) (*Server, error) {
	if config.ChainParams == nil {
		return nil, errors.New("node: chain parameters are required")
	}

	cfg := *config
	if cfg.DbType == "" {
		cfg.DbType = DefaultDbType
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = netsync.DefaultTargetOutbound
	}
	if len(cfg.ConnectPeers) > 0 {
		cfg.MaxPeers = uint32(len(cfg.ConnectPeers))
	}
	if cfg.MaxConnTime == 0 {
		cfg.MaxConnTime = DefaultMaxConnTime
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	db, err := database.Open(cfg.DbType, headersDbPath(&cfg))
	if err != nil {
		return nil, err
	}

	s, err := newServer(&cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newServer creates the components of the server on top of the database.
func newServer(cfg *Config, db engine.Engine) (*Server, error) {
	headers, err := database.NewHeaderStore(db, cfg.ChainParams.Net)
	if err != nil {
		return nil, err
	}

	chain, err := blockchain.New(&blockchain.Config{
		ChainParams: cfg.ChainParams,
		Checkpoints: cfg.Checkpoints,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := Server{
		cfg:     *cfg,
		db:      db,
		chain:   chain,
		headers: headers,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.addrBook = connmgr.NewAddrBook(&connmgr.AddrBookConfig{
		ChainParams:      cfg.ChainParams,
		Store:            database.NewPeerStore(db),
		Lookup:           cfg.Lookup,
		DisableSeeding:   len(cfg.ConnectPeers) > 0,
		RequiredServices: wire.SFNodeNetwork,
		BanDuration:      cfg.BanDuration,
		Clock:            cfg.Clock,
	})

	// Only the configured peers are used in connect mode.
	var newAddressFunc func() (net.Addr, error)
	if len(cfg.ConnectPeers) == 0 {
		newAddressFunc = s.addrBook.GetNewAddress
	}

	// Header download starts from a single peer.  The sync manager raises
	// the target once the chain is current.
	cmgr, err := connmgr.New(&connmgr.Config{
		TargetOutbound:     1,
		RetryDuration:      cfg.RetryDuration,
		MaxConnTime:        cfg.MaxConnTime,
		Clock:              cfg.Clock,
		OnConnection:       s.outboundPeerConnected,
		OnConnectionFailed: s.connectionFailed,
		GetNewAddress:      newAddressFunc,
		Dial:               s.dial,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.connManager = cmgr

	s.syncManager, err = netsync.New(&netsync.Config{
		Chain:           chain,
		ChainParams:     cfg.ChainParams,
		Store:           headers,
		AddrBook:        s.addrBook,
		ConnManager:     cmgr,
		TargetOutbound:  cfg.MaxPeers,
		TargetPeer:      normalizeTarget(cfg),
		ResponseTimeout: cfg.ResponseTimeout,
		BanThreshold:    cfg.BanThreshold,
		Clock:           cfg.Clock,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("unable to load headers: %w", err)
	}

	return &s, nil
}

// normalizeTarget returns the target peer with the default port of the
// network added, or an empty string when there is none.
func normalizeTarget(cfg *Config) string {
	if cfg.TargetPeer == "" {
		return ""
	}
	return connmgr.NormalizeAddress(cfg.TargetPeer, cfg.ChainParams.DefaultPort)
}
