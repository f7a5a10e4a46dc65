// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/go-socks/socks"
	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// MaxProtocolVersion is the max protocol version the peer supports.
	MaxProtocolVersion = wire.ProtocolVersion

	// MinAcceptableProtocolVersion is the lowest protocol version a
	// connected peer may support.
	MinAcceptableProtocolVersion = wire.BIP0037Version

	// DefaultHandshakeTimeout is the default time allowed for the whole
	// version handshake.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultPingInterval is the default interval of time to wait in
	// between sending ping messages.
	DefaultPingInterval = 2 * time.Minute

	// DefaultPongTimeout is the default time a ping may go unanswered
	// before the peer is considered unresponsive.
	DefaultPongTimeout = 30 * time.Second

	// DefaultMaxIgnoredHandshakeMessages is the default number of
	// unexpected messages tolerated while the handshake is in progress.
	DefaultMaxIgnoredHandshakeMessages = 5

	// outputBufferSize is the number of elements the output channels use.
	outputBufferSize = 50

	// inputBufferSize is the number of received messages buffered ahead
	// of the unbounded overflow of the inbound queue.
	inputBufferSize = 50

	// maxSentNonces is the number of version nonces remembered to detect
	// self connections.
	maxSentNonces = 50
)

var (
	// nodeCount is the total number of peer connections made since startup
	// and is used to assign an id to a peer.
	nodeCount int32

	// zeroHash is the zero value hash (all zeros).  It is defined as a
	// convenience.
	zeroHash chainhash.Hash

	// sentNonces houses the unique nonces that are generated when pushing
	// version messages that are used to detect self connections.
	sentNonces = lru.NewCache(maxSentNonces)

	// allowSelfConns is only used to allow the tests to bypass the self
	// connection detecting and disconnect logic since they intentionally
	// do so for testing purposes.
	allowSelfConns bool
)

// MessageListeners defines callback function pointers to invoke with message
// listeners for a peer.  Any listener which is not set to a concrete callback
// during peer initialization is ignored.
//
// NOTE: The listeners run on the peer's own goroutines and must not block on
// the peer, e.g. via WaitForDisconnect, or the peer will deadlock.
type MessageListeners struct {
	// OnVersion is invoked when a peer receives a version bitcoin message.
	OnVersion func(p *Peer, msg *wire.MsgVersion)

	// OnVerAck is invoked when a peer receives a verack bitcoin message.
	OnVerAck func(p *Peer, msg *wire.MsgVerAck)

	// OnStateChange is invoked every time the peer moves to a new state.
	OnStateChange func(p *Peer, from, to State)

	// OnRead is invoked when a peer receives a bitcoin message.  It
	// consists of the number of bytes read, the message, and whether or not
	// an error in the read occurred.
	OnRead func(p *Peer, bytesRead int, msg wire.Message, err error)

	// OnWrite is invoked when a peer sends a bitcoin message.  It consists
	// of the number of bytes written, the message, and whether or not an
	// error in the write occurred.
	OnWrite func(p *Peer, bytesWritten int, msg wire.Message, err error)
}

// HashFunc is a function which returns a block hash, height and error.
// It is used as a callback to get newest block details.
type HashFunc func() (hash *chainhash.Hash, height int32, err error)

// DialFunc connects to the passed address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config is the struct to hold configuration options useful to Peer.
type Config struct {
	// NewestBlock specifies a callback which provides the newest block
	// details to the peer as needed.  This can be nil in which case the
	// peer will report a block height of 0.
	NewestBlock HashFunc

	// Dial connects to the peer address.  When it is nil the address is
	// dialed directly, or through Proxy when one is set.
	Dial DialFunc

	// Proxy is the address of a SOCKS5 proxy to dial through.  It also
	// keeps the proxy address out of the advertised version message.
	Proxy string

	// ProxyUser and ProxyPass authenticate with Proxy.
	ProxyUser string
	ProxyPass string

	// UserAgentName specifies the user agent name to advertise.  It is
	// highly recommended to specify this value.
	UserAgentName string

	// UserAgentVersion specifies the user agent version to advertise.  It
	// is highly recommended to specify this value and that it follows the
	// form "major.minor.revision" e.g. "2.6.41".
	UserAgentVersion string

	// UserAgentComments specify the user agent comments to advertise.
	UserAgentComments []string

	// ChainParams identifies which chain parameters the peer is associated
	// with.  It is highly recommended to specify this field, however it can
	// be omitted in which case the test network will be used.
	ChainParams *chaincfg.Params

	// Services specifies which services to advertise as supported by the
	// local peer.
	Services wire.ServiceFlag

	// ProtocolVersion specifies the maximum protocol version to use and
	// advertise.  This field can be omitted in which case
	// peer.MaxProtocolVersion will be used.
	ProtocolVersion uint32

	// DisableRelayTx specifies if the remote peer should be informed to
	// not send inv messages for transactions.
	DisableRelayTx bool

	// HandshakeTimeout bounds the whole version handshake.  Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// PingInterval is the time between pings.  Zero means
	// DefaultPingInterval.
	PingInterval time.Duration

	// PongTimeout is how long a ping may go unanswered.  Zero means
	// DefaultPongTimeout.
	PongTimeout time.Duration

	// MaxIgnoredHandshakeMessages is the number of unexpected messages
	// tolerated during the handshake.  Zero means
	// DefaultMaxIgnoredHandshakeMessages.
	MaxIgnoredHandshakeMessages int

	// PingTicker overrides the ticker that paces pings.  When nil a ticker
	// firing every PingInterval is used.
	PingTicker ticker.Ticker

	// Clock is the time source for timestamps and timeouts.  When nil the
	// system clock is used.
	Clock clock.Clock

	// Listeners houses callback functions to be invoked on receiving peer
	// messages.
	Listeners MessageListeners
}

// newNetAddress attempts to extract the IP address and port from the passed
// net.Addr interface and create a bitcoin NetAddress structure using that
// information.
func newNetAddress(addr net.Addr, services wire.ServiceFlag) (*wire.NetAddress, error) {
	// addr will be a net.TCPAddr when not using a proxy.
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		ip := tcpAddr.IP
		port := uint16(tcpAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// addr will be a socks.ProxiedAddr when using a proxy.
	if proxiedAddr, ok := addr.(*socks.ProxiedAddr); ok {
		ip := net.ParseIP(proxiedAddr.Host)
		if ip == nil {
			ip = net.ParseIP("0.0.0.0")
		}
		port := uint16(proxiedAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// For the most part, addr should be one of the two above cases, but
	// to be safe, fall back to trying to parse the information from the
	// address string as a last resort.
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	na := wire.NewNetAddressIPPort(ip, uint16(port), services)
	return na, nil
}

// outMsg is used to house a message to be sent along with a channel to signal
// when the message has been sent (or won't be sent due to things such as
// shutdown)
type outMsg struct {
	msg      wire.Message
	doneChan chan<- struct{}
}

// StatsSnap is a snapshot of peer stats at a point in time.
type StatsSnap struct {
	ID             int32
	Addr           string
	State          State
	Services       wire.ServiceFlag
	LastSend       time.Time
	LastRecv       time.Time
	BytesSent      uint64
	BytesRecv      uint64
	ConnTime       time.Time
	TimeOffset     int64
	Version        uint32
	UserAgent      string
	StartingHeight int32
	LastBlock      int32
	LastPingNonce  uint64
	LastPingTime   time.Time
	LastPingMicros int64
}

// NOTE: The overall data flow of a peer is split into 4 goroutines once the
// handshake completes.  Inbound messages are read via the inHandler goroutine
// and, apart from pings and pongs which are answered in place, handed to the
// inbound queue drained by Receive.  The data flow for outbound messages is
// split into 2 goroutines, queueHandler and outHandler.  The first,
// queueHandler, is used as a way for external entities to queue messages, by
// way of the QueueMessage function, quickly regardless of whether the peer is
// currently sending or not.  It acts as the traffic cop between the external
// world and the actual goroutine which writes to the network socket.  The
// pingHandler paces pings and watches for the matching pongs.

// Peer provides a basic concurrent safe bitcoin peer for handling bitcoin
// communications via the peer-to-peer protocol.  It provides full duplex
// reading and writing, automatic handling of the initial handshake process,
// liveness checks with ping and pong, querying of usage statistics and other
// information about the remote peer such as its address, user agent, and
// protocol version, output message queueing and an unbounded inbound message
// sequence.
//
// A Peer is single use.  Once it is closed a new one has to be created to
// reconnect.
type Peer struct {
	// The following variables must only be used atomically.
	bytesReceived uint64
	bytesSent     uint64
	lastRecv      int64
	lastSend      int64
	state         int32

	conn net.Conn

	// These fields are set at creation time and never modified, so they are
	// safe to read from concurrently without a mutex.
	addr string
	cfg  Config
	id   int32
	na   *wire.NetAddress

	flagsMtx        sync.Mutex // protects the peer flags below
	userAgent       string
	services        wire.ServiceFlag
	versionKnown    bool
	protocolVersion uint32
	closeReason     CloseReason
	closeErr        error

	prevGetHdrsMtx   sync.Mutex
	prevGetHdrsBegin *chainhash.Hash
	prevGetHdrsStop  *chainhash.Hash

	// These fields keep track of statistics for the peer and are protected
	// by the statsMtx mutex.
	statsMtx       sync.RWMutex
	timeOffset     int64
	timeConnected  time.Time
	startingHeight int32
	lastBlock      int32
	lastPingNonce  uint64    // Set to nonce if we have a pending ping.
	lastPingTime   time.Time // Time we sent last ping.
	lastPingMicros int64     // Time for last ping to return.

	inQueue       *queue.ConcurrentQueue
	outputQueue   chan outMsg
	sendQueue     chan outMsg
	sendDoneQueue chan struct{}
	pongReceived  chan struct{}
	ready         chan struct{}
	quit          chan struct{}
	closeOnce     sync.Once
	associated    int32
	wg            sync.WaitGroup
}

// String returns the peer's address as a human-readable string.
//
// This function is safe for concurrent access.
func (p *Peer) String() string {
	return p.addr
}

// State returns the current state of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) State() State {
	return State(atomic.LoadInt32(&p.state))
}

// setState moves the peer to the passed state and notifies the state change
// listener.  Moving back from or out of StateClosed is ignored.
func (p *Peer) setState(to State) {
	for {
		from := State(atomic.LoadInt32(&p.state))
		if from == StateClosed || from >= to {
			return
		}
		if atomic.CompareAndSwapInt32(&p.state, int32(from), int32(to)) {
			log.Tracef("Peer %s moved from %v to %v", p, from, to)
			if p.cfg.Listeners.OnStateChange != nil {
				p.cfg.Listeners.OnStateChange(p, from, to)
			}
			return
		}
	}
}

// CloseReason returns why the peer was closed, or ReasonNone while it is
// still open.
//
// This function is safe for concurrent access.
func (p *Peer) CloseReason() CloseReason {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.closeReason
}

// CloseErr returns the error that closed the peer, if any.
//
// This function is safe for concurrent access.
func (p *Peer) CloseErr() error {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.closeErr
}

// StatsSnapshot returns a snapshot of the current peer flags and statistics.
//
// This function is safe for concurrent access.
func (p *Peer) StatsSnapshot() *StatsSnap {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	p.flagsMtx.Lock()
	id := p.id
	addr := p.addr
	userAgent := p.userAgent
	services := p.services
	protocolVersion := p.protocolVersion
	p.flagsMtx.Unlock()

	// Get a copy of all relevant flags and stats.
	return &StatsSnap{
		ID:             id,
		Addr:           addr,
		State:          p.State(),
		UserAgent:      userAgent,
		Services:       services,
		LastSend:       p.LastSend(),
		LastRecv:       p.LastRecv(),
		BytesSent:      p.BytesSent(),
		BytesRecv:      p.BytesReceived(),
		ConnTime:       p.timeConnected,
		TimeOffset:     p.timeOffset,
		Version:        protocolVersion,
		StartingHeight: p.startingHeight,
		LastBlock:      p.lastBlock,
		LastPingNonce:  p.lastPingNonce,
		LastPingMicros: p.lastPingMicros,
		LastPingTime:   p.lastPingTime,
	}
}

// ID returns the peer id.
//
// This function is safe for concurrent access.
func (p *Peer) ID() int32 {
	return p.id
}

// NA returns the peer network address.
//
// This function is safe for concurrent access.
func (p *Peer) NA() *wire.NetAddress {
	return p.na
}

// Addr returns the peer address.
//
// This function is safe for concurrent access.
func (p *Peer) Addr() string {
	// The address doesn't change after initialization, therefore it is not
	// protected by a mutex.
	return p.addr
}

// Services returns the services flag of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) Services() wire.ServiceFlag {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.services
}

// UserAgent returns the user agent of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) UserAgent() string {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.userAgent
}

// LastPingMicros returns the last ping micros of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastPingMicros() int64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastPingMicros
}

// VersionKnown returns the whether or not the version of a peer is known
// locally.
//
// This function is safe for concurrent access.
func (p *Peer) VersionKnown() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.versionKnown
}

// ProtocolVersion returns the negotiated peer protocol version.
//
// This function is safe for concurrent access.
func (p *Peer) ProtocolVersion() uint32 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.protocolVersion
}

// LastBlock returns the last block height known for the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastBlock() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastBlock
}

// UpdateLastBlockHeight updates the last known block height for the peer.
// Heights lower than the one already known are ignored.
//
// This function is safe for concurrent access.
func (p *Peer) UpdateLastBlockHeight(newHeight int32) {
	p.statsMtx.Lock()
	defer p.statsMtx.Unlock()

	if newHeight <= p.lastBlock {
		return
	}
	log.Tracef("Updating last block height of peer %v from %v to %v",
		p.addr, p.lastBlock, newHeight)
	p.lastBlock = newHeight
}

// LastSend returns the last send time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastSend() time.Time {
	return time.Unix(atomic.LoadInt64(&p.lastSend), 0)
}

// LastRecv returns the last recv time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastRecv() time.Time {
	return time.Unix(atomic.LoadInt64(&p.lastRecv), 0)
}

// BytesSent returns the total number of bytes sent by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesSent() uint64 {
	return atomic.LoadUint64(&p.bytesSent)
}

// BytesReceived returns the total number of bytes received by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesReceived() uint64 {
	return atomic.LoadUint64(&p.bytesReceived)
}

// TimeConnected returns the time at which the peer connected.
//
// This function is safe for concurrent access.
func (p *Peer) TimeConnected() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.timeConnected
}

// TimeOffset returns the number of seconds the local time was offset from the
// time the peer reported during the initial negotiation phase.  Negative values
// indicate the remote peer's time is before the local time.
//
// This function is safe for concurrent access.
func (p *Peer) TimeOffset() int64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.timeOffset
}

// StartingHeight returns the last known height the peer reported during the
// initial negotiation phase.
//
// This function is safe for concurrent access.
func (p *Peer) StartingHeight() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.startingHeight
}

// localVersionMsg creates a version message that can be used to send to the
// remote peer.
func (p *Peer) localVersionMsg() (*wire.MsgVersion, error) {
	var blockNum int32
	if p.cfg.NewestBlock != nil {
		var err error
		_, blockNum, err = p.cfg.NewestBlock()
		if err != nil {
			return nil, err
		}
	}

	theirNA := p.na

	// If we are behind a proxy and the connection comes from the proxy then
	// we return an unroutable address as their address. This is to prevent
	// leaking the tor proxy address.
	if p.cfg.Proxy != "" {
		proxyAddress, _, err := net.SplitHostPort(p.cfg.Proxy)
		// Invalid proxy means poorly configured, be on the safe side.
		if err != nil || p.na.IP.String() == proxyAddress {
			theirNA = wire.NewNetAddressIPPort(net.IP([]byte{0, 0, 0, 0}),
				0, 0)
		}
	}

	// A client never accepts connections, so it advertises an unroutable
	// address for itself.
	ourNA := wire.NewNetAddressIPPort(net.IP([]byte{0, 0, 0, 0}), 0,
		p.cfg.Services)

	// Generate a unique nonce for this peer so self connections can be
	// detected.  This is accomplished by adding it to a size-limited map of
	// recently seen nonces.
	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}
	sentNonces.Add(nonce)

	// Version message.
	msg := wire.NewMsgVersion(ourNA, theirNA, nonce, blockNum)
	msg.Timestamp = time.Unix(p.cfg.Clock.Now().Unix(), 0)
	if p.cfg.UserAgentName != "" {
		err := msg.AddUserAgent(p.cfg.UserAgentName,
			p.cfg.UserAgentVersion, p.cfg.UserAgentComments...)
		if err != nil {
			return nil, err
		}
	}

	// Advertise the services flag
	msg.Services = p.cfg.Services

	// Advertise our max supported protocol version.
	msg.ProtocolVersion = int32(p.cfg.ProtocolVersion)

	// Advertise if inv messages for transactions are desired.
	msg.DisableRelayTx = p.cfg.DisableRelayTx

	return msg, nil
}

// PushGetHeadersMsg sends a getheaders message for the provided block locator
// and stop hash.  It will ignore back-to-back duplicate requests until a
// headers message is received.
//
// This function is safe for concurrent access.
func (p *Peer) PushGetHeadersMsg(locator blockchain.BlockLocator, stopHash *chainhash.Hash) error {
	if stopHash == nil {
		stopHash = &zeroHash
	}

	// Extract the begin hash from the block locator, if one was specified,
	// to use for filtering duplicate getheaders requests.
	var beginHash *chainhash.Hash
	if len(locator) > 0 {
		beginHash = locator[0]
	}

	// Filter duplicate getheaders requests.
	p.prevGetHdrsMtx.Lock()
	isDuplicate := p.prevGetHdrsStop != nil && p.prevGetHdrsBegin != nil &&
		beginHash != nil && stopHash.IsEqual(p.prevGetHdrsStop) &&
		beginHash.IsEqual(p.prevGetHdrsBegin)
	p.prevGetHdrsMtx.Unlock()

	if isDuplicate {
		log.Tracef("Filtering duplicate [getheaders] with begin hash %v",
			beginHash)
		return nil
	}

	// Construct the getheaders request and queue it to be sent.
	msg := wire.NewMsgGetHeaders()
	msg.HashStop = *stopHash
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}
	p.QueueMessage(msg, nil)

	// Update the previous getheaders request information for filtering
	// duplicates.
	p.prevGetHdrsMtx.Lock()
	p.prevGetHdrsBegin = beginHash
	p.prevGetHdrsStop = stopHash
	p.prevGetHdrsMtx.Unlock()
	return nil
}

// PushRejectMsg sends a reject message for the provided command, reject code,
// and reject reason.  The wait parameter will cause the function to block
// until the reject message has actually been sent.
//
// This function is safe for concurrent access.
func (p *Peer) PushRejectMsg(command string, code wire.RejectCode, reason string, wait bool) {
	// Don't bother sending the reject message if the protocol version
	// is too low.
	if p.VersionKnown() && p.ProtocolVersion() < wire.RejectVersion {
		return
	}

	msg := wire.NewMsgReject(command, code, reason)

	// Send the message without waiting if the caller has not requested it.
	if !wait {
		p.QueueMessage(msg, nil)
		return
	}

	// Send the message and block until it has been sent before returning.
	doneChan := make(chan struct{}, 1)
	p.QueueMessage(msg, doneChan)
	<-doneChan
}

// handleRemoteVersionMsg is invoked when a version bitcoin message is received
// from the remote peer.  It will return an error if the remote peer's version
// is not compatible with ours.
func (p *Peer) handleRemoteVersionMsg(msg *wire.MsgVersion) error {
	// Detect self connections.
	if !allowSelfConns && sentNonces.Contains(msg.Nonce) {
		return protocolError("disconnecting peer connected to self")
	}

	// Notify and disconnect clients that have a protocol version that is
	// too old.
	if uint32(msg.ProtocolVersion) < MinAcceptableProtocolVersion {
		reason := fmt.Sprintf("protocol version must be %d or greater",
			MinAcceptableProtocolVersion)
		rejectMsg := wire.NewMsgReject(msg.Command(), wire.RejectObsolete,
			reason)
		_ = p.writeMessage(rejectMsg)
		return protocolError("%s", reason)
	}

	// Updating a bunch of stats including block based stats, and the
	// peer's time offset.
	p.statsMtx.Lock()
	p.lastBlock = msg.LastBlock
	p.startingHeight = msg.LastBlock
	p.timeOffset = msg.Timestamp.Unix() - p.cfg.Clock.Now().Unix()
	p.statsMtx.Unlock()

	// Negotiate the protocol version and set the services to what the
	// remote peer advertised.
	p.flagsMtx.Lock()
	if uint32(msg.ProtocolVersion) < p.protocolVersion {
		p.protocolVersion = uint32(msg.ProtocolVersion)
	}
	p.versionKnown = true
	p.services = msg.Services
	p.userAgent = msg.UserAgent
	p.flagsMtx.Unlock()

	log.Debugf("Negotiated protocol version %d for peer %s (agent %s, "+
		"services %v, height %d)", p.ProtocolVersion(), p, msg.UserAgent,
		msg.Services, msg.LastBlock)

	return nil
}

// handlePingMsg is invoked when a peer receives a ping bitcoin message.  It
// replies with a pong message carrying the same nonce.
func (p *Peer) handlePingMsg(msg *wire.MsgPing) {
	// Only reply with pong if the message is from a new enough client.
	if p.ProtocolVersion() > wire.BIP0031Version {
		// Include nonce from ping so pong can be identified.
		p.QueueMessage(wire.NewMsgPong(msg.Nonce), nil)
	}
}

// handlePongMsg is invoked when a peer receives a pong bitcoin message.  It
// updates the ping statistics and clears the pending pong deadline when the
// nonce matches the last ping sent.  Other pongs are ignored.
func (p *Peer) handlePongMsg(msg *wire.MsgPong) {
	p.statsMtx.Lock()
	matched := p.lastPingNonce != 0 && msg.Nonce == p.lastPingNonce
	if matched {
		p.lastPingMicros = p.cfg.Clock.Now().Sub(p.lastPingTime).Nanoseconds()
		p.lastPingMicros /= 1000 // convert to usec.
		p.lastPingNonce = 0
	}
	p.statsMtx.Unlock()

	if !matched {
		return
	}
	select {
	case p.pongReceived <- struct{}{}:
	default:
	}
}

// readMessage reads the next bitcoin message from the peer with logging.
func (p *Peer) readMessage() (wire.Message, []byte, error) {
	n, msg, buf, err := wire.ReadMessageN(p.conn, p.ProtocolVersion(),
		p.cfg.ChainParams.Net)
	atomic.AddUint64(&p.bytesReceived, uint64(n))
	if p.cfg.Listeners.OnRead != nil {
		p.cfg.Listeners.OnRead(p, n, msg, err)
	}
	if err != nil {
		return nil, nil, err
	}

	// Use closures to log expensive operations so they are only run when
	// the logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Received %v%s from %s",
			msg.Command(), summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(buf)
	}))

	return msg, buf, nil
}

// readKnownMessage reads messages until one this package can decode arrives.
// Messages with commands it does not know are skipped.
func (p *Peer) readKnownMessage() (wire.Message, error) {
	for {
		msg, _, err := p.readMessage()
		if errors.Is(err, wire.ErrUnknownMessage) {
			log.Tracef("Skipping unknown message from %s", p)
			continue
		}
		return msg, err
	}
}

// writeMessage sends a bitcoin message to the peer with logging.
func (p *Peer) writeMessage(msg wire.Message) error {
	// Use closures to log expensive operations so they are only run when the
	// logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Sending %v%s to %s", msg.Command(),
			summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		var buf bytes.Buffer
		err := wire.WriteMessage(&buf, msg, p.ProtocolVersion(),
			p.cfg.ChainParams.Net)
		if err != nil {
			return err.Error()
		}
		return spew.Sdump(buf.Bytes())
	}))

	// Write the message to the peer.
	n, err := wire.WriteMessageN(p.conn, msg, p.ProtocolVersion(),
		p.cfg.ChainParams.Net)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	if p.cfg.Listeners.OnWrite != nil {
		p.cfg.Listeners.OnWrite(p, n, msg, err)
	}
	return err
}

// isRemoteDisconnect returns whether the passed error, which is expected to
// have come from reading from or writing to the remote peer, just reports
// that the connection went away.
func isRemoteDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// closeReasonFor maps an error that ended the connection to a close reason.
func closeReasonFor(err error) CloseReason {
	var (
		protoErr *ProtocolError
		msgErr   *wire.MessageError
	)
	switch {
	case errors.As(err, &protoErr), errors.As(err, &msgErr):
		return ReasonProtocolViolation
	default:
		return ReasonTransportError
	}
}

// inHandler handles all incoming messages for the peer.  It must be run as a
// goroutine.
func (p *Peer) inHandler() {
	defer p.wg.Done()

	for {
		rmsg, err := p.readKnownMessage()
		if err != nil {
			// Only log the error and send reject message if the
			// local peer is not forcibly disconnecting and the
			// remote peer has not disconnected.
			if p.Connected() && !isRemoteDisconnect(err) {
				errStr := fmt.Sprintf("Can't read message from %s: %v",
					p, err)
				log.Errorf(errStr)

				// Push a reject message for the malformed message and
				// wait for the message to be sent before
				// disconnecting.
				var msgErr *wire.MessageError
				if errors.As(err, &msgErr) {
					p.PushRejectMsg("malformed",
						wire.RejectMalformed, errStr, true)
				}
			}
			p.closeWith(closeReasonFor(err), err)
			return
		}
		atomic.StoreInt64(&p.lastRecv, p.cfg.Clock.Now().Unix())

		// Handle each supported message type.
		switch msg := rmsg.(type) {
		case *wire.MsgVersion:
			// Limit to one version message per peer.
			p.PushRejectMsg(msg.Command(), wire.RejectDuplicate,
				"duplicate version message", true)
			p.closeWith(ReasonProtocolViolation,
				protocolError("duplicate version message"))
			return

		case *wire.MsgVerAck:
			p.closeWith(ReasonProtocolViolation,
				protocolError("duplicate verack message"))
			return

		case *wire.MsgPing:
			p.handlePingMsg(msg)

		case *wire.MsgPong:
			p.handlePongMsg(msg)

		case *wire.MsgHeaders:
			// The outstanding getheaders was answered, so the same
			// request may be sent again.
			p.prevGetHdrsMtx.Lock()
			p.prevGetHdrsBegin = nil
			p.prevGetHdrsStop = nil
			p.prevGetHdrsMtx.Unlock()

			select {
			case p.inQueue.ChanIn() <- rmsg:
			case <-p.quit:
				return
			}

		default:
			select {
			case p.inQueue.ChanIn() <- rmsg:
			case <-p.quit:
				return
			}
		}
	}
}

// queueHandler handles the queuing of outgoing data for the peer.  This runs as
// a muxer for various sources of input so we can ensure that server and peer
// handlers will not block on us sending a message.  That data is then passed
// on to outHandler to be actually written.
func (p *Peer) queueHandler() {
	defer p.wg.Done()

	pendingMsgs := list.New()

	// We keep the waiting flag so that we know if we have a message queued
	// to the outHandler or not.  We could use the presence of a head of
	// the list for this but then we have rather racy concerns about whether
	// it has gotten it at cleanup time - and thus who sends on the
	// message's done channel.  To avoid such confusion we keep a different
	// flag and pendingMsgs only contains messages that we have not yet
	// passed to outHandler.
	waiting := false

	// To avoid duplication below.
	queuePacket := func(msg outMsg, list *list.List, waiting bool) bool {
		if !waiting {
			p.sendQueue <- msg
		} else {
			list.PushBack(msg)
		}
		// we are always waiting now.
		return true
	}
out:
	for {
		select {
		case msg := <-p.outputQueue:
			waiting = queuePacket(msg, pendingMsgs, waiting)

		// This channel is notified when a message has been sent across
		// the network socket.
		case <-p.sendDoneQueue:
			// No longer waiting if there are no more messages
			// in the pending messages queue.
			next := pendingMsgs.Front()
			if next == nil {
				waiting = false
				continue
			}

			// Notify the outHandler about the next item to
			// asynchronously send.
			val := pendingMsgs.Remove(next)
			p.sendQueue <- val.(outMsg)

		case <-p.quit:
			break out
		}
	}

	// Drain any wait channels before we go away so we don't leave something
	// waiting for us.
	for e := pendingMsgs.Front(); e != nil; e = pendingMsgs.Front() {
		val := pendingMsgs.Remove(e)
		msg := val.(outMsg)
		if msg.doneChan != nil {
			msg.doneChan <- struct{}{}
		}
	}
cleanup:
	for {
		select {
		case msg := <-p.outputQueue:
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
		default:
			break cleanup
		}
	}
	log.Tracef("Peer queue handler done for %s", p)
}

// outHandler handles all outgoing messages for the peer.  It must be run as a
// goroutine.  It uses a buffered channel to serialize output messages while
// allowing the sender to continue running asynchronously.
func (p *Peer) outHandler() {
	defer p.wg.Done()

out:
	for {
		select {
		case msg := <-p.sendQueue:
			err := p.writeMessage(msg.msg)
			if err != nil {
				if p.Connected() && !isRemoteDisconnect(err) {
					log.Errorf("Failed to send message to "+
						"%s: %v", p, err)
				}
				p.closeWith(ReasonTransportError, err)
				if msg.doneChan != nil {
					msg.doneChan <- struct{}{}
				}
				break out
			}
			atomic.StoreInt64(&p.lastSend, p.cfg.Clock.Now().Unix())

			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
			select {
			case p.sendDoneQueue <- struct{}{}:
			case <-p.quit:
				break out
			}

		case <-p.quit:
			break out
		}
	}

	// Drain any wait channels before going away so there is nothing left
	// waiting on this goroutine.
cleanup:
	for {
		select {
		case msg := <-p.sendQueue:
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
		default:
			break cleanup
		}
	}
	log.Tracef("Peer output handler done for %s", p)
}

// pingHandler periodically pings the peer and closes it when a ping goes
// unanswered for longer than the pong timeout.  It must be run as a
// goroutine.
func (p *Peer) pingHandler() {
	defer p.wg.Done()

	pingTicker := p.cfg.PingTicker
	if pingTicker == nil {
		pingTicker = ticker.New(p.cfg.PingInterval)
	}
	pingTicker.Resume()
	defer pingTicker.Stop()

	var pongDeadline <-chan time.Time
	for {
		select {
		case <-pingTicker.Ticks():
			// Only one ping is outstanding at a time.
			if pongDeadline != nil {
				continue
			}

			nonce, err := wire.RandomUint64()
			if err != nil {
				log.Errorf("Not sending ping to %s: %v", p, err)
				continue
			}

			p.statsMtx.Lock()
			p.lastPingNonce = nonce
			p.lastPingTime = p.cfg.Clock.Now()
			p.statsMtx.Unlock()

			p.QueueMessage(wire.NewMsgPing(nonce), nil)
			pongDeadline = p.cfg.Clock.TickAfter(p.cfg.PongTimeout)

		case <-p.pongReceived:
			pongDeadline = nil

		case <-pongDeadline:
			log.Warnf("Peer %s did not answer ping within %v -- "+
				"disconnecting", p, p.cfg.PongTimeout)
			p.closeWith(ReasonUnresponsive, ErrUnresponsive)
			return

		case <-p.quit:
			return
		}
	}
}

// QueueMessage adds the passed bitcoin message to the peer send queue.
//
// This function is safe for concurrent access.
func (p *Peer) QueueMessage(msg wire.Message, doneChan chan<- struct{}) {
	// Avoid risk of deadlock if goroutine already exited.  The goroutine
	// we will be sending to hangs around until it knows for a fact that
	// it is marked as disconnected and *then* it drains the channels.
	if !p.Connected() {
		if doneChan != nil {
			go func() {
				doneChan <- struct{}{}
			}()
		}
		return
	}
	select {
	case p.outputQueue <- outMsg{msg: msg, doneChan: doneChan}:
	case <-p.quit:
		if doneChan != nil {
			go func() {
				doneChan <- struct{}{}
			}()
		}
	}
}

// SendMessage queues the passed message and blocks until it was written to
// the connection.  ErrPeerClosed is returned when the peer closes first.
//
// This function is safe for concurrent access.
func (p *Peer) SendMessage(ctx context.Context, msg wire.Message) error {
	done := make(chan struct{}, 1)
	p.QueueMessage(msg, done)

	select {
	case <-done:
		if p.State() == StateClosed {
			return ErrPeerClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message received from the remote peer once the
// handshake is complete.  Pings and pongs are handled internally and never
// returned.  It blocks until a message arrives, the peer is closed, in which
// case ErrPeerClosed is returned, or the context is done.
//
// This function is safe for concurrent access.
func (p *Peer) Receive(ctx context.Context) (wire.Message, error) {
	// Buffered messages are not delivered once the peer is closed.
	select {
	case <-p.quit:
		return nil, ErrPeerClosed
	default:
	}

	select {
	case item, ok := <-p.inQueue.ChanOut():
		if !ok || !p.Connected() {
			return nil, ErrPeerClosed
		}
		return item.(wire.Message), nil
	case <-p.quit:
		return nil, ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected returns whether or not the peer is currently connected.
//
// This function is safe for concurrent access.
func (p *Peer) Connected() bool {
	select {
	case <-p.quit:
		return false
	default:
		return true
	}
}

// Done returns a channel that is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.quit
}

// closeWith closes the peer for the passed reason.  Only the first call has any
// effect.
func (p *Peer) closeWith(reason CloseReason, err error) {
	p.closeOnce.Do(func() {
		p.flagsMtx.Lock()
		p.closeReason = reason
		p.closeErr = err
		p.flagsMtx.Unlock()

		from := State(atomic.SwapInt32(&p.state, int32(StateClosed)))
		close(p.quit)
		if p.conn != nil {
			p.conn.Close()
		}
		p.inQueue.Stop()

		if err != nil {
			log.Debugf("Closed peer %s (%v): %v", p, reason, err)
		} else {
			log.Debugf("Closed peer %s (%v)", p, reason)
		}
		if p.cfg.Listeners.OnStateChange != nil && from != StateClosed {
			p.cfg.Listeners.OnStateChange(p, from, StateClosed)
		}
	})
}

// Disconnect disconnects the peer by closing the connection.  Calling this
// function when the peer is already disconnected or in the process of
// disconnecting will have no effect.
func (p *Peer) Disconnect() {
	p.closeWith(ReasonShutdown, nil)
}

// WaitForDisconnect waits until the peer has completely disconnected and all
// resources are cleaned up.  This will happen if either the local or remote
// side has been disconnected or the peer is forcibly disconnected via
// Disconnect.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
	p.wg.Wait()
}

// negotiateOutboundProtocol sends our version message then waits for the
// remote version and verack messages.  Unexpected messages are tolerated up
// to the configured limit.  Pings are answered.
func (p *Peer) negotiateOutboundProtocol() error {
	verMsg, err := p.localVersionMsg()
	if err != nil {
		return err
	}
	if err := p.writeMessage(verMsg); err != nil {
		return err
	}
	p.setState(StateVersionSent)

	// Pings are answered and do not count as out of sequence.
	ignored := 0
	ignore := func(msg wire.Message) error {
		if ping, ok := msg.(*wire.MsgPing); ok {
			log.Debugf("Answering ping from %s during the handshake",
				p)
			return p.writeMessage(wire.NewMsgPong(ping.Nonce))
		}

		ignored++
		if ignored > p.cfg.MaxIgnoredHandshakeMessages {
			return protocolError("received %d messages out of "+
				"sequence during the handshake", ignored)
		}
		log.Debugf("Ignoring %v from %s during the handshake",
			msg.Command(), p)
		return nil
	}

	// Wait for the remote version.
	for {
		msg, err := p.readKnownMessage()
		if err != nil {
			return err
		}
		remoteVerMsg, ok := msg.(*wire.MsgVersion)
		if !ok {
			if err := ignore(msg); err != nil {
				return err
			}
			continue
		}

		if err := p.handleRemoteVersionMsg(remoteVerMsg); err != nil {
			return err
		}
		p.setState(StateVersionReceived)
		if p.cfg.Listeners.OnVersion != nil {
			p.cfg.Listeners.OnVersion(p, remoteVerMsg)
		}
		break
	}

	// Acknowledge it.
	if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
		return err
	}
	p.setState(StateHandshaking)

	// Wait for their acknowledgment.
	for {
		msg, err := p.readKnownMessage()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *wire.MsgVerAck:
			if p.cfg.Listeners.OnVerAck != nil {
				p.cfg.Listeners.OnVerAck(p, m)
			}
			return nil

		case *wire.MsgVersion:
			return protocolError("duplicate version message")

		default:
			if err := ignore(msg); err != nil {
				return err
			}
		}
	}
}

// start runs the handshake and then the message handlers.  It must be run as
// a goroutine.
func (p *Peer) start() {
	defer p.wg.Done()

	log.Tracef("Starting peer %s", p)

	negotiateErr := make(chan error, 1)
	go func() {
		negotiateErr <- p.negotiateOutboundProtocol()
	}()

	// Negotiate the protocol within the handshake timeout.
	select {
	case err := <-negotiateErr:
		if err != nil {
			log.Debugf("Can't negotiate protocol with %s: %v", p, err)
			p.closeWith(closeReasonFor(err), err)
			return
		}
	case <-p.cfg.Clock.TickAfter(p.cfg.HandshakeTimeout):
		log.Debugf("Peer %s did not complete the handshake within %v",
			p, p.cfg.HandshakeTimeout)
		p.closeWith(ReasonHandshakeTimeout, ErrHandshakeTimeout)
		return
	case <-p.quit:
		return
	}
	log.Debugf("Connected to %s", p)

	// The protocol has been negotiated successfully so start processing input
	// and output messages.
	p.wg.Add(4)
	go p.inHandler()
	go p.queueHandler()
	go p.outHandler()
	go p.pingHandler()

	p.setState(StateReady)
	close(p.ready)
}

// AssociateConnection associates the given conn to the peer and starts the
// handshake.  Calling this function when the peer is already connected will
// have no effect.
func (p *Peer) AssociateConnection(conn net.Conn) {
	if !atomic.CompareAndSwapInt32(&p.associated, 0, 1) {
		log.Errorf("Already connected to peer %s", p)
		return
	}
	if !p.Connected() {
		conn.Close()
		return
	}

	p.conn = conn
	p.statsMtx.Lock()
	p.timeConnected = p.cfg.Clock.Now()
	p.statsMtx.Unlock()

	p.wg.Add(1)
	go p.start()
}

// Connect dials the peer and completes the handshake.  A failed dial closes
// the peer with ReasonConnectError and returns a *DialError.
func (p *Peer) Connect(ctx context.Context) error {
	dial := p.cfg.Dial
	if dial == nil {
		dial = p.defaultDial
	}

	conn, err := dial(ctx, "tcp", p.addr)
	if err != nil {
		dialErr := &DialError{Addr: p.addr, Err: err}
		p.closeWith(ReasonConnectError, dialErr)
		return dialErr
	}

	p.AssociateConnection(conn)
	return p.WaitForHandshake(ctx)
}

// defaultDial connects directly or through the configured SOCKS5 proxy.
func (p *Peer) defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	if p.cfg.Proxy == "" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, network, addr)
	}

	proxy := &socks.Proxy{
		Addr:     p.cfg.Proxy,
		Username: p.cfg.ProxyUser,
		Password: p.cfg.ProxyPass,
	}
	if deadline, ok := ctx.Deadline(); ok {
		return proxy.DialTimeout(network, addr, time.Until(deadline))
	}
	return proxy.Dial(network, addr)
}

// WaitForHandshake blocks until the handshake completes, the peer closes or
// the context is done.  It returns nil once the peer is ready.
func (p *Peer) WaitForHandshake(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.quit:
		select {
		case <-p.ready:
			return nil
		default:
		}
		if err := p.CloseErr(); err != nil {
			return err
		}
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewOutboundPeer returns a new outbound bitcoin peer for the passed
// host:port address.  Use Connect or AssociateConnection to start it.
func NewOutboundPeer(cfg *Config, addr string) (*Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	p := newPeerBase(cfg)
	p.addr = addr

	ip := net.ParseIP(host)
	if ip == nil {
		// Hostnames resolved through a proxy are advertised as
		// unroutable.
		ip = net.IPv4zero
	}
	p.na = wire.NewNetAddressTimestamp(p.cfg.Clock.Now(), 0, ip,
		uint16(port))

	return p, nil
}

// newPeerBase returns a new base bitcoin peer with defaults applied to the
// passed configuration.
func newPeerBase(origCfg *Config) *Peer {
	cfg := *origCfg // Copy so caller can't mutate.

	// Default to the max supported protocol version if not specified by the
	// caller.
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = MaxProtocolVersion
	}

	// Set the chain parameters to testnet if the caller did not specify any.
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.TestNet3Params
	}

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.MaxIgnoredHandshakeMessages == 0 {
		cfg.MaxIgnoredHandshakeMessages = DefaultMaxIgnoredHandshakeMessages
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	p := Peer{
		id:              atomic.AddInt32(&nodeCount, 1),
		cfg:             cfg,
		protocolVersion: cfg.ProtocolVersion,
		inQueue:         queue.NewConcurrentQueue(inputBufferSize),
		outputQueue:     make(chan outMsg, outputBufferSize),
		sendQueue:       make(chan outMsg, 1),   // nonblocking sync
		sendDoneQueue:   make(chan struct{}, 1), // nonblocking sync
		pongReceived:    make(chan struct{}, 1),
		ready:           make(chan struct{}),
		quit:            make(chan struct{}),
	}
	p.inQueue.Start()
	return &p
}
