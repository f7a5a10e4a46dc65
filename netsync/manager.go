// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/connmgr"
	"github.com/btcsuite/hdrsync/peer"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// progressInterval is the default interval between progress events.
	progressInterval = 10 * time.Second

	// replayBatchSize is the number of persisted headers read at a time
	// when the chain is rebuilt at startup.
	replayBatchSize = 2000

	// banProtocolViolation is the ban score added for a peer closed for
	// breaking the protocol.
	banProtocolViolation = 50
)

// zeroHash is the zero value hash (all zeros).  It is defined as a convenience.
var zeroHash chainhash.Hash

// PeerSyncState describes where a peer is in header download.
type PeerSyncState int32

// These constants define the sync states of a peer.
const (
	// StateIdle is the state of a peer no request is outstanding with.
	StateIdle PeerSyncState = iota

	// StateAwaitingHeaders is the state of a peer a getheaders request is
	// outstanding with.
	StateAwaitingHeaders

	// StateSynced is the state of a peer that has no headers beyond our
	// tip.
	StateSynced
)

// Map of PeerSyncState values back to their constant names for pretty
// printing.
var syncStateStrings = map[PeerSyncState]string{
	StateIdle:            "Idle",
	StateAwaitingHeaders: "AwaitingHeaders",
	StateSynced:          "Synced",
}

// String returns the PeerSyncState in human-readable form.
func (s PeerSyncState) String() string {
	if str, ok := syncStateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown PeerSyncState (%d)", int32(s))
}

// syncPeer extends a peer to maintain additional state maintained by the sync
// manager.
type syncPeer struct {
	*peer.Peer

	// The following variables must only be used atomically.
	state int32

	// caughtUp is set once the peer reached StateSynced.  It is only
	// accessed by the sync handler.
	caughtUp bool

	// deadline is when the session gives up waiting for headers, or asks
	// a quiet peer again.  It is only accessed by the session.
	deadline time.Time
}

func (sp *syncPeer) syncState() PeerSyncState {
	return PeerSyncState(atomic.LoadInt32(&sp.state))
}

func (sp *syncPeer) setSyncState(state PeerSyncState) {
	from := PeerSyncState(atomic.SwapInt32(&sp.state, int32(state)))
	if from != state {
		log.Tracef("Peer %v sync state %v -> %v", sp, from, state)
	}
}

// newPeerMsg signifies a newly connected peer to the sync handler.
type newPeerMsg struct {
	peer *syncPeer
}

// headersMsg packages a bitcoin headers message and the peer it came from
// together so the sync handler has access to that information.
type headersMsg struct {
	headers *wire.MsgHeaders
	peer    *syncPeer
	reply   chan headersResult
}

// headersResult is the outcome of applying a headers message.
type headersResult struct {
	// accepted is the number of headers that were new to the chain.
	accepted int

	// lastHash and lastHeight identify the last header of the batch that
	// is known to the chain.  lastHash is nil when there is none.
	lastHash   *chainhash.Hash
	lastHeight int32

	// err is the rule error that aborted the batch.
	err error

	// banned is set when the error pushed the peer over the ban
	// threshold.
	banned bool
}

// peerSyncedMsg signifies a peer that has no more headers to offer.
type peerSyncedMsg struct {
	peer *syncPeer
}

// donePeerMsg signifies a newly disconnected peer to the sync handler.
type donePeerMsg struct {
	peer   *syncPeer
	reason peer.CloseReason
}

// peerStatesMsg asks the sync handler for the sync state of every peer.
type peerStatesMsg struct {
	reply chan map[string]PeerSyncState
}

// SyncManager is used to communicate header related messages with peers.  The
// SyncManager is started as by executing Start() in a goroutine.  Once
// started, it selects peers to sync from and starts the initial header
// download.  Once the chain is in sync, the SyncManager keeps asking its peers
// for new headers.
type SyncManager struct {
	// The following variables must only be used atomically.
	started int32
	current int32

	cfg            Config
	chain          *blockchain.HeaderChain
	chainParams    *chaincfg.Params
	progressLogger *headerProgressLogger
	events         *eventServer
	msgChan        chan interface{}

	// These fields are owned by the sync handler.
	peers           map[*syncPeer]struct{}
	banScores       map[string]*connmgr.DynamicBanScore
	target          uint32
	connectionsMet  bool
	persistedHeight int32
	persistedHash   chainhash.Hash

	synced     chan struct{}
	syncedOnce sync.Once

	// groupMtx guards shutdown and the start of new sessions so no session
	// is added to the group once it is being waited on.
	groupMtx sync.Mutex
	shutdown bool
	group    *errgroup.Group
	groupCtx context.Context
	cancel   func()
	quit     chan struct{}
	err      error
	done     chan struct{}
}

// requestHeaders asks the peer for the headers following the locator.
func (m *SyncManager) requestHeaders(sp *syncPeer, locator blockchain.BlockLocator) {
	log.Debugf("Requesting headers after %v from %v", locator[0], sp)

	sp.setSyncState(StateAwaitingHeaders)
	sp.deadline = time.Now().Add(m.cfg.ResponseTimeout)
	if err := sp.PushGetHeadersMsg(locator, &zeroHash); err != nil {
		log.Errorf("Failed to send getheaders to %v: %v", sp, err)
	}
}

// sendMsg queues a message for the sync handler.  It returns false when the
// context is done first.
func (m *SyncManager) sendMsg(ctx context.Context, msg interface{}) bool {
	select {
	case m.msgChan <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// runSession drives one peer through header download until it disconnects,
// is banned or the manager shuts down.
func (m *SyncManager) runSession(ctx context.Context, sp *syncPeer) {
	defer func() {
		reason := sp.CloseReason()
		sp.Disconnect()
		m.sendMsg(ctx, &donePeerMsg{peer: sp, reason: reason})
	}()

	// The peer is not a candidate for sync if it doesn't advertise the
	// required services.
	required := m.cfg.RequiredServices
	if sp.Services()&required != required {
		log.Infof("Peer %v does not advertise %v -- disconnecting", sp,
			required)
		return
	}

	if !m.sendMsg(ctx, &newPeerMsg{peer: sp}) {
		return
	}

	if m.cfg.AddrBook != nil {
		sp.QueueMessage(wire.NewMsgGetAddr(), nil)
	}
	m.requestHeaders(sp, m.chain.LocatorHashes())

	for {
		awaiting := sp.syncState() == StateAwaitingHeaders

		recvCtx, cancel := context.WithDeadline(ctx, sp.deadline)
		msg, err := sp.Receive(recvCtx)
		cancel()
		switch {
		case err == nil:

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if awaiting {
				log.Infof("Peer %v did not answer getheaders "+
					"within %v -- disconnecting", sp,
					m.cfg.ResponseTimeout)
				m.events.send(Event{
					Type: EventWarning,
					Message: fmt.Sprintf("peer %v timed out",
						sp),
				})
				return
			}
			m.requestHeaders(sp, m.chain.LocatorHashes())
			continue

		default:
			return
		}

		switch msg := msg.(type) {
		case *wire.MsgHeaders:
			if !m.handleHeaders(ctx, sp, msg) {
				return
			}

		case *wire.MsgAddr:
			if m.cfg.AddrBook != nil {
				m.cfg.AddrBook.AddAddresses(msg.AddrList)
			}

		case *wire.MsgReject:
			log.Debugf("Peer %v rejected %v: %v (%v)", sp, msg.Cmd,
				msg.Reason, msg.Code)

		default:
			log.Tracef("Ignoring %v message from %v", msg.Command(),
				sp)
		}
	}
}

// handleHeaders hands a headers message to the sync handler and moves the
// peer to its next sync state.  It returns false when the session should end.
func (m *SyncManager) handleHeaders(ctx context.Context, sp *syncPeer,
	msg *wire.MsgHeaders) bool {

	reply := make(chan headersResult, 1)
	if !m.sendMsg(ctx, &headersMsg{headers: msg, peer: sp, reply: reply}) {
		return false
	}

	var res headersResult
	select {
	case res = <-reply:
	case <-ctx.Done():
		return false
	}

	if res.lastHash != nil {
		sp.UpdateLastBlockHeight(res.lastHeight)
	}

	switch {
	case res.err != nil:
		sp.setSyncState(StateIdle)
		sp.deadline = time.Now().Add(m.cfg.RefreshInterval)
		return !res.banned

	case res.accepted == 0:
		sp.setSyncState(StateSynced)
		sp.deadline = time.Now().Add(m.cfg.RefreshInterval)
		return m.sendMsg(ctx, &peerSyncedMsg{peer: sp})
	}

	m.requestHeaders(sp, m.chain.BlockLocatorFromHash(res.lastHash))
	return true
}

// handleNewPeerMsg deals with new peers that have signalled they may be
// considered as a sync peer (they have already successfully negotiated).  It
// is invoked from the syncHandler goroutine.
func (m *SyncManager) handleNewPeerMsg(sp *syncPeer) {
	log.Infof("New valid peer %s (%s, height %d)", sp, sp.UserAgent(),
		sp.StartingHeight())

	m.peers[sp] = struct{}{}
	atomic.StoreInt32(&m.current, 0)
	if m.cfg.AddrBook != nil {
		m.cfg.AddrBook.MarkGood(sp.Addr())
	}

	m.events.send(Event{
		Type: EventDialog,
		Message: fmt.Sprintf("connected to %v (%s, height %d)", sp,
			sp.UserAgent(), sp.StartingHeight()),
	})
	m.checkConnectionsMet()
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It
// is invoked from the syncHandler goroutine.
func (m *SyncManager) handleDonePeerMsg(msg *donePeerMsg) {
	sp := msg.peer
	if _, ok := m.peers[sp]; ok {
		delete(m.peers, sp)
		log.Infof("Lost peer %s (%v)", sp, msg.reason)
	}

	if msg.reason == peer.ReasonProtocolViolation {
		m.addBanScore(sp, banProtocolViolation, 0, "protocol violation")
	}
	if score, ok := m.banScores[sp.Addr()]; ok && score.Int() == 0 {
		delete(m.banScores, sp.Addr())
	}

	if len(m.peers) < int(m.target) {
		m.connectionsMet = false
	}
	m.checkCurrent()
}

// handlePeerSyncedMsg marks the peer as caught up.  It is invoked from the
// syncHandler goroutine.
func (m *SyncManager) handlePeerSyncedMsg(sp *syncPeer) {
	if _, ok := m.peers[sp]; !ok {
		return
	}
	if !sp.caughtUp {
		log.Debugf("Peer %v has no more headers", sp)
	}
	sp.caughtUp = true
	m.checkCurrent()
}

// handleHeadersMsg applies the headers of the message to the chain in order
// and persists the new best chain.  The first header that fails validation
// aborts the batch and penalizes the peer.  A returned error means persisting
// failed and is fatal.  It is invoked from the syncHandler goroutine.
func (m *SyncManager) handleHeadersMsg(hmsg *headersMsg) (headersResult, error) {
	var res headersResult
	sp := hmsg.peer

	for _, header := range hmsg.headers.Headers {
		result, err := m.chain.Insert(header)
		if err != nil {
			var rerr blockchain.RuleError
			if errors.As(err, &rerr) && rerr.ErrorCode == blockchain.ErrDuplicate {
				hash := header.BlockHash()
				if node, ok := m.chain.Locate(&hash); ok {
					res.lastHash = &node.Hash
					res.lastHeight = node.Height
				}
				continue
			}

			log.Infof("Rejected header %v from %s: %v",
				header.BlockHash(), sp, err)
			res.err = err
			break
		}

		res.accepted++
		res.lastHash = &result.Node.Hash
		res.lastHeight = result.Node.Height
	}

	if res.accepted > 0 {
		if err := m.persistBestChain(); err != nil {
			return res, err
		}

		tip := m.chain.Tip()
		m.progressLogger.LogHeaders(res.accepted, &tip)
	}

	if res.err != nil {
		res.banned = m.penalize(sp, res.err)
	}
	return res, nil
}

// banWeight returns the ban score the rule error that aborted a batch is
// worth.  Unknown parents are transient since benign reordering and forks
// can cause them.
func banWeight(err error) (persistent, transient uint32) {
	var rerr blockchain.RuleError
	if !errors.As(err, &rerr) {
		return 0, 0
	}

	switch rerr.Kind() {
	case blockchain.ErrUnknownParent:
		return 0, 10
	case blockchain.ErrTimestampInvalid:
		return 20, 0
	case blockchain.ErrBadProofOfWork:
		return 50, 0
	case blockchain.ErrCheckpointMismatch:
		return 100, 0
	}
	return 0, 0
}

// penalize adds the ban score of the error to the peer and rejects the batch.
// It returns whether the peer was banned.
func (m *SyncManager) penalize(sp *syncPeer, err error) bool {
	persistent, transient := banWeight(err)
	if persistent == 0 && transient == 0 {
		return false
	}

	var rerr blockchain.RuleError
	if errors.As(err, &rerr) && rerr.Kind() != blockchain.ErrUnknownParent {
		code := wire.RejectInvalid
		if rerr.Kind() == blockchain.ErrCheckpointMismatch {
			code = wire.RejectCheckpoint
		}
		sp.PushRejectMsg(wire.CmdHeaders, code, rerr.Description, false)
	}

	m.events.send(Event{
		Type:    EventWarning,
		Message: fmt.Sprintf("peer %v sent invalid headers: %v", sp, err),
	})
	return m.addBanScore(sp, persistent, transient, err.Error())
}

// addBanScore increases the persistent and decaying ban score fields by the
// values passed as parameters.  If the resulting score exceeds half of the
// ban threshold, a warning is logged including the reason provided.
// Further, if the score is above the ban threshold, the peer will be banned
// and disconnected.  It returns whether the peer was banned.  It is invoked
// from the syncHandler goroutine.
func (m *SyncManager) addBanScore(sp *syncPeer, persistent, transient uint32,
	reason string) bool {

	key := sp.Addr()
	score, ok := m.banScores[key]
	if !ok {
		score = &connmgr.DynamicBanScore{}
		m.banScores[key] = score
	}

	warnThreshold := m.cfg.BanThreshold >> 1
	if transient == 0 && persistent == 0 {
		// The score is not being increased, but a warning message is
		// still logged if the score is above the warn threshold.
		current := score.Int()
		if current > warnThreshold {
			log.Warnf("Misbehaving peer %s: %s -- ban score is %d, "+
				"it was not increased this time", sp, reason, current)
		}
		return false
	}

	current := score.Increase(persistent, transient)
	if current <= warnThreshold {
		log.Debugf("Misbehaving peer %s: %s -- ban score increased "+
			"to %d", sp, reason, current)
		return false
	}

	log.Warnf("Misbehaving peer %s: %s -- ban score increased to %d", sp,
		reason, current)
	if current < m.cfg.BanThreshold {
		return false
	}

	log.Warnf("Misbehaving peer %s -- banning and disconnecting", sp)
	if m.cfg.AddrBook != nil {
		m.cfg.AddrBook.Ban(key)
	}
	sp.Disconnect()
	m.events.send(Event{
		Type:    EventWarning,
		Message: fmt.Sprintf("banned peer %v", sp),
	})
	return true
}

// checkCurrent recomputes whether the manager is current and handles the
// first transition to synced.  It is invoked from the syncHandler goroutine.
func (m *SyncManager) checkCurrent() {
	current := false
	if m.cfg.TargetPeer != "" {
		for sp := range m.peers {
			if sp.Addr() == m.cfg.TargetPeer && sp.caughtUp {
				current = true
				break
			}
		}
	} else if len(m.peers) > 0 {
		current = true
		for sp := range m.peers {
			if !sp.caughtUp {
				current = false
				break
			}
		}
	}

	var value int32
	if current {
		value = 1
	}
	atomic.StoreInt32(&m.current, value)
	if !current {
		return
	}

	m.syncedOnce.Do(func() {
		tip := m.chain.Tip()
		log.Infof("Header chain synced to height %d (%v)", tip.Height,
			tip.Hash)
		close(m.synced)
		m.events.send(Event{
			Type:   EventSynced,
			Height: tip.Height,
			Hash:   tip.Hash,
		})

		if m.cfg.TargetOutbound > m.target {
			m.setTarget(m.cfg.TargetOutbound)
		}
	})
}

// setTarget changes the connection target.  It is invoked from the
// syncHandler goroutine.
func (m *SyncManager) setTarget(target uint32) {
	m.target = target
	m.connectionsMet = false
	if m.cfg.ConnManager != nil {
		// The connection manager may be calling into the manager, so the
		// change is made without blocking the handler.
		go m.cfg.ConnManager.SetTargetOutbound(target)
	}
	m.checkConnectionsMet()
}

// checkConnectionsMet sends a connections met event the first time the number
// of peers reaches the target.  It is invoked from the syncHandler goroutine.
func (m *SyncManager) checkConnectionsMet() {
	if m.connectionsMet || len(m.peers) < int(m.target) {
		return
	}
	m.connectionsMet = true
	m.events.send(Event{Type: EventConnectionsMet, Peers: len(m.peers)})
}

// sendProgress reports the tip and the best height announced by a peer.  It
// is invoked from the syncHandler goroutine.
func (m *SyncManager) sendProgress() {
	tip := m.chain.Tip()
	peerHeight := tip.Height
	for sp := range m.peers {
		if h := sp.LastBlock(); h > peerHeight {
			peerHeight = h
		}
	}
	m.events.send(Event{
		Type:       EventProgress,
		Height:     tip.Height,
		Hash:       tip.Hash,
		PeerHeight: peerHeight,
	})
}

// persistBestChain writes the best chain to the store starting at the first
// height that differs from what was stored.  It is invoked from the
// syncHandler goroutine.
func (m *SyncManager) persistBestChain() error {
	if m.cfg.Store == nil {
		return nil
	}

	tip := m.chain.Tip()
	if tip.Hash == m.persistedHash {
		return nil
	}

	start := m.persistedHeight + 1
	if !m.chain.MainChainHasHeader(&m.persistedHash) {
		// Walk back to the last stored header that is still part of
		// the best chain.
		for start > 1 {
			stored, err := m.cfg.Store.FetchHeader(start - 1)
			if err != nil {
				return err
			}
			node, ok := m.chain.HeaderByHeight(start - 1)
			if ok && stored.BlockHash() == node.Hash {
				break
			}
			start--
		}
		log.Infof("Best chain reorganized at height %d", start)
	}

	headers := m.chain.HeadersFrom(start, int(tip.Height-start+1))
	if err := m.cfg.Store.PutHeaders(start, headers); err != nil {
		return fmt.Errorf("unable to persist headers %d-%d: %w", start,
			tip.Height, err)
	}
	m.persistedHeight = tip.Height
	m.persistedHash = tip.Hash
	return nil
}

// replayStore rebuilds the chain from the persisted headers.  Stored headers
// that no longer pass validation are removed from the store.
func (m *SyncManager) replayStore() error {
	genesis := m.chain.Tip()
	m.persistedHash = genesis.Hash
	m.persistedHeight = genesis.Height
	if m.cfg.Store == nil {
		return nil
	}

	stored, err := m.cfg.Store.Height()
	if err != nil {
		return err
	}
	if stored == 0 {
		return nil
	}
	log.Infof("Loading %d persisted headers", stored)

	height := int32(1)
	for height <= stored {
		headers, err := m.cfg.Store.FetchHeaders(height, replayBatchSize)
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			break
		}

		for i := range headers {
			_, err := m.chain.Insert(&headers[i])
			if err == nil {
				height++
				continue
			}

			log.Warnf("Persisted header %v at height %d is "+
				"invalid: %v -- truncating", headers[i].BlockHash(),
				height, err)
			if err := m.cfg.Store.PutHeaders(height, nil); err != nil {
				return err
			}
			stored = height - 1
			break
		}
	}

	tip := m.chain.Tip()
	m.persistedHash = tip.Hash
	m.persistedHeight = tip.Height
	log.Infof("Header chain loaded at height %d (%v)", tip.Height, tip.Hash)
	return nil
}

// syncHandler is the main handler for the sync manager.  It must be run as a
// goroutine.  It processes peer and headers messages in a single goroutine so
// every change to the chain is applied in arrival order.
func (m *SyncManager) syncHandler(ctx context.Context) error {
	progress := m.cfg.ProgressTicker
	progress.Resume()
	defer progress.Stop()

	for {
		select {
		case msg := <-m.msgChan:
			switch msg := msg.(type) {
			case *newPeerMsg:
				m.handleNewPeerMsg(msg.peer)

			case *headersMsg:
				res, err := m.handleHeadersMsg(msg)
				if err != nil {
					log.Errorf("Unable to persist headers: %v",
						err)
					return err
				}
				msg.reply <- res

			case *peerSyncedMsg:
				m.handlePeerSyncedMsg(msg.peer)

			case *donePeerMsg:
				m.handleDonePeerMsg(msg)

			case *peerStatesMsg:
				states := make(map[string]PeerSyncState,
					len(m.peers))
				for sp := range m.peers {
					states[sp.Addr()] = sp.syncState()
				}
				msg.reply <- states

			default:
				log.Warnf("Invalid message type in sync "+
					"handler: %T", msg)
			}

		case <-progress.Ticks():
			m.sendProgress()

		case <-ctx.Done():
			log.Trace("Sync handler done")
			return nil
		}
	}
}

// NewPeer informs the sync manager of a newly active peer.  The peer must have
// completed the handshake.  It is disconnected when the manager is shutting
// down.
func (m *SyncManager) NewPeer(p *peer.Peer) {
	m.groupMtx.Lock()
	defer m.groupMtx.Unlock()

	if m.shutdown || m.group == nil {
		p.Disconnect()
		return
	}

	sp := &syncPeer{Peer: p}
	m.group.Go(func() error {
		m.runSession(m.groupCtx, sp)
		return nil
	})
}

// Subscribe returns a subscription that receives the events of the manager.
func (m *SyncManager) Subscribe() (*Subscription, error) {
	return m.events.subscribe()
}

// IsCurrent returns whether or not the sync manager believes it is synced with
// the connected peers.
//
// This function is safe for concurrent access.
func (m *SyncManager) IsCurrent() bool {
	return atomic.LoadInt32(&m.current) == 1
}

// Synced returns a channel that is closed the first time the manager becomes
// current.
func (m *SyncManager) Synced() <-chan struct{} {
	return m.synced
}

// WaitForSync blocks until the manager is synced, the context is done or the
// manager stops.
func (m *SyncManager) WaitForSync(ctx context.Context) error {
	select {
	case <-m.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrManagerShuttingDown
	}
}

// PeerStates returns the sync state of every peer by address.
func (m *SyncManager) PeerStates() map[string]PeerSyncState {
	reply := make(chan map[string]PeerSyncState, 1)
	select {
	case m.msgChan <- &peerStatesMsg{reply: reply}:
	case <-m.quit:
		return nil
	}

	select {
	case states := <-reply:
		return states
	case <-m.quit:
		return nil
	}
}

// Tip returns the tip of the best chain.
func (m *SyncManager) Tip() blockchain.ChainNode {
	return m.chain.Tip()
}

// Start begins the core sync handler which processes headers messages.
func (m *SyncManager) Start() {
	// Already started?
	if atomic.AddInt32(&m.started, 1) != 1 {
		return
	}

	m.groupMtx.Lock()
	if m.shutdown {
		m.groupMtx.Unlock()
		log.Warnf("Sync manager is shut down and can not be started")
		return
	}

	log.Trace("Starting sync manager")

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	m.group = group
	m.groupCtx = groupCtx
	m.cancel = cancel
	m.groupMtx.Unlock()

	group.Go(func() error {
		return m.syncHandler(groupCtx)
	})

	go func() {
		m.err = group.Wait()
		close(m.quit)
		close(m.done)
	}()
}

// Stop gracefully shuts down the sync manager by disconnecting all peers and
// waiting for the handlers to finish.  It returns the fatal error that stopped
// the manager, if any.
func (m *SyncManager) Stop() error {
	m.groupMtx.Lock()
	if m.shutdown {
		m.groupMtx.Unlock()
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}
	m.shutdown = true
	cancel := m.cancel
	m.groupMtx.Unlock()

	log.Infof("Sync manager shutting down")
	if cancel == nil {
		close(m.quit)
		m.events.stop()
		return nil
	}
	cancel()
	<-m.done
	m.events.stop()
	return m.err
}

// Done returns a channel that is closed once the manager stopped, either
// because Stop was called or a fatal error occurred.  Err reports the error.
func (m *SyncManager) Done() <-chan struct{} {
	return m.quit
}

// Err returns the fatal error that stopped the manager, if any.  It is only
// meaningful once Done is closed.
func (m *SyncManager) Err() error {
	select {
	case <-m.quit:
		return m.err
	default:
		return nil
	}
}

// New constructs a new SyncManager.  Persisted headers are replayed into the
// chain before it returns.  Use Start to begin processing asynchronous
// headers messages.
func New(config *Config) (*SyncManager, error) {
	if config.Chain == nil {
		return nil, errors.New("netsync: header chain is required")
	}

	cfg := *config
	if cfg.ChainParams == nil {
		cfg.ChainParams = cfg.Chain.ChainParams()
	}
	if cfg.RequiredServices == 0 {
		cfg.RequiredServices = wire.SFNodeNetwork
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.BanThreshold == 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}
	if cfg.TargetOutbound == 0 {
		cfg.TargetOutbound = DefaultTargetOutbound
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ProgressTicker == nil {
		cfg.ProgressTicker = ticker.New(progressInterval)
	}

	m := SyncManager{
		cfg:         cfg,
		chain:       cfg.Chain,
		chainParams: cfg.ChainParams,
		progressLogger: newHeaderProgressLogger("Processed", log,
			cfg.Clock),
		events:    newEventServer(),
		msgChan:   make(chan interface{}, cfg.TargetOutbound*3),
		peers:     make(map[*syncPeer]struct{}),
		banScores: make(map[string]*connmgr.DynamicBanScore),
		target:    1,
		synced:    make(chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if err := m.replayStore(); err != nil {
		return nil, err
	}
	m.events.start()
	return &m, nil
}
