// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/database"
	"github.com/btcsuite/hdrsync/peer"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

/* This file contains mock structs and helper functions that are shared by tests
 * in the netsync package.
 */

// easyBits is the compact target of the test genesis.  Roughly every other
// nonce satisfies it.
const easyBits = 0x207fffff

// easyParams returns a copy of the signet parameters with an easy genesis and
// proof of work limit so headers can be solved quickly.  Retargeting is off so
// generated branches keep the bits of their parent past a retarget height.
func easyParams() *chaincfg.Params {
	params := chaincfg.SigNetParams
	genesis := *chaincfg.SigNetParams.GenesisHeader
	genesis.Bits = easyBits
	genesis.Nonce = 0
	genesisHash := genesis.BlockHash()

	params.GenesisHeader = &genesis
	params.GenesisHash = &genesisHash
	params.PowLimit = chaincfg.RegressionNetParams.PowLimit
	params.PowLimitBits = easyBits
	params.PoWNoRetargeting = true
	params.Checkpoints = nil
	return &params
}

// newTestChain returns a header chain for the params with a clock a month
// past genesis.
func newTestChain(t *testing.T, params *chaincfg.Params) *blockchain.HeaderChain {
	t.Helper()

	chain, err := blockchain.New(&blockchain.Config{
		ChainParams: params,
		Clock: clock.NewTestClock(params.GenesisHeader.Timestamp.Add(
			30 * 24 * time.Hour)),
	})
	require.NoError(t, err)
	return chain
}

// newTestStore returns a header store backed by an in-memory database.
func newTestStore(t *testing.T, params *chaincfg.Params) *database.HeaderStore {
	t.Helper()

	db, err := database.Open("memdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := database.NewHeaderStore(db, params.Net)
	require.NoError(t, err)
	return store
}

// solveHeader increments the nonce of the header until its hash satisfies the
// target encoded by its bits.  When solved is false it does the opposite.
func solveHeader(header *wire.BlockHeader, solved bool) {
	target := blockchain.CompactToBig(header.Bits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if (blockchain.HashToBig(&hash).Cmp(target) <= 0) == solved {
			return
		}
	}
}

// makeBranch returns n solved headers extending parent.  The tag is written
// into the merkle root so branches with different tags never collide.
func makeBranch(parent *wire.BlockHeader, n int, tag uint32) []wire.BlockHeader {
	var merkle chainhash.Hash
	binary.LittleEndian.PutUint32(merkle[:], tag)

	headers := make([]wire.BlockHeader, 0, n)
	prev := parent
	for i := 0; i < n; i++ {
		header := wire.BlockHeader{
			Version:    1,
			PrevBlock:  prev.BlockHash(),
			MerkleRoot: merkle,
			Timestamp:  prev.Timestamp.Add(10 * time.Minute),
			Bits:       prev.Bits,
		}
		solveHeader(&header, true)
		headers = append(headers, header)
		prev = &headers[len(headers)-1]
	}
	return headers
}

// headersMsgFor packs the headers into a headers message.
func headersMsgFor(headers []wire.BlockHeader) *wire.MsgHeaders {
	msg := wire.NewMsgHeaders()
	for i := range headers {
		msg.AddBlockHeader(&headers[i])
	}
	return msg
}

// fakeAddrBook records the calls made by the manager.
type fakeAddrBook struct {
	mtx    sync.Mutex
	added  int
	good   []string
	banned []string
}

func (b *fakeAddrBook) AddAddresses(addrs []*wire.NetAddress) int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.added += len(addrs)
	return len(addrs)
}

func (b *fakeAddrBook) MarkGood(key string) {
	b.mtx.Lock()
	b.good = append(b.good, key)
	b.mtx.Unlock()
}

func (b *fakeAddrBook) Ban(key string) {
	b.mtx.Lock()
	b.banned = append(b.banned, key)
	b.mtx.Unlock()
}

func (b *fakeAddrBook) isBanned(key string) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, k := range b.banned {
		if k == key {
			return true
		}
	}
	return false
}

func (b *fakeAddrBook) addedCount() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.added
}

// remoteNode is a full node on the far end of a pipe.  It serves getheaders
// from its own chain unless onGetHeaders overrides the reply.  A nil reply
// leaves the request unanswered.
type remoteNode struct {
	conn     net.Conn
	params   *chaincfg.Params
	services wire.ServiceFlag
	headers  []wire.BlockHeader
	byHash   map[chainhash.Hash]int

	onGetHeaders func(*wire.MsgGetHeaders) *wire.MsgHeaders

	mtx      sync.Mutex
	requests int
}

func newRemoteNode(params *chaincfg.Params, headers []wire.BlockHeader) *remoteNode {
	r := &remoteNode{
		params:   params,
		services: wire.SFNodeNetwork | wire.SFNodeWitness,
		headers:  headers,
		byHash:   make(map[chainhash.Hash]int, len(headers)+1),
	}
	r.byHash[*params.GenesisHash] = 0
	for i := range headers {
		r.byHash[headers[i].BlockHash()] = i + 1
	}
	return r
}

func (r *remoteNode) read() (wire.Message, error) {
	msg, _, err := wire.ReadMessage(r.conn, wire.ProtocolVersion, r.params.Net)
	return msg, err
}

func (r *remoteNode) write(msg wire.Message) error {
	if err := r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return wire.WriteMessage(r.conn, msg, wire.ProtocolVersion, r.params.Net)
}

// handshake completes the handshake from the remote side.
func (r *remoteNode) handshake() error {
	msg, err := r.read()
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.MsgVersion); !ok {
		return errors.New("expected version, got " + msg.Command())
	}

	me := wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 38333, r.services)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	ver := wire.NewMsgVersion(me, you, 0x0102030405060708,
		int32(len(r.headers)))
	ver.Services = r.services
	ver.UserAgent = "/Satoshi:26.0.0/"
	if err := r.write(ver); err != nil {
		return err
	}

	msg, err = r.read()
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		return errors.New("expected verack, got " + msg.Command())
	}
	return r.write(wire.NewMsgVerAck())
}

// serveHeaders returns the headers following the first locator hash the node
// knows about.
func (r *remoteNode) serveHeaders(req *wire.MsgGetHeaders) *wire.MsgHeaders {
	start := 0
	for _, hash := range req.BlockLocatorHashes {
		if height, ok := r.byHash[*hash]; ok {
			start = height
			break
		}
	}

	end := start + wire.MaxBlockHeadersPerMsg
	if end > len(r.headers) {
		end = len(r.headers)
	}
	return headersMsgFor(r.headers[start:end])
}

func (r *remoteNode) requestCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.requests
}

// serve answers requests until the connection is closed.
func (r *remoteNode) serve() {
	for {
		msg, err := r.read()
		if err != nil {
			return
		}

		var reply wire.Message
		switch msg := msg.(type) {
		case *wire.MsgGetHeaders:
			r.mtx.Lock()
			r.requests++
			r.mtx.Unlock()

			if r.onGetHeaders != nil {
				if headers := r.onGetHeaders(msg); headers != nil {
					reply = headers
				}
			} else {
				reply = r.serveHeaders(msg)
			}

		case *wire.MsgGetAddr:
			addr := wire.NewMsgAddr()
			addr.AddAddress(wire.NewNetAddressIPPort(
				net.ParseIP("10.9.0.1"), 38333, wire.SFNodeNetwork))
			reply = addr

		case *wire.MsgPing:
			reply = wire.NewMsgPong(msg.Nonce)
		}

		if reply != nil {
			if err := r.write(reply); err != nil {
				return
			}
		}
	}
}

// connectRemote creates an outbound peer to the remote node over a pipe,
// completes the handshake and leaves the remote serving requests.
func connectRemote(t *testing.T, addr string, r *remoteNode) *peer.Peer {
	t.Helper()

	local, remote := net.Pipe()
	r.conn = remote

	p, err := peer.NewOutboundPeer(&peer.Config{
		ChainParams:      r.params,
		UserAgentName:    "hdrsync",
		UserAgentVersion: "0.1.0",
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return local, nil
		},
	}, addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Disconnect()
		p.WaitForDisconnect()
		remote.Close()
	})

	errc := make(chan error, 1)
	go func() { errc <- r.handshake() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, <-errc)

	go r.serve()
	return p
}

// nextEvent returns the next event of the given type, skipping others.
func nextEvent(t *testing.T, sub *Subscription, typ EventType) Event {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case item := <-sub.Events():
			e := item.(Event)
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %v event received", typ)
		}
	}
}
