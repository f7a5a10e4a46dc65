// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer_test

import (
	"bytes"
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
	"github.com/btcsuite/hdrsync/peer"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	testPeerAddr = "10.0.0.1:38333"
	remoteHeight = 160000
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// fakeRemote speaks the wire protocol directly on the far end of a pipe so
// tests control exactly what the peer under test sees.
type fakeRemote struct {
	conn net.Conn
	net  wire.BitcoinNet
	pver uint32
}

func (r *fakeRemote) read() (wire.Message, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	msg, _, err := wire.ReadMessage(r.conn, r.pver, r.net)
	return msg, err
}

func (r *fakeRemote) write(msg wire.Message) error {
	if err := r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return wire.WriteMessage(r.conn, msg, r.pver, r.net)
}

// writeUnknown sends a well framed message with a command no node knows.
func (r *fakeRemote) writeUnknown(command string, payload []byte) error {
	var buf bytes.Buffer
	var magic, length [4]byte
	binary.LittleEndian.PutUint32(magic[:], uint32(r.net))
	binary.LittleEndian.PutUint32(length[:], uint32(len(payload)))
	var cmd [wire.CommandSize]byte
	copy(cmd[:], command)

	buf.Write(magic[:])
	buf.Write(cmd[:])
	buf.Write(length[:])
	buf.Write(chainhash.DoubleHashB(payload)[:4])
	buf.Write(payload)

	if err := r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := r.conn.Write(buf.Bytes())
	return err
}

// versionMsg returns the version message the remote node advertises.
func (r *fakeRemote) versionMsg(nonce uint64) *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 38333,
		wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	msg := wire.NewMsgVersion(me, you, nonce, remoteHeight)
	msg.ProtocolVersion = int32(r.pver)
	msg.Services = wire.SFNodeNetwork | wire.SFNodeWitness
	msg.UserAgent = "/Satoshi:26.0.0/"
	return msg
}

// readVersion reads the local version message, failing on anything else.
func (r *fakeRemote) readVersion() (*wire.MsgVersion, error) {
	msg, err := r.read()
	if err != nil {
		return nil, err
	}
	ver, ok := msg.(*wire.MsgVersion)
	if !ok {
		return nil, errors.New("expected version, got " + msg.Command())
	}
	return ver, nil
}

// handshake completes the handshake from the remote side.
func (r *fakeRemote) handshake() error {
	if _, err := r.readVersion(); err != nil {
		return err
	}
	if err := r.write(r.versionMsg(0x1122334455667788)); err != nil {
		return err
	}
	msg, err := r.read()
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		return errors.New("expected verack, got " + msg.Command())
	}
	return r.write(wire.NewMsgVerAck())
}

// newTestPeer returns an outbound peer whose dialer hands out one end of a
// pipe along with a fake remote node on the other end.
func newTestPeer(t *testing.T, cfg *peer.Config) (*peer.Peer, *fakeRemote) {
	t.Helper()

	local, remote := net.Pipe()
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.SigNetParams
	}
	if cfg.UserAgentName == "" {
		cfg.UserAgentName = "hdrsync"
		cfg.UserAgentVersion = "0.1.0"
	}
	cfg.Dial = func(context.Context, string, string) (net.Conn, error) {
		return local, nil
	}

	p, err := peer.NewOutboundPeer(cfg, testPeerAddr)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Disconnect()
		p.WaitForDisconnect()
		remote.Close()
	})

	return p, &fakeRemote{
		conn: remote,
		net:  cfg.ChainParams.Net,
		pver: wire.ProtocolVersion,
	}
}

// connect runs Connect against a remote that completes the handshake.
func connect(t *testing.T, p *peer.Peer, r *fakeRemote) {
	t.Helper()

	errc := make(chan error, 1)
	go func() { errc <- r.handshake() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, <-errc)
}

// TestStateStringer tests the stringized output for the State type.
func TestStateStringer(t *testing.T) {
	tests := []struct {
		in   peer.State
		want string
	}{
		{peer.StateConnecting, "Connecting"},
		{peer.StateVersionSent, "VersionSent"},
		{peer.StateVersionReceived, "VersionReceived"},
		{peer.StateHandshaking, "Handshaking"},
		{peer.StateReady, "Ready"},
		{peer.StateClosed, "Closed"},
		{0xff, "Unknown State (255)"},
	}

	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}

// TestCloseReasonStringer tests the stringized output for the CloseReason
// type.
func TestCloseReasonStringer(t *testing.T) {
	tests := []struct {
		in   peer.CloseReason
		want string
	}{
		{peer.ReasonNone, "ReasonNone"},
		{peer.ReasonShutdown, "ReasonShutdown"},
		{peer.ReasonProtocolViolation, "ReasonProtocolViolation"},
		{peer.ReasonHandshakeTimeout, "ReasonHandshakeTimeout"},
		{peer.ReasonUnresponsive, "ReasonUnresponsive"},
		{peer.ReasonTransportError, "ReasonTransportError"},
		{peer.ReasonConnectError, "ReasonConnectError"},
		{0xff, "Unknown CloseReason (255)"},
	}

	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}

// TestOutboundHandshake tests the version handshake along with the state
// transitions and negotiated details it produces.
func TestOutboundHandshake(t *testing.T) {
	var (
		mtx         sync.Mutex
		transitions []peer.State
	)
	cfg := &peer.Config{
		UserAgentName:     "hdrsync",
		UserAgentVersion:  "0.1.0",
		UserAgentComments: []string{"test"},
		NewestBlock: func() (*chainhash.Hash, int32, error) {
			return &chainhash.Hash{}, 1234, nil
		},
		Listeners: peer.MessageListeners{
			OnStateChange: func(_ *peer.Peer, _, to peer.State) {
				mtx.Lock()
				transitions = append(transitions, to)
				mtx.Unlock()
			},
		},
	}
	p, remote := newTestPeer(t, cfg)
	require.Equal(t, peer.StateConnecting, p.State())

	localVer := make(chan *wire.MsgVersion, 1)
	errc := make(chan error, 1)
	go func() {
		ver, err := remote.readVersion()
		if err != nil {
			errc <- err
			return
		}
		localVer <- ver
		if err := remote.write(remote.versionMsg(42)); err != nil {
			errc <- err
			return
		}
		if _, err := remote.read(); err != nil {
			errc <- err
			return
		}
		errc <- remote.write(wire.NewMsgVerAck())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, <-errc)

	ver := <-localVer
	require.Equal(t, int32(peer.MaxProtocolVersion), ver.ProtocolVersion)
	require.Equal(t, int32(1234), ver.LastBlock)
	require.Equal(t, "/hdrsyncwire:0.1.0/hdrsync:0.1.0(test)/", ver.UserAgent)
	require.True(t, peer.TstIsSentNonce(ver.Nonce))

	require.Equal(t, peer.StateReady, p.State())
	require.Equal(t, peer.ReasonNone, p.CloseReason())
	require.True(t, p.VersionKnown())
	require.Equal(t, uint32(wire.ProtocolVersion), p.ProtocolVersion())
	require.Equal(t, wire.SFNodeNetwork|wire.SFNodeWitness, p.Services())
	require.Equal(t, "/Satoshi:26.0.0/", p.UserAgent())
	require.Equal(t, int32(remoteHeight), p.StartingHeight())
	require.Equal(t, int32(remoteHeight), p.LastBlock())

	mtx.Lock()
	require.Equal(t, []peer.State{
		peer.StateVersionSent,
		peer.StateVersionReceived,
		peer.StateHandshaking,
		peer.StateReady,
	}, transitions)
	mtx.Unlock()

	p.UpdateLastBlockHeight(remoteHeight - 1)
	require.Equal(t, int32(remoteHeight), p.LastBlock())
	p.UpdateLastBlockHeight(remoteHeight + 5)
	require.Equal(t, int32(remoteHeight+5), p.LastBlock())

	snap := p.StatsSnapshot()
	require.Equal(t, testPeerAddr, snap.Addr)
	require.Equal(t, peer.StateReady, snap.State)
	require.NotZero(t, snap.BytesSent)
	require.NotZero(t, snap.BytesRecv)
}

// TestNegotiatesLowerVersion ensures the negotiated protocol version is the
// lower of the two advertised versions.
func TestNegotiatesLowerVersion(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	remote.pver = wire.SendHeadersVersion

	connect(t, p, remote)
	require.Equal(t, uint32(wire.SendHeadersVersion), p.ProtocolVersion())
}

// TestSelfConnection ensures a remote version carrying a nonce sent by the
// local node is treated as a connection to self.
func TestSelfConnection(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})

	errc := make(chan error, 1)
	go func() {
		ver, err := remote.readVersion()
		if err != nil {
			errc <- err
			return
		}
		errc <- remote.write(remote.versionMsg(ver.Nonce))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Connect(ctx)
	require.NoError(t, <-errc)

	var protoErr *peer.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	p.WaitForDisconnect()
	require.Equal(t, peer.StateClosed, p.State())
	require.Equal(t, peer.ReasonProtocolViolation, p.CloseReason())
}

// TestAllowSelfConnection ensures the self connection check can be bypassed.
func TestAllowSelfConnection(t *testing.T) {
	peer.TstSetAllowSelfConns(true)
	defer peer.TstSetAllowSelfConns(false)

	p, remote := newTestPeer(t, &peer.Config{})

	errc := make(chan error, 1)
	go func() {
		ver, err := remote.readVersion()
		if err != nil {
			errc <- err
			return
		}
		if err := remote.write(remote.versionMsg(ver.Nonce)); err != nil {
			errc <- err
			return
		}
		if _, err := remote.read(); err != nil {
			errc <- err
			return
		}
		errc <- remote.write(wire.NewMsgVerAck())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, <-errc)
}

// TestObsoleteVersion ensures remote nodes advertising a protocol version
// that is too old are sent a reject and disconnected.
func TestObsoleteVersion(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})

	rejects := make(chan *wire.MsgReject, 1)
	errc := make(chan error, 1)
	go func() {
		if _, err := remote.readVersion(); err != nil {
			errc <- err
			return
		}
		ver := remote.versionMsg(7)
		ver.ProtocolVersion = int32(wire.BIP0031Version)
		if err := remote.write(ver); err != nil {
			errc <- err
			return
		}
		msg, err := remote.read()
		if err != nil {
			errc <- err
			return
		}
		reject, ok := msg.(*wire.MsgReject)
		if !ok {
			errc <- errors.New("expected reject, got " + msg.Command())
			return
		}
		rejects <- reject
		errc <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Connect(ctx)
	require.NoError(t, <-errc)

	var protoErr *peer.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	reject := <-rejects
	require.Equal(t, wire.CmdVersion, reject.Cmd)
	require.Equal(t, wire.RejectObsolete, reject.Code)

	p.WaitForDisconnect()
	require.Equal(t, peer.ReasonProtocolViolation, p.CloseReason())
}

// TestHandshakeIgnoredMessages tests the limit on unexpected messages during
// the handshake and that unknown commands never count toward it.
func TestHandshakeIgnoredMessages(t *testing.T) {
	t.Run("within limit", func(t *testing.T) {
		p, remote := newTestPeer(t, &peer.Config{
			MaxIgnoredHandshakeMessages: 2,
		})

		errc := make(chan error, 1)
		go func() {
			if _, err := remote.readVersion(); err != nil {
				errc <- err
				return
			}
			for i := 0; i < 4; i++ {
				err := remote.writeUnknown("sendcmpct", []byte{0, 1})
				if err != nil {
					errc <- err
					return
				}
			}
			for i := 0; i < 2; i++ {
				if err := remote.write(wire.NewMsgGetAddr()); err != nil {
					errc <- err
					return
				}
			}
			if err := remote.write(remote.versionMsg(9)); err != nil {
				errc <- err
				return
			}
			if _, err := remote.read(); err != nil {
				errc <- err
				return
			}
			errc <- remote.write(wire.NewMsgVerAck())
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Connect(ctx))
		require.NoError(t, <-errc)
	})

	t.Run("over limit", func(t *testing.T) {
		p, remote := newTestPeer(t, &peer.Config{
			MaxIgnoredHandshakeMessages: 2,
		})

		errc := make(chan error, 1)
		go func() {
			if _, err := remote.readVersion(); err != nil {
				errc <- err
				return
			}
			for i := 0; i < 3; i++ {
				if err := remote.write(wire.NewMsgGetAddr()); err != nil {
					errc <- err
					return
				}
			}
			errc <- nil
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := p.Connect(ctx)
		require.NoError(t, <-errc)

		var protoErr *peer.ProtocolError
		require.ErrorAs(t, err, &protoErr)
		p.WaitForDisconnect()
		require.Equal(t, peer.ReasonProtocolViolation, p.CloseReason())
	})
}

// TestHandshakeAnswersPing ensures pings sent before the handshake completes
// are answered and never count toward the ignored message limit.
func TestHandshakeAnswersPing(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{
		MaxIgnoredHandshakeMessages: 1,
	})

	errc := make(chan error, 1)
	go func() {
		if _, err := remote.readVersion(); err != nil {
			errc <- err
			return
		}
		for nonce := uint64(1); nonce <= 3; nonce++ {
			if err := remote.write(wire.NewMsgPing(nonce)); err != nil {
				errc <- err
				return
			}
			msg, err := remote.read()
			if err != nil {
				errc <- err
				return
			}
			pong, ok := msg.(*wire.MsgPong)
			if !ok {
				errc <- errors.New("expected pong, got " + msg.Command())
				return
			}
			if pong.Nonce != nonce {
				errc <- errors.New("pong nonce mismatch")
				return
			}
		}
		if err := remote.write(remote.versionMsg(9)); err != nil {
			errc <- err
			return
		}
		if _, err := remote.read(); err != nil {
			errc <- err
			return
		}
		errc <- remote.write(wire.NewMsgVerAck())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, <-errc)
	require.True(t, p.Connected())
}

// TestHandshakeTimeout ensures a remote node that never answers the version
// message is closed once the handshake timeout passes.
func TestHandshakeTimeout(t *testing.T) {
	tickSignal := make(chan time.Duration, 4)
	testClock := clock.NewTestClockWithTickSignal(testTime, tickSignal)

	p, remote := newTestPeer(t, &peer.Config{
		HandshakeTimeout: 10 * time.Second,
		Clock:            testClock,
	})

	go func() { _, _ = remote.readVersion() }()

	connectErr := make(chan error, 1)
	go func() { connectErr <- p.Connect(context.Background()) }()

	require.Equal(t, 10*time.Second, <-tickSignal)
	testClock.SetTime(testTime.Add(11 * time.Second))

	select {
	case err := <-connectErr:
		require.ErrorIs(t, err, peer.ErrHandshakeTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not time out")
	}
	p.WaitForDisconnect()
	require.Equal(t, peer.ReasonHandshakeTimeout, p.CloseReason())
}

// TestConnectDialError ensures a failed dial closes the peer.
func TestConnectDialError(t *testing.T) {
	dialErr := errors.New("connection refused")
	cfg := &peer.Config{
		ChainParams: &chaincfg.SigNetParams,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, dialErr
		},
	}
	p, err := peer.NewOutboundPeer(cfg, testPeerAddr)
	require.NoError(t, err)

	err = p.Connect(context.Background())
	var de *peer.DialError
	require.ErrorAs(t, err, &de)
	require.ErrorIs(t, err, dialErr)
	require.Equal(t, testPeerAddr, de.Addr)
	require.Equal(t, peer.StateClosed, p.State())
	require.Equal(t, peer.ReasonConnectError, p.CloseReason())
	p.WaitForDisconnect()
}

// TestNewOutboundPeerBadAddr ensures malformed addresses are rejected.
func TestNewOutboundPeerBadAddr(t *testing.T) {
	for _, addr := range []string{"10.0.0.1", "10.0.0.1:port", "10.0.0.1:70000"} {
		_, err := peer.NewOutboundPeer(&peer.Config{}, addr)
		require.Error(t, err, addr)
	}
}

// TestReceive ensures messages are delivered in order, unknown commands are
// skipped and pings are answered without reaching the caller.
func TestReceive(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	connect(t, p, remote)

	headers := wire.NewMsgHeaders()
	hdr := wire.BlockHeader{Version: 1, Bits: 0x1e0377ae, Nonce: 9}
	require.NoError(t, headers.AddBlockHeader(&hdr))

	pongs := make(chan *wire.MsgPong, 1)
	errc := make(chan error, 1)
	go func() {
		if err := remote.write(wire.NewMsgPing(77)); err != nil {
			errc <- err
			return
		}
		if err := remote.writeUnknown("feefilter", make([]byte, 8)); err != nil {
			errc <- err
			return
		}
		if err := remote.write(wire.NewMsgGetAddr()); err != nil {
			errc <- err
			return
		}
		if err := remote.write(headers); err != nil {
			errc <- err
			return
		}
		msg, err := remote.read()
		if err != nil {
			errc <- err
			return
		}
		pong, ok := msg.(*wire.MsgPong)
		if !ok {
			errc <- errors.New("expected pong, got " + msg.Command())
			return
		}
		pongs <- pong
		errc <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := p.Receive(ctx)
	require.NoError(t, err)
	require.IsType(t, &wire.MsgGetAddr{}, msg)

	msg, err = p.Receive(ctx)
	require.NoError(t, err)
	got, ok := msg.(*wire.MsgHeaders)
	require.True(t, ok)
	require.Len(t, got.Headers, 1)
	require.Equal(t, hdr.BlockHash(), got.Headers[0].BlockHash())

	require.NoError(t, <-errc)
	require.Equal(t, uint64(77), (<-pongs).Nonce)
}

// TestReceiveAfterClose ensures Receive reports a closed peer and honors its
// context.
func TestReceiveAfterClose(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	connect(t, p, remote)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err := p.Receive(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Disconnect()
	p.WaitForDisconnect()

	_, err = p.Receive(context.Background())
	require.ErrorIs(t, err, peer.ErrPeerClosed)
	require.Equal(t, peer.StateClosed, p.State())
	require.Equal(t, peer.ReasonShutdown, p.CloseReason())
	require.NoError(t, p.CloseErr())
	require.False(t, p.Connected())

	// Sending on a closed peer reports it without blocking.
	err = p.SendMessage(context.Background(), wire.NewMsgGetAddr())
	require.ErrorIs(t, err, peer.ErrPeerClosed)
}

// TestReceiveDropsBufferedAfterClose ensures messages still queued when the
// peer closes are not delivered.
func TestReceiveDropsBufferedAfterClose(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	connect(t, p, remote)

	// The pong proves the getaddr ahead of it was queued.
	require.NoError(t, remote.write(wire.NewMsgGetAddr()))
	require.NoError(t, remote.write(wire.NewMsgPing(5)))
	msg, err := remote.read()
	require.NoError(t, err)
	require.IsType(t, &wire.MsgPong{}, msg)

	p.Disconnect()
	p.WaitForDisconnect()

	for i := 0; i < 3; i++ {
		_, err = p.Receive(context.Background())
		require.ErrorIs(t, err, peer.ErrPeerClosed)
	}
}

// TestSendMessage ensures SendMessage returns once the message was written.
func TestSendMessage(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	connect(t, p, remote)

	received := make(chan wire.Message, 1)
	go func() {
		msg, err := remote.read()
		if err == nil {
			received <- msg
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.SendMessage(ctx, wire.NewMsgGetAddr()))
	require.IsType(t, &wire.MsgGetAddr{}, <-received)
}

// TestPushGetHeaders ensures getheaders requests carry the locator and that
// back-to-back duplicates are filtered.
func TestPushGetHeaders(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	connect(t, p, remote)

	first := blockchain.BlockLocator{
		&chainhash.Hash{0x01}, &chainhash.Hash{0x02},
	}
	second := blockchain.BlockLocator{&chainhash.Hash{0x03}}

	require.NoError(t, p.PushGetHeadersMsg(first, nil))
	require.NoError(t, p.PushGetHeadersMsg(first, nil))
	require.NoError(t, p.PushGetHeadersMsg(second, nil))

	for _, want := range []blockchain.BlockLocator{first, second} {
		msg, err := remote.read()
		require.NoError(t, err)
		getHeaders, ok := msg.(*wire.MsgGetHeaders)
		require.True(t, ok, msg.Command())
		require.Equal(t, []*chainhash.Hash(want),
			getHeaders.BlockLocatorHashes)
		require.Equal(t, chainhash.Hash{}, getHeaders.HashStop)
	}
}

// TestPingPong ensures pings are sent on the ping ticker and the round trip
// time of the matching pong is recorded.
func TestPingPong(t *testing.T) {
	testClock := clock.NewTestClock(testTime)
	pingTicker := ticker.NewForce(time.Hour)

	p, remote := newTestPeer(t, &peer.Config{
		Clock:      testClock,
		PingTicker: pingTicker,
	})
	connect(t, p, remote)

	pingTicker.Force <- testTime

	msg, err := remote.read()
	require.NoError(t, err)
	ping, ok := msg.(*wire.MsgPing)
	require.True(t, ok, msg.Command())

	testClock.SetTime(testTime.Add(250 * time.Millisecond))

	// A pong with the wrong nonce is ignored.
	require.NoError(t, remote.write(wire.NewMsgPong(ping.Nonce+1)))
	require.NoError(t, remote.write(wire.NewMsgPong(ping.Nonce)))

	require.Eventually(t, func() bool {
		return p.LastPingMicros() == 250000
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, peer.StateReady, p.State())
}

// TestUnresponsivePeer ensures a ping that goes unanswered past the pong
// timeout closes the peer.
func TestUnresponsivePeer(t *testing.T) {
	tickSignal := make(chan time.Duration, 4)
	testClock := clock.NewTestClockWithTickSignal(testTime, tickSignal)
	pingTicker := ticker.NewForce(time.Hour)

	p, remote := newTestPeer(t, &peer.Config{
		Clock:       testClock,
		PingTicker:  pingTicker,
		PongTimeout: 20 * time.Second,
	})
	connect(t, p, remote)

	// The handshake timer was registered first.
	require.Equal(t, peer.DefaultHandshakeTimeout, <-tickSignal)

	pingTicker.Force <- testTime
	msg, err := remote.read()
	require.NoError(t, err)
	require.IsType(t, &wire.MsgPing{}, msg)
	require.Equal(t, 20*time.Second, <-tickSignal)

	testClock.SetTime(testTime.Add(21 * time.Second))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("unresponsive peer was not closed")
	}
	p.WaitForDisconnect()
	require.Equal(t, peer.ReasonUnresponsive, p.CloseReason())
	require.ErrorIs(t, p.CloseErr(), peer.ErrUnresponsive)
}

// TestHandshakeMessageAfterReady ensures a repeated verack from a ready peer
// is a protocol violation.
func TestHandshakeMessageAfterReady(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	connect(t, p, remote)

	require.NoError(t, remote.write(wire.NewMsgVerAck()))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer was not closed")
	}
	p.WaitForDisconnect()
	require.Equal(t, peer.ReasonProtocolViolation, p.CloseReason())
}

// TestRemoteDisconnect ensures the remote side going away is reported as a
// transport error.
func TestRemoteDisconnect(t *testing.T) {
	p, remote := newTestPeer(t, &peer.Config{})
	connect(t, p, remote)

	require.NoError(t, remote.conn.Close())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer was not closed")
	}
	p.WaitForDisconnect()
	require.Equal(t, peer.ReasonTransportError, p.CloseReason())
	require.Error(t, p.CloseErr())
}
