// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"pgregory.net/rapid"
)

func drawHash(t *rapid.T, label string) chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], rapid.SliceOfN(rapid.Byte(), chainhash.HashSize,
		chainhash.HashSize).Draw(t, label))
	return h
}

func drawBlockHeader(t *rapid.T) *BlockHeader {
	return &BlockHeader{
		Version:    rapid.Int32().Draw(t, "version"),
		PrevBlock:  drawHash(t, "prev"),
		MerkleRoot: drawHash(t, "merkle"),
		Timestamp:  time.Unix(int64(rapid.Uint32().Draw(t, "time")), 0),
		Bits:       rapid.Uint32().Draw(t, "bits"),
		Nonce:      rapid.Uint32().Draw(t, "nonce"),
	}
}

func drawNetAddress(t *rapid.T, withTime bool) NetAddress {
	ip := net.IPv4(rapid.Byte().Draw(t, "a"), rapid.Byte().Draw(t, "b"),
		rapid.Byte().Draw(t, "c"), rapid.Byte().Draw(t, "d"))
	na := NetAddress{
		Services: ServiceFlag(rapid.Uint64().Draw(t, "services")),
		IP:       ip,
		Port:     rapid.Uint16().Draw(t, "port"),
	}
	if withTime {
		na.Timestamp = time.Unix(int64(rapid.Uint32().Draw(t, "ts")), 0)
	}
	return na
}

// drawMessage generates an arbitrary instance of one of the supported
// messages.
func drawMessage(t *rapid.T) Message {
	switch rapid.IntRange(0, 8).Draw(t, "kind") {
	case 0:
		return &MsgVersion{
			ProtocolVersion: rapid.Int32().Draw(t, "pver"),
			Services:        ServiceFlag(rapid.Uint64().Draw(t, "svc")),
			Timestamp: time.Unix(rapid.Int64Range(0,
				1<<40).Draw(t, "ts"), 0),
			AddrYou:        drawNetAddress(t, false),
			AddrMe:         drawNetAddress(t, false),
			Nonce:          rapid.Uint64().Draw(t, "nonce"),
			UserAgent:      rapid.StringN(0, 64, MaxUserAgentLen).Draw(t, "ua"),
			LastBlock:      rapid.Int32().Draw(t, "last"),
			DisableRelayTx: rapid.Bool().Draw(t, "norelay"),
		}
	case 1:
		return NewMsgVerAck()
	case 2:
		return NewMsgGetAddr()
	case 3:
		msg := NewMsgAddr()
		n := rapid.IntRange(0, 8).Draw(t, "naddrs")
		for i := 0; i < n; i++ {
			na := drawNetAddress(t, true)
			msg.AddAddress(&na)
		}
		return msg
	case 4:
		msg := NewMsgGetHeaders()
		msg.ProtocolVersion = rapid.Uint32().Draw(t, "pver")
		n := rapid.IntRange(0, 32).Draw(t, "nlocators")
		for i := 0; i < n; i++ {
			h := drawHash(t, "locator")
			msg.AddBlockLocatorHash(&h)
		}
		msg.HashStop = drawHash(t, "stop")
		return msg
	case 5:
		msg := NewMsgHeaders()
		n := rapid.IntRange(0, 16).Draw(t, "nheaders")
		for i := 0; i < n; i++ {
			msg.AddBlockHeader(drawBlockHeader(t))
		}
		return msg
	case 6:
		return NewMsgPing(rapid.Uint64().Draw(t, "nonce"))
	case 7:
		return NewMsgPong(rapid.Uint64().Draw(t, "nonce"))
	default:
		return NewMsgReject(CmdHeaders,
			RejectCode(rapid.Uint8().Draw(t, "code")),
			rapid.String().Draw(t, "reason"))
	}
}

// TestEncodeDecodeRoundTrip ensures every supported message decodes back to
// an identical value and consumes exactly the bytes it encoded to.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := drawMessage(t)
		btcnet := rapid.SampledFrom([]BitcoinNet{MainNet, TestNet,
			TestNet3, SigNet}).Draw(t, "net")

		encoded, err := Encode(msg, ProtocolVersion, btcnet)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		again, err := Encode(msg, ProtocolVersion, btcnet)
		if err != nil || !reflect.DeepEqual(encoded, again) {
			t.Fatalf("Encode is not deterministic")
		}

		decoded, consumed, err := Decode(encoded, ProtocolVersion, btcnet)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if consumed != len(encoded) {
			t.Fatalf("Decode consumed %d of %d bytes", consumed,
				len(encoded))
		}
		if !reflect.DeepEqual(msg, decoded) {
			t.Fatalf("round trip mismatch\n got: %s want: %s",
				spew.Sdump(decoded), spew.Sdump(msg))
		}
	})
}

// TestDecodeArbitraryBytes ensures arbitrary input never panics and only
// yields the documented error classes.
func TestDecodeArbitraryBytes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "b")
		_, consumed, err := Decode(b, ProtocolVersion, MainNet)
		if err == nil {
			if consumed < MessageHeaderSize || consumed > len(b) {
				t.Fatalf("bad consumed count %d", consumed)
			}
			return
		}

		var msgErr *MessageError
		switch {
		case errors.Is(err, ErrIncompleteMessage):
		case errors.Is(err, ErrUnknownMessage):
		case errors.As(err, &msgErr):
		default:
			t.Fatalf("unexpected error class %v <%T>", err, err)
		}
	})
}
