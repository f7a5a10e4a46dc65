// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const (
	// easyBits is the compact target used by the test genesis.  Roughly
	// every other nonce satisfies it.
	easyBits = 0x207fffff

	// blockSpacing is the timestamp distance between generated headers.
	blockSpacing = 10 * time.Minute
)

// easyParams returns a copy of the signet parameters whose genesis and proof
// of work limit are replaced with an easy target so headers can be solved in
// tests quickly.
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
	params.Checkpoints = nil
	return &params
}

// testClockFor returns a test clock far enough past the genesis timestamp of
// the params that a month of generated headers is not in the future.
func testClockFor(params *chaincfg.Params) *clock.TestClock {
	return clock.NewTestClock(params.GenesisHeader.Timestamp.Add(
		30 * 24 * time.Hour))
}

// newTestChain returns a header chain for the params driven by a test clock.
func newTestChain(t *testing.T, params *chaincfg.Params) (*HeaderChain,
	*clock.TestClock) {

	t.Helper()

	testClock := testClockFor(params)
	chain, err := New(&Config{
		ChainParams: params,
		Clock:       testClock,
	})
	require.NoError(t, err)
	return chain, testClock
}

// solveHeader increments the nonce of the header until its hash satisfies the
// target encoded by its bits.
func solveHeader(header *wire.BlockHeader) {
	target := CompactToBig(header.Bits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
	}
}

// unsolveHeader increments the nonce of the header until its hash is above
// the target encoded by its bits.
func unsolveHeader(header *wire.BlockHeader) {
	target := CompactToBig(header.Bits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if HashToBig(&hash).Cmp(target) > 0 {
			return
		}
	}
}

// nextHeader returns a solved child of parent.  The tag is written into the
// merkle root so sibling headers generated with different tags never collide.
func nextHeader(parent *wire.BlockHeader, tag uint32) wire.BlockHeader {
	var merkle chainhash.Hash
	binary.LittleEndian.PutUint32(merkle[:], tag)
	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  parent.BlockHash(),
		MerkleRoot: merkle,
		Timestamp:  parent.Timestamp.Add(blockSpacing),
		Bits:       parent.Bits,
	}
	solveHeader(&header)
	return header
}

// makeBranch returns n solved headers extending parent.
func makeBranch(parent *wire.BlockHeader, n int, tag uint32) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, 0, n)
	prev := parent
	for i := 0; i < n; i++ {
		headers = append(headers, nextHeader(prev, tag))
		prev = &headers[len(headers)-1]
	}
	return headers
}

// insertAll inserts every header and fails the test on the first error.
func insertAll(t *testing.T, chain *HeaderChain, headers []wire.BlockHeader) {
	t.Helper()

	for i := range headers {
		_, err := chain.Insert(&headers[i])
		require.NoError(t, err, "header %d", i)
	}
}

// requireRuleError asserts err is a RuleError with the given code.
func requireRuleError(t require.TestingT, err error, code ErrorCode) {
	var rerr RuleError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, code, rerr.ErrorCode, rerr.Description)
}

// appendUnchecked adds the header to the index on top of the node in the
// given slot without any validation and makes it the best tip.
func appendUnchecked(chain *HeaderChain, parent int32,
	header *wire.BlockHeader) int32 {

	slot := chain.index.addNode(header, header.BlockHash(), parent)
	chain.bestChain.setTip(slot)
	return slot
}
