// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/stretchr/testify/require"
)

func TestBigToCompact(t *testing.T) {
	tests := []struct {
		in  int64
		out uint32
	}{
		{0, 0},
		{-1, 25231360},
	}

	for x, test := range tests {
		n := big.NewInt(test.in)
		r := BigToCompact(n)
		if r != test.out {
			t.Errorf("TestBigToCompact test #%d failed: got %d want %d\n",
				x, r, test.out)
			return
		}
	}
}

func TestCompactToBig(t *testing.T) {
	tests := []struct {
		in  uint32
		out int64
	}{
		{10000000, 0},
		{0x01123456, 0x12},
		{0x03123456, 0x123456},
		{0x04123456, 0x12345600},
		{0x04923456, -0x12345600},
	}

	for x, test := range tests {
		n := CompactToBig(test.in)
		want := big.NewInt(test.out)
		if n.Cmp(want) != 0 {
			t.Errorf("TestCompactToBig test #%d failed: got %d want %d\n",
				x, n.Int64(), want.Int64())
			return
		}
	}
}

func TestCompactRoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1d00ffff, 0x1e0377ae, 0x207fffff,
		0x1c0ffff0, 0x1b0404cb} {

		if got := BigToCompact(CompactToBig(bits)); got != bits {
			t.Errorf("round trip of %08x got %08x", bits, got)
		}
	}
}

func TestCalcWork(t *testing.T) {
	tests := []struct {
		in  uint32
		out int64
	}{
		{10000000, 0},
		{0x207fffff, 2},
		{0x1d00ffff, 0x100010001},
	}

	for x, test := range tests {
		bits := uint32(test.in)

		r := CalcWork(bits)
		if r.Int64() != test.out {
			t.Errorf("TestCalcWork test #%d failed: got %v want %d\n",
				x, r.Int64(), test.out)
			return
		}
	}
}

// retargetParams returns main network parameters that retarget every ten
// blocks of ten minutes.
func retargetParams() *chaincfg.Params {
	params := chaincfg.MainNetParams
	params.TargetTimespan = 100 * time.Minute
	params.Checkpoints = nil
	return &params
}

// buildUnchecked appends count headers with the given bits and spacing on top
// of the genesis block without validation and returns the tip slot.
func buildUnchecked(chain *HeaderChain, count int, bits uint32,
	spacing time.Duration) int32 {

	slot := chain.bestChain.tip()
	prev := chain.index.node(slot).header
	for i := 0; i < count; i++ {
		header := wire.BlockHeader{
			Version:   1,
			PrevBlock: prev.BlockHash(),
			Timestamp: prev.Timestamp.Add(spacing),
			Bits:      bits,
		}
		slot = appendUnchecked(chain, slot, &header)
		prev = header
	}
	return slot
}

// TestCalcNextRequiredDifficulty ensures the retarget rules produce the
// expected compact targets.
func TestCalcNextRequiredDifficulty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  func() *chaincfg.Params
		count   int
		bits    uint32
		spacing time.Duration
		delay   time.Duration
		want    uint32
	}{{
		name:    "no retarget keeps bits",
		params:  retargetParams,
		count:   5,
		bits:    0x1c0ffff0,
		spacing: 10 * time.Minute,
		want:    0x1c0ffff0,
	}, {
		name:    "retarget slightly fast",
		params:  retargetParams,
		count:   9,
		bits:    0x1d00ffff,
		spacing: 10 * time.Minute,
		want:    0x1d00e665,
	}, {
		name:    "retarget clamped fast",
		params:  retargetParams,
		count:   9,
		bits:    0x1d00ffff,
		spacing: time.Minute,
		want:    0x1c3fffc0,
	}, {
		name:    "retarget clamped slow",
		params:  retargetParams,
		count:   9,
		bits:    0x1c0ffff0,
		spacing: 100 * time.Minute,
		want:    0x1c3fffc0,
	}, {
		name:    "retarget capped at limit",
		params:  retargetParams,
		count:   9,
		bits:    0x1d00ffff,
		spacing: 100 * time.Minute,
		want:    0x1d00ffff,
	}, {
		name: "no retargeting network",
		params: func() *chaincfg.Params {
			params := retargetParams()
			params.PoWNoRetargeting = true
			return params
		},
		count:   9,
		bits:    0x1c0ffff0,
		spacing: time.Minute,
		want:    0x1c0ffff0,
	}, {
		name: "min difficulty after delay",
		params: func() *chaincfg.Params {
			params := retargetParams()
			params.ReduceMinDifficulty = true
			params.MinDiffReductionTime = 20 * time.Minute
			return params
		},
		count:   5,
		bits:    0x1c0ffff0,
		spacing: 10 * time.Minute,
		delay:   21 * time.Minute,
		want:    0x1d00ffff,
	}, {
		name: "min difficulty within delay",
		params: func() *chaincfg.Params {
			params := retargetParams()
			params.ReduceMinDifficulty = true
			params.MinDiffReductionTime = 20 * time.Minute
			return params
		},
		count:   5,
		bits:    0x1c0ffff0,
		spacing: 10 * time.Minute,
		delay:   20 * time.Minute,
		want:    0x1c0ffff0,
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			chain, err := New(&Config{ChainParams: test.params()})
			require.NoError(t, err)
			require.Equal(t, int32(10), chain.blocksPerRetarget)

			tip := buildUnchecked(chain, test.count, test.bits,
				test.spacing)
			next := chain.index.node(tip).header.Timestamp.Add(
				test.delay)
			got, err := chain.calcNextRequiredDifficulty(tip, next)
			require.NoError(t, err)
			require.Equalf(t, test.want, got, "got %08x want %08x",
				got, test.want)

			exported, err := chain.CalcNextRequiredDifficulty(next)
			require.NoError(t, err)
			require.Equal(t, got, exported)
		})
	}
}

// TestFindPrevTestNetDifficulty ensures headers mined under the minimum
// difficulty rule are skipped when looking for the last real difficulty.
func TestFindPrevTestNetDifficulty(t *testing.T) {
	t.Parallel()

	params := retargetParams()
	params.ReduceMinDifficulty = true
	params.MinDiffReductionTime = 20 * time.Minute
	chain, err := New(&Config{ChainParams: params})
	require.NoError(t, err)

	buildUnchecked(chain, 3, 0x1c0ffff0, 10*time.Minute)
	tip := buildUnchecked(chain, 4, params.PowLimitBits, 30*time.Minute)
	require.Equal(t, uint32(0x1c0ffff0), chain.findPrevTestNetDifficulty(tip))

	// Nothing but minimum difficulty back to the retarget boundary.
	fresh, err := New(&Config{ChainParams: params})
	require.NoError(t, err)
	tip = buildUnchecked(fresh, 4, params.PowLimitBits, 30*time.Minute)
	require.Equal(t, params.PowLimitBits, fresh.findPrevTestNetDifficulty(tip))
}
