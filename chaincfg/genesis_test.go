// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestGenesisHeaders ensures the genesis header of every default network
// hashes to the advertised genesis hash.
func TestGenesisHeaders(t *testing.T) {
	tests := []struct {
		name   string
		params *Params
		want   string
	}{
		{"mainnet", &MainNetParams, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"},
		{"testnet3", &TestNet3Params, "000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943"},
		{"regtest", &RegressionNetParams, "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206"},
		{"signet", &SigNetParams, "00000008819873e925422c1ff0f99f7cc9bbb232af63a077a480a3633bee1ef6"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			hash := test.params.GenesisHeader.BlockHash()
			require.Equal(t, test.want, hash.String())
			require.True(t, test.params.GenesisHash.IsEqual(&hash))
			require.Equal(t, test.params.PowLimitBits,
				test.params.GenesisHeader.Bits)
		})
	}
}
