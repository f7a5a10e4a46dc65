// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/wire"
)

// genesisMerkleRoot is the hash of the first transaction in the genesis block
// for the main network.  Every default network shares the same coinbase.
var genesisMerkleRoot = chainhash.Hash([chainhash.HashSize]byte{ // Make go vet happy.
	0x3b, 0xa3, 0xed, 0xfd, 0x7a, 0x7b, 0x12, 0xb2,
	0x7a, 0xc7, 0x2c, 0x3e, 0x67, 0x76, 0x8f, 0x61,
	0x7f, 0xc8, 0x1b, 0xc3, 0x88, 0x8a, 0x51, 0x32,
	0x3a, 0x9f, 0xb8, 0xaa, 0x4b, 0x1e, 0x5e, 0x4a,
})

// genesisHeader defines the genesis block header of the block chain which
// serves as the public transaction ledger for the main network.
var genesisHeader = wire.BlockHeader{
	Version:    1,
	PrevBlock:  chainhash.Hash{},         // 0000000000000000000000000000000000000000000000000000000000000000
	MerkleRoot: genesisMerkleRoot,        // 4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b
	Timestamp:  time.Unix(0x495fab29, 0), // 2009-01-03 18:15:05 +0000 UTC
	Bits:       0x1d00ffff,               // 486604799 [00000000ffff0000000000000000000000000000000000000000000000000000]
	Nonce:      0x7c2bac1d,               // 2083236893
}

// genesisHash is the hash of the first block in the block chain for the main
// network (genesis block).
var genesisHash = *newHashFromStr("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f")

// regTestGenesisHeader defines the genesis block header of the block chain
// which serves as the public transaction ledger for the regression test
// network.
var regTestGenesisHeader = wire.BlockHeader{
	Version:    1,
	PrevBlock:  chainhash.Hash{},         // 0000000000000000000000000000000000000000000000000000000000000000
	MerkleRoot: genesisMerkleRoot,        // 4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b
	Timestamp:  time.Unix(1296688602, 0), // 2011-02-02 23:16:42 +0000 UTC
	Bits:       0x207fffff,               // 545259519 [7fffff0000000000000000000000000000000000000000000000000000000000]
	Nonce:      2,
}

// regTestGenesisHash is the hash of the first block in the block chain for the
// regression test network (genesis block).
var regTestGenesisHash = *newHashFromStr("0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206")

// testNet3GenesisHeader defines the genesis block header of the block chain
// which serves as the public transaction ledger for the test network (version
// 3).
var testNet3GenesisHeader = wire.BlockHeader{
	Version:    1,
	PrevBlock:  chainhash.Hash{},         // 0000000000000000000000000000000000000000000000000000000000000000
	MerkleRoot: genesisMerkleRoot,        // 4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b
	Timestamp:  time.Unix(1296688602, 0), // 2011-02-02 23:16:42 +0000 UTC
	Bits:       0x1d00ffff,               // 486604799 [00000000ffff0000000000000000000000000000000000000000000000000000]
	Nonce:      0x18aea41a,               // 414098458
}

// testNet3GenesisHash is the hash of the first block in the block chain for the
// test network (version 3).
var testNet3GenesisHash = *newHashFromStr("000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943")

// sigNetGenesisHeader defines the genesis block header of the block chain
// which serves as the public transaction ledger for the signet test network.
var sigNetGenesisHeader = wire.BlockHeader{
	Version:    1,
	PrevBlock:  chainhash.Hash{},         // 0000000000000000000000000000000000000000000000000000000000000000
	MerkleRoot: genesisMerkleRoot,        // 4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b
	Timestamp:  time.Unix(1598918400, 0), // 2020-09-01 00:00:00 +0000 UTC
	Bits:       0x1e0377ae,               // 503543726 [00000377ae000000000000000000000000000000000000000000000000000000]
	Nonce:      52613770,
}

// sigNetGenesisHash is the hash of the first block in the block chain for the
// signet test network.
var sigNetGenesisHash = *newHashFromStr("00000008819873e925422c1ff0f99f7cc9bbb232af63a077a480a3633bee1ef6")
