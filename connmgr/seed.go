// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"fmt"
	mrand "math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/wire"
)

const (
	// These constants are used by the DNS seed code to pick a random last
	// seen time.
	secondsIn3Days int32 = 24 * 60 * 60 * 3
	secondsIn4Days int32 = 24 * 60 * 60 * 4
)

// OnSeed is the signature of the callback function which is invoked when DNS
// seeding is succesfull.
type OnSeed func(addrs []*wire.NetAddress)

// LookupFunc is the signature of the DNS lookup function.
type LookupFunc func(string) ([]net.IP, error)

// seedHost returns the host to query for a seed, asking seeds that support it
// to filter by the required services.
func seedHost(seed chaincfg.DNSSeed, reqServices wire.ServiceFlag) string {
	if !seed.HasFiltering || reqServices == wire.SFNodeNetwork {
		return seed.Host
	}
	return fmt.Sprintf("x%x.%s", uint64(reqServices), seed.Host)
}

// SeedFromDNS uses DNS seeding to populate the peer store with peers.  Every
// seed is queried concurrently and seedFn is called once per seed that
// returned addresses.  The returned channel is closed when all lookups have
// finished.
func SeedFromDNS(chainParams *chaincfg.Params, reqServices wire.ServiceFlag,
	lookupFn LookupFunc, seedFn OnSeed) <-chan struct{} {

	var wg sync.WaitGroup
	for _, dnsseed := range chainParams.DNSSeeds {
		host := seedHost(dnsseed, reqServices)

		wg.Add(1)
		go func(host string) {
			defer wg.Done()

			randSource := mrand.New(mrand.NewSource(time.Now().UnixNano()))

			seedpeers, err := lookupFn(host)
			if err != nil {
				log.Infof("DNS discovery failed on seed %s: %v", host, err)
				return
			}
			numPeers := len(seedpeers)

			log.Infof("%d addresses found from DNS seed %s", numPeers, host)

			if numPeers == 0 {
				return
			}
			addresses := make([]*wire.NetAddress, len(seedpeers))
			// if this errors then we have *real* problems
			intPort, _ := strconv.Atoi(chainParams.DefaultPort)
			for i, peer := range seedpeers {
				addresses[i] = wire.NewNetAddressTimestamp(
					// bitcoind seeds with addresses from
					// a time randomly selected between 3
					// and 7 days ago.
					time.Now().Add(-1*time.Second*time.Duration(secondsIn3Days+
						randSource.Int31n(secondsIn4Days))),
					wire.SFNodeNetwork, peer, uint16(intPort))
			}

			seedFn(addresses)
		}(host)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
