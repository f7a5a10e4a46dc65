// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/database"
	"github.com/btcsuite/hdrsync/wire"
	"github.com/decred/dcrd/lru"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultBanDuration is how long a banned address is refused.
	DefaultBanDuration = 24 * time.Hour

	// defaultRetryAfter is the minimum time between two attempts to connect
	// to the same stored address.
	defaultRetryAfter = 10 * time.Minute

	// maxSeenAddrs is the number of announced addresses remembered so
	// repeated announcements do not hit the peer store.
	maxSeenAddrs = 2000
)

var (
	// ErrNoAddress is returned by GetNewAddress when no address can be
	// connected to right now.
	ErrNoAddress = errors.New("no address available")

	// Lookup looks up the host using the local resolver.
	Lookup LookupFunc = net.LookupIP
)

// HostAddr is a net.Addr for a host:port address that may carry a hostname
// instead of an IP.
type HostAddr string

// Network returns the network of the address.
func (a HostAddr) Network() string { return "tcp" }

// String returns the host:port form of the address.
func (a HostAddr) String() string { return string(a) }

// PeerStore is the persistence the address book keeps addresses in.  It is
// implemented by database.PeerStore.
type PeerStore interface {
	AddAddresses(addrs []*wire.NetAddress) (int, error)
	MarkAttempt(addrKey string, t time.Time) error
	MarkGood(addrKey string, t time.Time) error
	Remove(addrKey string) error
	Addresses() ([]*database.KnownAddress, error)
}

// AddrBookConfig holds the configuration of an AddrBook.
type AddrBookConfig struct {
	// ChainParams provides the DNS seeds and default port.
	ChainParams *chaincfg.Params

	// Store persists the known addresses.
	Store PeerStore

	// Lookup resolves DNS seeds.  Defaults to Lookup.
	Lookup LookupFunc

	// DisableSeeding turns DNS seeding off, for example when only the
	// configured peers may be used.
	DisableSeeding bool

	// RequiredServices are the services an address has to advertise to be
	// handed out.
	RequiredServices wire.ServiceFlag

	// BanDuration is how long banned addresses are refused.  Defaults to
	// DefaultBanDuration.
	BanDuration time.Duration

	// RetryAfter is the minimum time before a stored address is tried
	// again.  Defaults to ten minutes.
	RetryAfter time.Duration

	// Clock is the time source.  Defaults to the system clock.
	Clock clock.Clock
}

// AddrBook hands out addresses to connect to from the peer store, falling back
// to DNS seeding when the store runs dry.  It tracks which addresses are in
// use and which are banned.
type AddrBook struct {
	// The following variables must only be used atomically.
	seeding int32

	cfg  AddrBookConfig
	seen lru.Cache

	mtx    sync.Mutex
	inUse  map[string]struct{}
	banned map[string]time.Time
}

// NewAddrBook returns a new address book using the passed configuration.
func NewAddrBook(cfg *AddrBookConfig) *AddrBook {
	c := *cfg
	if c.Lookup == nil {
		c.Lookup = Lookup
	}
	if c.BanDuration <= 0 {
		c.BanDuration = DefaultBanDuration
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = defaultRetryAfter
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	return &AddrBook{
		cfg:    c,
		seen:   lru.NewCache(maxSeenAddrs),
		inUse:  make(map[string]struct{}),
		banned: make(map[string]time.Time),
	}
}

// isBanned returns whether the address is banned, forgetting expired bans.
//
// This function MUST be called with the mutex held.
func (a *AddrBook) isBanned(key string, now time.Time) bool {
	until, ok := a.banned[key]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(a.banned, key)
	return false
}

// GetNewAddress returns the best stored address that is neither in use,
// banned nor attempted too recently.  When there is none, DNS seeding is
// started in the background and ErrNoAddress is returned.
//
// This function is safe for concurrent access.
func (a *AddrBook) GetNewAddress() (net.Addr, error) {
	known, err := a.cfg.Store.Addresses()
	if err != nil {
		return nil, err
	}

	now := a.cfg.Clock.Now()

	a.mtx.Lock()
	var pick *database.KnownAddress
	for _, ka := range known {
		key := ka.Key()
		if _, ok := a.inUse[key]; ok {
			continue
		}
		if a.isBanned(key, now) {
			continue
		}
		if ka.Addr.Services&a.cfg.RequiredServices != a.cfg.RequiredServices {
			continue
		}
		if !ka.LastAttempt.IsZero() && now.Sub(ka.LastAttempt) < a.cfg.RetryAfter {
			continue
		}
		pick = ka
		a.inUse[key] = struct{}{}
		break
	}
	a.mtx.Unlock()

	if pick == nil {
		a.startSeeding()
		return nil, ErrNoAddress
	}

	if err := a.cfg.Store.MarkAttempt(pick.Key(), now); err != nil {
		log.Warnf("Unable to record attempt for %s: %v", pick.Key(), err)
	}
	return &net.TCPAddr{IP: pick.Addr.IP, Port: int(pick.Addr.Port)}, nil
}

// startSeeding queries the DNS seeds unless a query is already running.
func (a *AddrBook) startSeeding() {
	if a.cfg.DisableSeeding || len(a.cfg.ChainParams.DNSSeeds) == 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&a.seeding, 0, 1) {
		return
	}

	log.Debugf("Starting DNS seeding for %v", a.cfg.ChainParams.Name)
	done := SeedFromDNS(a.cfg.ChainParams, a.cfg.RequiredServices,
		a.cfg.Lookup, func(addrs []*wire.NetAddress) {
			a.AddAddresses(addrs)
		})
	go func() {
		<-done
		atomic.StoreInt32(&a.seeding, 0)
	}()
}

// AddAddresses adds addresses learned from seeds or addr messages to the peer
// store.  Addresses announced recently are skipped.  It returns the number of
// addresses that were new to the store.
//
// This function is safe for concurrent access.
func (a *AddrBook) AddAddresses(addrs []*wire.NetAddress) int {
	fresh := make([]*wire.NetAddress, 0, len(addrs))
	for _, na := range addrs {
		if na == nil || na.IP == nil {
			continue
		}
		key := na.Key()
		if a.seen.Contains(key) {
			continue
		}
		a.seen.Add(key)
		fresh = append(fresh, na)
	}
	if len(fresh) == 0 {
		return 0
	}

	added, err := a.cfg.Store.AddAddresses(fresh)
	if err != nil {
		log.Errorf("Unable to store %d addresses: %v", len(fresh), err)
		return 0
	}
	log.Debugf("Added %d new addresses (%d announced)", added, len(addrs))
	return added
}

// MarkInUse records that the address has a connection or pending connection
// so it is not handed out again.
//
// This function is safe for concurrent access.
func (a *AddrBook) MarkInUse(key string) {
	a.mtx.Lock()
	a.inUse[key] = struct{}{}
	a.mtx.Unlock()
}

// Release records that the address no longer has a connection.
//
// This function is safe for concurrent access.
func (a *AddrBook) Release(key string) {
	a.mtx.Lock()
	delete(a.inUse, key)
	a.mtx.Unlock()
}

// MarkGood records a successful handshake with the address.
//
// This function is safe for concurrent access.
func (a *AddrBook) MarkGood(key string) {
	if err := a.cfg.Store.MarkGood(key, a.cfg.Clock.Now()); err != nil {
		log.Warnf("Unable to record success for %s: %v", key, err)
	}
}

// Ban refuses the address for the configured ban duration and removes it
// from the peer store.
//
// This function is safe for concurrent access.
func (a *AddrBook) Ban(key string) {
	a.mtx.Lock()
	a.banned[key] = a.cfg.Clock.Now().Add(a.cfg.BanDuration)
	a.mtx.Unlock()

	log.Infof("Banned %s for %v", key, a.cfg.BanDuration)
	if err := a.cfg.Store.Remove(key); err != nil {
		log.Warnf("Unable to remove banned address %s: %v", key, err)
	}
}

// IsBanned returns whether the address is currently banned.
//
// This function is safe for concurrent access.
func (a *AddrBook) IsBanned(key string) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.isBanned(key, a.cfg.Clock.Now())
}

// NormalizeAddress returns addr with the default port of the network added
// when it has none.
func NormalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// AddrKey returns the key addresses handed out by the address book are
// tracked under.  It matches wire.NetAddress.Key for IP addresses.
func AddrKey(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return net.JoinHostPort(tcpAddr.IP.String(),
			strconv.Itoa(tcpAddr.Port))
	}
	return addr.String()
}
