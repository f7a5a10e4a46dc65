// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/time/rate"
)

// maxFailedAttempts is the maximum number of successive failed connection
// attempts after which network failure is assumed and new connections will
// be delayed by the configured retry duration.
const maxFailedAttempts = 25

var (
	//ErrDialNil is used to indicate that Dial cannot be nil in the configuration.
	ErrDialNil = errors.New("Config: Dial cannot be nil")

	// defaultMaxRetryDuration is the default max duration of time retrying
	// of a persistent connection is allowed to grow to.  This is necessary
	// since the retry logic uses a backoff mechanism which doubles the
	// interval with every retry.
	defaultMaxRetryDuration = time.Minute * 5

	// defaultRetryDuration is the default duration of time for retrying
	// persistent connections.
	defaultRetryDuration = time.Second * 5

	// defaultTargetOutbound is the default number of outbound connections to
	// maintain.
	defaultTargetOutbound = uint32(8)

	// defaultAttemptInterval is the default minimum time between two new
	// connection attempts.
	defaultAttemptInterval = time.Second

	// defaultRotateInterval is the default interval at which connections
	// are checked against the maximum connection time.
	defaultRotateInterval = time.Minute
)

// ConnState represents the state of the requested connection.
type ConnState uint8

// ConnState can be either pending, established, disconnected or failed.  When
// a new connection is requested, it is attempted and categorized as
// established or failed depending on the connection result.  An established
// connection which was disconnected is categorized as disconnected.
const (
	ConnPending ConnState = iota
	ConnFailing
	ConnCanceled
	ConnEstablished
	ConnDisconnected
)

// Map of ConnState values back to their constant names for pretty printing.
var connStateStrings = map[ConnState]string{
	ConnPending:      "ConnPending",
	ConnFailing:      "ConnFailing",
	ConnCanceled:     "ConnCanceled",
	ConnEstablished:  "ConnEstablished",
	ConnDisconnected: "ConnDisconnected",
}

// String returns the ConnState in human-readable form.
func (s ConnState) String() string {
	if str, ok := connStateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown ConnState (%d)", uint8(s))
}

// ConnReq is the connection request to a network address. If permanent, the
// connection will be retried on disconnection.
type ConnReq struct {
	// The following variables must only be used atomically.
	id uint64

	Addr      net.Addr
	Permanent bool

	conn       net.Conn
	connTime   time.Time
	state      ConnState
	stateMtx   sync.RWMutex
	retryCount uint32
}

// updateState updates the state of the connection request.
func (c *ConnReq) updateState(state ConnState) {
	c.stateMtx.Lock()
	c.state = state
	c.stateMtx.Unlock()
}

// ID returns a unique identifier for the connection request.
func (c *ConnReq) ID() uint64 {
	return atomic.LoadUint64(&c.id)
}

// State is the connection state of the requested connection.
func (c *ConnReq) State() ConnState {
	c.stateMtx.RLock()
	state := c.state
	c.stateMtx.RUnlock()
	return state
}

// String returns a human-readable string for the connection request.
func (c *ConnReq) String() string {
	if c.Addr == nil || c.Addr.String() == "" {
		return fmt.Sprintf("reqid %d", atomic.LoadUint64(&c.id))
	}
	return fmt.Sprintf("%s (reqid %d)", c.Addr, atomic.LoadUint64(&c.id))
}

// Config holds the configuration options related to the connection manager.
type Config struct {
	// TargetOutbound is the number of outbound network connections to
	// maintain. Defaults to 8.
	TargetOutbound uint32

	// RetryDuration is the duration to wait before the first retry of a
	// connection request.  Every further retry doubles the wait up to
	// MaxRetryDuration.  Defaults to 5s.
	RetryDuration time.Duration

	// MaxRetryDuration caps the retry backoff.  Defaults to 5m.
	MaxRetryDuration time.Duration

	// MaxConnTime is the age after which connections that are not
	// permanent are rotated out for a fresh address.  Zero disables the
	// rotation.
	MaxConnTime time.Duration

	// AttemptLimiter paces connection attempts.  When nil, attempts are
	// limited to one per second with a burst of TargetOutbound.
	AttemptLimiter *rate.Limiter

	// RotateTicker overrides the ticker that paces checks of the maximum
	// connection time.
	RotateTicker ticker.Ticker

	// Clock is the time source for connection ages.  When nil the system
	// clock is used.
	Clock clock.Clock

	// OnConnection is a callback that is fired when a new outbound
	// connection is established.
	OnConnection func(*ConnReq, net.Conn)

	// OnDisconnection is a callback that is fired when an outbound
	// connection is disconnected.
	OnDisconnection func(*ConnReq)

	// OnConnectionFailed is a callback that is fired when a connection
	// attempt fails.
	OnConnectionFailed func(*ConnReq, error)

	// GetNewAddress is a way to get an address to make a network connection
	// to.  If nil, no new connections will be made automatically.
	GetNewAddress func() (net.Addr, error)

	// Dial connects to the address on the named network. It cannot be nil.
	Dial func(context.Context, net.Addr) (net.Conn, error)
}

// registerPending is used to register a pending connection attempt. By
// registering pending connection attempts we allow callers to cancel pending
// connection attempts before their successful or in the case they're not
// longer wanted.
type registerPending struct {
	c    *ConnReq
	done chan struct{}
}

// handleConnected is used to queue a successful connection.
type handleConnected struct {
	c    *ConnReq
	conn net.Conn
}

// handleDisconnected is used to remove a connection.
type handleDisconnected struct {
	id    uint64
	retry bool
}

// handleFailed is used to remove a pending connection.
type handleFailed struct {
	c   *ConnReq
	err error
}

// setTarget is used to change the number of outbound connections.
type setTarget struct {
	target uint32
}

// getConnCount is used to query the number of established connections.
type getConnCount struct {
	reply chan int
}

// ConnManager provides a manager to handle network connections.
type ConnManager struct {
	// The following variables must only be used atomically.
	connReqCount uint64
	start        int32
	stop         int32

	cfg            Config
	limiter        *rate.Limiter
	wg             sync.WaitGroup
	failedAttempts uint64
	requests       chan interface{}
	ctx            context.Context
	cancel         context.CancelFunc
	quit           chan struct{}
}

// retryDelay returns the backoff before the next attempt of the passed
// connection request.
func (cm *ConnManager) retryDelay(c *ConnReq) time.Duration {
	d := cm.cfg.RetryDuration
	for i := uint32(1); i < c.retryCount; i++ {
		d *= 2
		if d >= cm.cfg.MaxRetryDuration {
			break
		}
	}
	if d > cm.cfg.MaxRetryDuration {
		d = cm.cfg.MaxRetryDuration
	}
	return d
}

// after runs fn once the passed duration elapsed unless the connection
// manager is stopped first.
func (cm *ConnManager) after(d time.Duration, fn func()) {
	go func() {
		select {
		case <-cm.cfg.Clock.TickAfter(d):
			fn()
		case <-cm.quit:
		}
	}()
}

// handleFailedConn handles a connection failed due to a disconnect or any
// other failure. If permanent, it retries the connection after the backoff
// delay. Otherwise, if required, it makes a new connection request.  After
// maxFailedConnectionAttempts new connections will be retried after the
// configured retry duration.
func (cm *ConnManager) handleFailedConn(c *ConnReq) {
	if atomic.LoadInt32(&cm.stop) != 0 {
		return
	}
	if c.Permanent {
		c.retryCount++
		d := cm.retryDelay(c)
		log.Debugf("Retrying connection to %v in %v", c, d)
		cm.after(d, func() {
			cm.Connect(c)
		})
	} else if cm.cfg.GetNewAddress != nil {
		cm.failedAttempts++
		if cm.failedAttempts >= maxFailedAttempts {
			log.Debugf("Max failed connection attempts reached: [%d] "+
				"-- retrying connection in: %v", maxFailedAttempts,
				cm.cfg.RetryDuration)
			cm.after(cm.cfg.RetryDuration, cm.NewConnReq)
		} else {
			go cm.NewConnReq()
		}
	}
}

// connHandler handles all connection related requests.  It must be run as a
// goroutine.
//
// The connection handler makes sure that we maintain a pool of active outbound
// connections so that we remain connected to the network.  Connection requests
// are processed and mapped by their assigned ids.
func (cm *ConnManager) connHandler() {
	defer cm.wg.Done()

	var (
		// pending holds all registered conn requests that have yet to
		// succeed.
		pending = make(map[uint64]*ConnReq)

		// conns represents the set of all actively connected peers.
		conns = make(map[uint64]*ConnReq, cm.cfg.TargetOutbound)

		target = cm.cfg.TargetOutbound
	)

	rotateTicker := cm.cfg.RotateTicker
	if rotateTicker == nil {
		rotateTicker = ticker.New(defaultRotateInterval)
	}
	if cm.cfg.MaxConnTime > 0 {
		rotateTicker.Resume()
	}
	defer rotateTicker.Stop()

	// disconnect drops an established connection.  Connections removed with
	// retry set are replaced when below the target.
	disconnect := func(connReq *ConnReq, retry bool) {
		log.Debugf("Disconnected from %v", connReq)
		delete(conns, connReq.id)

		if connReq.conn != nil {
			connReq.conn.Close()
		}

		if cm.cfg.OnDisconnection != nil {
			go cm.cfg.OnDisconnection(connReq)
		}

		// All internal state has been cleaned up, if this connection is
		// being removed, we will make no further attempts with this
		// request.
		if !retry {
			connReq.updateState(ConnDisconnected)
			return
		}

		// Permanent requests are redialed.  The request is re added to
		// the pending map, so that subsequent processing of connections
		// and failures do not ignore the request.
		if connReq.Permanent {
			connReq.updateState(ConnPending)
			log.Debugf("Reconnecting to %v", connReq)
			pending[connReq.id] = connReq
			cm.handleFailedConn(connReq)
			return
		}

		// Other requests are done and replaced by a request for a new
		// address if there are not enough peers.
		connReq.updateState(ConnDisconnected)
		if uint32(len(conns)+len(pending)) < target {
			cm.handleFailedConn(connReq)
		}
	}

out:
	for {
		select {
		case req := <-cm.requests:
			switch msg := req.(type) {

			case registerPending:
				connReq := msg.c
				connReq.updateState(ConnPending)
				pending[msg.c.id] = connReq
				close(msg.done)

			case handleConnected:
				connReq := msg.c

				if _, ok := pending[connReq.id]; !ok {
					if msg.conn != nil {
						msg.conn.Close()
					}
					log.Debugf("Ignoring connection for "+
						"canceled connreq=%v", connReq)
					continue
				}
				delete(pending, connReq.id)

				// The target may have been lowered while the
				// connection was being made.
				if !connReq.Permanent && uint32(len(conns)) >= target {
					msg.conn.Close()
					connReq.updateState(ConnCanceled)
					log.Debugf("Dropping connection to %v: "+
						"target of %d reached", connReq, target)
					continue
				}

				connReq.updateState(ConnEstablished)
				connReq.conn = msg.conn
				connReq.connTime = cm.cfg.Clock.Now()
				conns[connReq.id] = connReq
				log.Debugf("Connected to %v", connReq)
				connReq.retryCount = 0
				cm.failedAttempts = 0

				if cm.cfg.OnConnection != nil {
					go cm.cfg.OnConnection(connReq, msg.conn)
				}

			case handleDisconnected:
				connReq, ok := conns[msg.id]
				if !ok {
					connReq, ok = pending[msg.id]
					if !ok {
						log.Errorf("Unknown connid=%d",
							msg.id)
						continue
					}

					// Pending connection was found, remove
					// it from pending map if we should
					// ignore a later, successful
					// connection.
					connReq.updateState(ConnCanceled)
					log.Debugf("Canceling: %v", connReq)
					delete(pending, msg.id)
					continue

				}

				// An existing connection was located, mark as
				// disconnected and execute disconnection
				// callback.
				disconnect(connReq, msg.retry)

			case handleFailed:
				connReq := msg.c

				if _, ok := pending[connReq.id]; !ok {
					log.Debugf("Ignoring connection for "+
						"canceled conn req: %v", connReq)
					continue
				}

				connReq.updateState(ConnFailing)
				log.Debugf("Failed to connect to %v: %v",
					connReq, msg.err)
				if cm.cfg.OnConnectionFailed != nil && connReq.Addr != nil {
					go cm.cfg.OnConnectionFailed(connReq, msg.err)
				}

				// Requests for new addresses are replaced by
				// fresh ones, so only permanent ones stay
				// pending.
				if !connReq.Permanent {
					delete(pending, connReq.id)
				}
				cm.handleFailedConn(connReq)

			case setTarget:
				log.Debugf("Changing outbound target from %d to %d",
					target, msg.target)
				target = msg.target

				// Drop the newest connections that are not
				// permanent until the target is met.
				for uint32(len(conns)) > target {
					var newest *ConnReq
					for _, c := range conns {
						if c.Permanent {
							continue
						}
						if newest == nil || c.connTime.After(newest.connTime) {
							newest = c
						}
					}
					if newest == nil {
						break
					}
					disconnect(newest, false)
				}

				active := uint32(len(conns) + len(pending))
				for i := active; i < target; i++ {
					go cm.NewConnReq()
				}

			case getConnCount:
				msg.reply <- len(conns)
			}

		case <-rotateTicker.Ticks():
			now := cm.cfg.Clock.Now()
			for _, c := range conns {
				if c.Permanent || now.Sub(c.connTime) < cm.cfg.MaxConnTime {
					continue
				}
				log.Infof("Rotating out %v after %v", c,
					now.Sub(c.connTime).Truncate(time.Second))
				disconnect(c, true)
			}

		case <-cm.quit:
			break out
		}
	}

	log.Trace("Connection handler done")
}

// NewConnReq creates a new connection request and connects to the
// corresponding address.
func (cm *ConnManager) NewConnReq() {
	if atomic.LoadInt32(&cm.stop) != 0 {
		return
	}
	if cm.cfg.GetNewAddress == nil {
		return
	}

	// Pace the attempts so a run of failures does not spin.
	if err := cm.limiter.Wait(cm.ctx); err != nil {
		return
	}

	c := &ConnReq{}
	atomic.StoreUint64(&c.id, atomic.AddUint64(&cm.connReqCount, 1))

	// Submit a request of a pending connection attempt to the connection
	// manager. By registering the id before the connection is even
	// established, we'll be able to later cancel the connection via the
	// Remove method.
	done := make(chan struct{})
	select {
	case cm.requests <- registerPending{c, done}:
	case <-cm.quit:
		return
	}

	// Wait for the registration to successfully add the pending conn req to
	// the conn manager's internal state.
	select {
	case <-done:
	case <-cm.quit:
		return
	}

	addr, err := cm.cfg.GetNewAddress()
	if err != nil {
		select {
		case cm.requests <- handleFailed{c, err}:
		case <-cm.quit:
		}
		return
	}

	c.Addr = addr

	cm.dial(c)
}

// Connect assigns an id and dials a connection to the address of the
// connection request.
func (cm *ConnManager) Connect(c *ConnReq) {
	if atomic.LoadInt32(&cm.stop) != 0 {
		return
	}

	// During the time we wait for retry there is a chance that
	// this connection was already cancelled
	if c.State() == ConnCanceled {
		log.Debugf("Ignoring connect for canceled connreq=%v", c)
		return
	}

	if atomic.LoadUint64(&c.id) == 0 {
		atomic.StoreUint64(&c.id, atomic.AddUint64(&cm.connReqCount, 1))

		// Submit a request of a pending connection attempt to the
		// connection manager. By registering the id before the
		// connection is even established, we'll be able to later
		// cancel the connection via the Remove method.
		done := make(chan struct{})
		select {
		case cm.requests <- registerPending{c, done}:
		case <-cm.quit:
			return
		}

		// Wait for the registration to successfully add the pending
		// conn req to the conn manager's internal state.
		select {
		case <-done:
		case <-cm.quit:
			return
		}
	}

	if err := cm.limiter.Wait(cm.ctx); err != nil {
		return
	}
	cm.dial(c)
}

// dial connects to the address of a registered connection request and
// reports the outcome to the connection handler.
func (cm *ConnManager) dial(c *ConnReq) {
	log.Debugf("Attempting to connect to %v", c)

	conn, err := cm.cfg.Dial(cm.ctx, c.Addr)
	if err != nil {
		select {
		case cm.requests <- handleFailed{c, err}:
		case <-cm.quit:
		}
		return
	}

	select {
	case cm.requests <- handleConnected{c, conn}:
	case <-cm.quit:
		conn.Close()
	}
}

// Disconnect disconnects the connection corresponding to the given connection
// id. If permanent, the connection will be retried with an increasing backoff
// duration.
func (cm *ConnManager) Disconnect(id uint64) {
	if atomic.LoadInt32(&cm.stop) != 0 {
		return
	}

	select {
	case cm.requests <- handleDisconnected{id, true}:
	case <-cm.quit:
	}
}

// Remove removes the connection corresponding to the given connection id from
// known connections.
//
// NOTE: This method can also be used to cancel a lingering connection attempt
// that hasn't yet succeeded.
func (cm *ConnManager) Remove(id uint64) {
	if atomic.LoadInt32(&cm.stop) != 0 {
		return
	}

	select {
	case cm.requests <- handleDisconnected{id, false}:
	case <-cm.quit:
	}
}

// SetTargetOutbound changes the number of outbound connections to maintain.
// Lowering it closes the newest connections that are not permanent.
func (cm *ConnManager) SetTargetOutbound(target uint32) {
	if atomic.LoadInt32(&cm.stop) != 0 {
		return
	}

	select {
	case cm.requests <- setTarget{target}:
	case <-cm.quit:
	}
}

// ConnectedCount returns the number of established connections.
func (cm *ConnManager) ConnectedCount() int {
	reply := make(chan int, 1)
	select {
	case cm.requests <- getConnCount{reply}:
	case <-cm.quit:
		return 0
	}

	select {
	case n := <-reply:
		return n
	case <-cm.quit:
		return 0
	}
}

// Start launches the connection manager and begins connecting to the network.
func (cm *ConnManager) Start() {
	// Already started?
	if atomic.AddInt32(&cm.start, 1) != 1 {
		return
	}

	log.Trace("Connection manager started")
	cm.wg.Add(1)
	go cm.connHandler()

	for i := atomic.LoadUint64(&cm.connReqCount); i < uint64(cm.cfg.TargetOutbound); i++ {
		go cm.NewConnReq()
	}
}

// Wait blocks until the connection manager halts gracefully.
func (cm *ConnManager) Wait() {
	cm.wg.Wait()
}

// Stop gracefully shuts down the connection manager.
func (cm *ConnManager) Stop() {
	if atomic.AddInt32(&cm.stop, 1) != 1 {
		log.Warnf("Connection manager already stopped")
		return
	}

	cm.cancel()
	close(cm.quit)
	log.Trace("Connection manager stopped")
}

// New returns a new connection manager.
// Use Start to start connecting to the network.
func New(cfg *Config) (*ConnManager, error) {
	if cfg.Dial == nil {
		return nil, ErrDialNil
	}
	// Default to sane values
	if cfg.RetryDuration <= 0 {
		cfg.RetryDuration = defaultRetryDuration
	}
	if cfg.MaxRetryDuration <= 0 {
		cfg.MaxRetryDuration = defaultMaxRetryDuration
	}
	if cfg.MaxRetryDuration < cfg.RetryDuration {
		cfg.MaxRetryDuration = cfg.RetryDuration
	}
	if cfg.TargetOutbound == 0 {
		cfg.TargetOutbound = defaultTargetOutbound
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	limiter := cfg.AttemptLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(defaultAttemptInterval),
			int(cfg.TargetOutbound))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm := ConnManager{
		cfg:      *cfg, // Copy so caller can't mutate
		limiter:  limiter,
		requests: make(chan interface{}),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
	return &cm, nil
}
