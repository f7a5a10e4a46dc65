// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/queue"
)

// ErrManagerShuttingDown is returned when subscribing to a manager that is
// shutting down.
var ErrManagerShuttingDown = errors.New("sync manager shutting down")

// EventType identifies the kind of an Event.
type EventType int

// These constants define the events a SyncManager delivers to subscribers.
const (
	// EventDialog carries an informational message.
	EventDialog EventType = iota

	// EventWarning carries a message about a misbehaving peer or a failed
	// operation the manager recovered from.
	EventWarning

	// EventProgress reports the height of the tip and the best height
	// announced by a connected peer.
	EventProgress

	// EventConnectionsMet is sent when the number of synced-from peers
	// reaches the current connection target.
	EventConnectionsMet

	// EventSynced is sent once when the manager becomes current.
	EventSynced
)

// Map of EventType values back to their constant names for pretty printing.
var eventTypeStrings = map[EventType]string{
	EventDialog:         "Dialog",
	EventWarning:        "Warning",
	EventProgress:       "Progress",
	EventConnectionsMet: "ConnectionsMet",
	EventSynced:         "Synced",
}

// String returns the EventType in human-readable form.
func (t EventType) String() string {
	if s, ok := eventTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown EventType (%d)", int(t))
}

// Event is a notification about the progress of the manager.  Only the fields
// relevant to the type are set.
type Event struct {
	Type EventType

	// Message is set for dialog and warning events.
	Message string

	// Height and Hash describe the tip for progress and synced events.
	Height int32
	Hash   chainhash.Hash

	// PeerHeight is the best height announced by a connected peer.
	PeerHeight int32

	// Peers is the number of peers synced from for connections met
	// events.
	Peers int
}

// String returns a one line description of the event.
func (e Event) String() string {
	switch e.Type {
	case EventDialog, EventWarning:
		return fmt.Sprintf("%v: %s", e.Type, e.Message)
	case EventProgress:
		return fmt.Sprintf("%v: height %d of %d", e.Type, e.Height,
			e.PeerHeight)
	case EventConnectionsMet:
		return fmt.Sprintf("%v: %d peers", e.Type, e.Peers)
	case EventSynced:
		return fmt.Sprintf("%v: height %d (%v)", e.Type, e.Height,
			e.Hash)
	}
	return e.Type.String()
}

// Subscription delivers the events of a manager, see SyncManager.Subscribe.
type Subscription struct {
	cancel func()

	events *queue.ConcurrentQueue
	quit   chan struct{}
}

// Events returns the channel events are delivered on.  Every value is an
// Event.
func (s *Subscription) Events() <-chan interface{} {
	return s.events.ChanOut()
}

// Quit returns a channel that is closed once no more events are delivered.
func (s *Subscription) Quit() <-chan struct{} {
	return s.quit
}

// Cancel stops the delivery of events.
func (s *Subscription) Cancel() {
	s.cancel()
}

// subscriptionUpdate registers or cancels a subscription with the event
// handler.
type subscriptionUpdate struct {
	cancel bool
	id     uint64
	sub    *Subscription
}

// eventServer fans events out to every subscription.  Each subscription has
// its own unbounded queue so slow readers never hold up syncing.
type eventServer struct {
	counter uint64 // To be used atomically.

	subs    map[uint64]*Subscription
	updates chan *subscriptionUpdate
	events  chan Event

	quit chan struct{}
	wg   sync.WaitGroup
}

func newEventServer() *eventServer {
	return &eventServer{
		subs:    make(map[uint64]*Subscription),
		updates: make(chan *subscriptionUpdate),
		events:  make(chan Event),
		quit:    make(chan struct{}),
	}
}

func (s *eventServer) start() {
	s.wg.Add(1)
	go s.eventHandler()
}

func (s *eventServer) stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *eventServer) subscribe() (*Subscription, error) {
	id := atomic.AddUint64(&s.counter, 1)

	sub := &Subscription{
		events: queue.NewConcurrentQueue(20),
		quit:   make(chan struct{}),
		cancel: func() {
			select {
			case s.updates <- &subscriptionUpdate{cancel: true, id: id}:
			case <-s.quit:
			}
		},
	}

	select {
	case s.updates <- &subscriptionUpdate{id: id, sub: sub}:
	case <-s.quit:
		return nil, ErrManagerShuttingDown
	}
	return sub, nil
}

// send delivers the event to all subscriptions.  Events sent after shutdown
// are dropped.
func (s *eventServer) send(e Event) {
	log.Tracef("Event %v", e)

	select {
	case s.events <- e:
	case <-s.quit:
	}
}

// eventHandler registers and cancels subscriptions and forwards events.
//
// NOTE: MUST be run as a goroutine.
func (s *eventServer) eventHandler() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.updates:
			if update.cancel {
				sub, ok := s.subs[update.id]
				if ok {
					sub.events.Stop()
					close(sub.quit)
					delete(s.subs, update.id)
				}
				continue
			}

			update.sub.events.Start()
			s.subs[update.id] = update.sub

		case e := <-s.events:
			for _, sub := range s.subs {
				select {
				case sub.events.ChanIn() <- e:
				case <-sub.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			for _, sub := range s.subs {
				sub.events.Stop()
				close(sub.quit)
			}
			return
		}
	}
}
