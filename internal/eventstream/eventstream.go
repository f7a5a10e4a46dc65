// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package eventstream republishes the events of a sync manager to websocket
// clients.  Every event is sent as one JSON text message.
package eventstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/btcsuite/hdrsync/netsync"
	"github.com/gorilla/websocket"
)

const (
	// DefaultPingInterval is the default time between two pings sent to a
	// client.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongWait is the maximum duration we wait for a pong response
	// to a ping we sent before we assume the connection died.
	DefaultPongWait = 5 * time.Second

	// writeWait is the time allowed to write one event.
	writeWait = 10 * time.Second

	// pingContent is the payload of the pings sent to clients.
	pingContent = "are you there?"
)

// Subscription is a stream of sync events.  It is implemented by
// netsync.Subscription.
type Subscription interface {
	Events() <-chan interface{}
	Quit() <-chan struct{}
	Cancel()
}

// SubscribeFunc returns a new subscription to the sync events.
type SubscribeFunc func() (Subscription, error)

// ManagerSource returns a SubscribeFunc for the events of the manager.
func ManagerSource(m *netsync.SyncManager) SubscribeFunc {
	return func() (Subscription, error) {
		sub, err := m.Subscribe()
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
}

// Event is the JSON form of a netsync.Event.
type Event struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	Height     int32  `json:"height,omitempty"`
	Hash       string `json:"hash,omitempty"`
	PeerHeight int32  `json:"peerheight,omitempty"`
	Peers      int    `json:"peers,omitempty"`
}

// newEvent converts the event to its JSON form.  The hash is only set for the
// events that describe the tip.
func newEvent(e netsync.Event) Event {
	out := Event{
		Type:       e.Type.String(),
		Message:    e.Message,
		Height:     e.Height,
		PeerHeight: e.PeerHeight,
		Peers:      e.Peers,
	}
	if e.Type == netsync.EventProgress || e.Type == netsync.EventSynced {
		out.Hash = e.Hash.String()
	}
	return out
}

// Server is an http.Handler that upgrades requests to websockets and streams
// sync events to them until the client goes away or the subscription ends.
type Server struct {
	subscribe    SubscribeFunc
	upgrader     *websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
}

// New returns a server streaming the events of the subscriptions returned by
// subscribe.  A zero ping interval or pong wait disables pings.
func New(subscribe SubscribeFunc, pingInterval, pongWait time.Duration) *Server {
	return &Server{
		subscribe: subscribe,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

// pingPongEnabled returns true if a ping interval is set to enable sending and
// expecting regular ping/pong messages.
func (s *Server) pingPongEnabled() bool {
	return s.pingInterval > 0 && s.pongWait > 0
}

// ServeHTTP upgrades the request and streams events to the client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Unable to upgrade websocket from %s: %v",
			r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	log.Debugf("New event stream client %s", r.RemoteAddr)
	defer log.Debugf("Event stream client %s disconnected", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients never send anything but control frames.  Reading is needed
	// for the pong and close handlers to run.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if s.pingPongEnabled() {
		_ = conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(
				s.pingInterval + s.pongWait))
		})
		go s.pingHandler(ctx, conn)
	}

	for {
		select {
		case item := <-sub.Events():
			e, ok := item.(netsync.Event)
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(newEvent(e)); err != nil {
				log.Debugf("Unable to write event to %s: %v",
					r.RemoteAddr, err)
				return
			}

		case <-sub.Quit():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(
					websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return

		case <-ctx.Done():
			return
		}
	}
}

// pingHandler pings the client until the context is done.
func (s *Server) pingHandler(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage,
				[]byte(pingContent), time.Now().Add(s.pongWait))
			if err != nil {
				log.Debugf("Unable to send ping: %v", err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// Serve serves the event stream on /events at the listen address until the
// context is done.
func (s *Server) Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/events", s)
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Infof("Event stream listening on %s", listen)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
