// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics exports the state of the header sync as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/btcsuite/hdrsync/netsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is the sync state the metrics are read from.  It is implemented by
// netsync.SyncManager.
type Source interface {
	Tip() blockchain.ChainNode
	IsCurrent() bool
	PeerStates() map[string]netsync.PeerSyncState
}

// Metrics holds the collectors of a daemon.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

// New registers the sync collectors for the source with a new registry.
func New(src Source) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hdrsync_events_total",
				Help: "Number of sync events by type.",
			},
			[]string{"type"}),
	}

	collectors := []prometheus.Collector{
		m.events,
		newSyncCollector(src),
		prometheus.NewGoCollector(),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveEvent counts the event.
func (m *Metrics) ObserveEvent(e netsync.Event) {
	m.events.WithLabelValues(e.Type.String()).Inc()
}

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve serves the metrics on /metrics at the listen address until the
// context is done.
func (m *Metrics) Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// syncCollector reports the chain tip and the peers on every scrape.  It
// deals with peers disappearing automatically.
type syncCollector struct {
	src Source

	heightDesc *prometheus.Desc
	syncedDesc *prometheus.Desc
	peersDesc  *prometheus.Desc
}

func newSyncCollector(src Source) prometheus.Collector {
	return &syncCollector{
		src: src,
		heightDesc: prometheus.NewDesc(
			"hdrsync_header_height",
			"Height of the best header chain.",
			nil,
			nil),
		syncedDesc: prometheus.NewDesc(
			"hdrsync_synced",
			"Whether the header chain is synced with the peers.",
			nil,
			nil),
		peersDesc: prometheus.NewDesc(
			"hdrsync_peers",
			"Number of sync peers by sync state.",
			[]string{"state"},
			nil),
	}
}

func (c *syncCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.heightDesc
	ch <- c.syncedDesc
	ch <- c.peersDesc
}

func (c *syncCollector) Collect(ch chan<- prometheus.Metric) {
	tip := c.src.Tip()
	ch <- prometheus.MustNewConstMetric(c.heightDesc, prometheus.GaugeValue,
		float64(tip.Height))

	var synced float64
	if c.src.IsCurrent() {
		synced = 1
	}
	ch <- prometheus.MustNewConstMetric(c.syncedDesc, prometheus.GaugeValue,
		synced)

	counts := map[netsync.PeerSyncState]int{
		netsync.StateIdle:            0,
		netsync.StateAwaitingHeaders: 0,
		netsync.StateSynced:          0,
	}
	for _, state := range c.src.PeerStates() {
		counts[state]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.peersDesc,
			prometheus.GaugeValue, float64(n), state.String())
	}
}
