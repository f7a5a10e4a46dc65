// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/btcsuite/hdrsync/internal/eventstream"
	"github.com/btcsuite/hdrsync/internal/limits"
	hlog "github.com/btcsuite/hdrsync/internal/log"
	"github.com/btcsuite/hdrsync/internal/metrics"
	"github.com/btcsuite/hdrsync/internal/version"
	"github.com/btcsuite/hdrsync/netsync"
	"github.com/btcsuite/hdrsync/node"
)

var (
	cfg     *config
	hsynLog = hlog.HsynLog
)

// winServiceMain is only invoked on Windows.  It detects when hdrsync is
// running as a service and reacts accordingly.
var winServiceMain func() (bool, error)

// hdrsyncMain is the real main function for hdrsync.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
// The optional serverChan parameter is mainly used by the service code to be
// notified with the server once it is setup so it can gracefully stop it when
// requested from the service control manager.
func hdrsyncMain(serverChan chan<- *node.Server) error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if hlog.LogRotator != nil {
			hlog.LogRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the service control manager.
	interrupt := interruptListener()
	defer hsynLog.Info("Shutdown complete")

	// Show version at startup.
	hsynLog.Infof("Version %s", version.String())

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			hsynLog.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			hsynLog.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Create server and start it.
	server, err := node.New(cfg.nodeConfig())
	if err != nil {
		hsynLog.Errorf("Unable to start server: %v", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := serveSubsystems(ctx, server); err != nil {
		hsynLog.Errorf("%v", err)
		server.Stop()
		return err
	}

	server.Start()
	if serverChan != nil {
		serverChan <- server
	}

	// Wait until the interrupt signal is received from an OS signal, a
	// shutdown is requested or syncing stopped on its own.
	select {
	case <-interrupt:
	case <-server.Done():
	}

	hsynLog.Infof("Gracefully shutting down the server...")
	if err := server.Stop(); err != nil {
		hsynLog.Errorf("Header sync failed: %v", err)
		return err
	}
	hsynLog.Infof("Server shutdown complete")
	return nil
}

// serveSubsystems starts the optional metrics and event stream servers and
// the goroutine that logs sync events until the context is done.
func serveSubsystems(ctx context.Context, server *node.Server) error {
	syncManager := server.SyncManager()

	m, err := metrics.New(syncManager)
	if err != nil {
		return fmt.Errorf("unable to create metrics: %v", err)
	}
	if cfg.MetricsListen != "" {
		go func() {
			hsynLog.Infof("Metrics server listening on %s",
				cfg.MetricsListen)
			if err := m.Serve(ctx, cfg.MetricsListen); err != nil {
				hsynLog.Errorf("Metrics server: %v", err)
			}
		}()
	}

	if cfg.WSListen != "" {
		events := eventstream.New(eventstream.ManagerSource(syncManager),
			eventstream.DefaultPingInterval, eventstream.DefaultPongWait)
		go func() {
			if err := events.Serve(ctx, cfg.WSListen); err != nil {
				hsynLog.Errorf("Event stream server: %v", err)
			}
		}()
	}

	sub, err := syncManager.Subscribe()
	if err != nil {
		return fmt.Errorf("unable to subscribe to sync events: %v", err)
	}
	go func() {
		defer sub.Cancel()
		for {
			select {
			case item := <-sub.Events():
				e := item.(netsync.Event)
				m.ObserveEvent(e)
				logEvent(e)

				if e.Type == netsync.EventSynced && cfg.ExitOnSync {
					hsynLog.Infof("Header chain synced, exiting")
					requestShutdown()
				}

			case <-sub.Quit():
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// logEvent writes the sync event to the log at a level matching its type.
func logEvent(e netsync.Event) {
	switch e.Type {
	case netsync.EventWarning:
		hsynLog.Warnf("%v", e)
	case netsync.EventProgress, netsync.EventDialog:
		hsynLog.Debugf("%v", e)
	default:
		hsynLog.Infof("%v", e)
	}
}

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Up some limits.
	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	// Call serviceMain on Windows to handle running as a service.  When
	// the return isService flag is true, exit now since we ran as a
	// service.  Otherwise, just fall through to normal operation.
	if runtime.GOOS == "windows" {
		isService, err := winServiceMain()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		if isService {
			os.Exit(0)
		}
	}

	// Work around defer not working after os.Exit()
	if err := hdrsyncMain(nil); err != nil {
		os.Exit(1)
	}
}
