// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/hdrsync/internal/version"
	"github.com/btcsuite/hdrsync/node"
	"github.com/btcsuite/winsvc/eventlog"
	"github.com/btcsuite/winsvc/mgr"
	"github.com/btcsuite/winsvc/svc"
)

const (
	svcName        = "hdrsyncsvc"
	svcDisplayName = "Hdrsync Service"
	svcDesc        = "Downloads and stays synchronized with the bitcoin " +
		"header chain."

	// stopWaitHint is reported to the service control manager while the
	// node flushes the header chain to disk.
	stopWaitHint = 20 * time.Second

	// controlTimeout bounds how long a stop command waits for the service
	// to reach the stopped state.
	controlTimeout = 30 * time.Second
)

// Event identifiers written to the Windows event log.
const (
	eventStarted uint32 = iota + 1
	eventStopped
	eventFailure
)

var elog *eventlog.Log

// headerSummary describes the header chain held by the server for the event
// log.
func headerSummary(srvr *node.Server) string {
	tip := srvr.Chain().Tip()
	return fmt.Sprintf("Header height %d (%s), %d connected peers",
		tip.Height, tip.Hash, srvr.ConnectedCount())
}

// logServiceStarted writes the running configuration to the event log once
// the node is up.
func logServiceStarted(srvr *node.Server) {
	lines := []string{
		"Version " + version.String(),
		"Network " + cfg.params.Name,
		"Configuration file: " + cfg.ConfigFile,
		"Data directory: " + cfg.DataDir,
		headerSummary(srvr),
	}
	elog.Info(eventStarted, strings.Join(lines, "\n"))
}

// hdrsyncService runs hdrsyncMain under the service control manager.
type hdrsyncService struct{}

// Execute implements svc.Handler.  The node runs in its own goroutine and
// stop or shutdown requests are forwarded through requestShutdown.
func (s *hdrsyncService) Execute(args []string, r <-chan svc.ChangeRequest,
	changes chan<- svc.Status) (bool, uint32) {

	const accepts = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	done := make(chan error, 1)
	started := make(chan *node.Server, 1)
	go func() { done <- hdrsyncMain(started) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepts}

	var (
		srvr       *node.Server
		checkpoint uint32
	)
	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus

			case svc.Stop, svc.Shutdown:
				checkpoint++
				changes <- svc.Status{
					State:      svc.StopPending,
					CheckPoint: checkpoint,
					WaitHint:   uint32(stopWaitHint / time.Millisecond),
				}
				requestShutdown()

			default:
				elog.Warning(eventFailure, fmt.Sprintf("Ignoring "+
					"unsupported control request %d", c.Cmd))
			}

		case srvr = <-started:
			logServiceStarted(srvr)

		case err := <-done:
			var exitCode uint32
			switch {
			case err != nil:
				elog.Error(eventFailure, err.Error())
				exitCode = 1
			case srvr != nil:
				elog.Info(eventStopped, "Stopped. "+headerSummary(srvr))
			}
			changes <- svc.Status{State: svc.Stopped}
			return exitCode != 0, exitCode
		}
	}
}

// executablePath returns the absolute path of the running binary with the
// .exe extension windows requires.
func executablePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	exe, err = filepath.Abs(exe)
	if err != nil {
		return "", err
	}
	if filepath.Ext(exe) == "" {
		exe += ".exe"
	}
	return exe, nil
}

// withManager connects to the service control manager for the duration of fn.
func withManager(fn func(*mgr.Mgr) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("could not connect to the service manager: %w", err)
	}
	defer m.Disconnect()
	return fn(m)
}

// withService opens the installed hdrsync service for the duration of fn.
func withService(fn func(*mgr.Service) error) error {
	return withManager(func(m *mgr.Mgr) error {
		service, err := m.OpenService(svcName)
		if err != nil {
			return fmt.Errorf("service %s is not accessible: %w",
				svcName, err)
		}
		defer service.Close()
		return fn(service)
	})
}

func installService() error {
	exe, err := executablePath()
	if err != nil {
		return err
	}

	return withManager(func(m *mgr.Mgr) error {
		if service, err := m.OpenService(svcName); err == nil {
			service.Close()
			return fmt.Errorf("service %s already exists", svcName)
		}

		service, err := m.CreateService(svcName, exe, mgr.Config{
			DisplayName: svcDisplayName,
			Description: svcDesc,
		})
		if err != nil {
			return err
		}
		defer service.Close()

		// The EventCreate message file lets the service log plain text
		// without a custom message catalog.
		eventlog.Remove(svcName)
		levels := uint32(eventlog.Error | eventlog.Warning | eventlog.Info)
		return eventlog.InstallAsEventCreate(svcName, levels)
	})
}

// removeService deletes the service.  The event log source is kept so
// earlier entries remain readable.
func removeService() error {
	return withService(func(service *mgr.Service) error {
		return service.Delete()
	})
}

func startService() error {
	return withService(func(service *mgr.Service) error {
		if err := service.Start(os.Args); err != nil {
			return fmt.Errorf("could not start service: %w", err)
		}
		return nil
	})
}

// stopService asks the service to stop and waits until it has.
func stopService() error {
	return withService(func(service *mgr.Service) error {
		status, err := service.Control(svc.Stop)
		if err != nil {
			return fmt.Errorf("could not stop service: %w", err)
		}

		deadline := time.Now().Add(controlTimeout)
		for status.State != svc.Stopped {
			if time.Now().After(deadline) {
				return fmt.Errorf("service did not stop within %v",
					controlTimeout)
			}
			time.Sleep(300 * time.Millisecond)
			if status, err = service.Query(); err != nil {
				return fmt.Errorf("could not query service: %w", err)
			}
		}
		return nil
	})
}

var stateNames = map[svc.State]string{
	svc.Stopped:         "stopped",
	svc.StartPending:    "starting",
	svc.StopPending:     "stopping",
	svc.Running:         "running",
	svc.ContinuePending: "resuming",
	svc.PausePending:    "pausing",
	svc.Paused:          "paused",
}

// printServiceStatus prints the current state of the installed service.
func printServiceStatus() error {
	return withService(func(service *mgr.Service) error {
		status, err := service.Query()
		if err != nil {
			return fmt.Errorf("could not query service: %w", err)
		}
		name, ok := stateNames[status.State]
		if !ok {
			name = fmt.Sprintf("state %d", status.State)
		}
		fmt.Printf("%s is %s\n", svcName, name)
		return nil
	})
}

var serviceCommands = map[string]func() error{
	"install": installService,
	"remove":  removeService,
	"start":   startService,
	"stop":    stopService,
	"status":  printServiceStatus,
}

// performServiceCommand runs the service command given with --service.
func performServiceCommand(command string) error {
	run, ok := serviceCommands[command]
	if !ok {
		known := make([]string, 0, len(serviceCommands))
		for name := range serviceCommands {
			known = append(known, name)
		}
		sort.Strings(known)
		return fmt.Errorf("invalid service command %q, expected one of %s",
			command, strings.Join(known, ", "))
	}
	return run()
}

// serviceMain runs hdrsync under the service control manager when the
// process was not started from an interactive session.  The returned flag
// reports whether it ran as a service.
func serviceMain() (bool, error) {
	interactive, err := svc.IsAnInteractiveSession()
	if err != nil || interactive {
		return false, err
	}

	elog, err = eventlog.Open(svcName)
	if err != nil {
		return false, err
	}
	defer elog.Close()

	if err := svc.Run(svcName, &hdrsyncService{}); err != nil {
		elog.Error(eventFailure, fmt.Sprintf("Service failed: %v", err))
		return true, err
	}
	return true, nil
}

func init() {
	runServiceCommand = performServiceCommand
	winServiceMain = serviceMain
}
