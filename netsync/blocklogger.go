// Copyright (c) 2015-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/hdrsync/blockchain"
	"github.com/lightningnetwork/lnd/clock"
)

// headerProgressLogger provides periodic logging for other services in order
// to show users progress of certain "actions" involving some or all current
// headers. Ex: syncing to best chain.
type headerProgressLogger struct {
	receivedLogHeaders int64
	lastHeaderLogTime  time.Time

	clock           clock.Clock
	subsystemLogger btclog.Logger
	progressAction  string
	sync.Mutex
}

// newHeaderProgressLogger returns a new header progress logger.
// The progress message is templated as follows:
//
//	{progressAction} {numProcessed} {headers|header} in the last {timePeriod}
//	(height {lastHeaderHeight}, {lastHeaderTimeStamp})
func newHeaderProgressLogger(progressMessage string, logger btclog.Logger,
	clk clock.Clock) *headerProgressLogger {

	return &headerProgressLogger{
		lastHeaderLogTime: clk.Now(),
		clock:             clk,
		progressAction:    progressMessage,
		subsystemLogger:   logger,
	}
}

// LogHeaders records accepted headers and logs the new tip as an information
// message to show progress to the user. In order to prevent spam, it limits
// logging to one message every 10 seconds with duration and totals included.
func (b *headerProgressLogger) LogHeaders(count int, tip *blockchain.ChainNode) {
	b.Lock()
	defer b.Unlock()

	b.receivedLogHeaders += int64(count)

	now := b.clock.Now()
	duration := now.Sub(b.lastHeaderLogTime)
	if duration < time.Second*10 {
		return
	}

	// Truncate the duration to 10s of milliseconds.
	durationMillis := int64(duration / time.Millisecond)
	tDuration := 10 * time.Millisecond * time.Duration(durationMillis/10)

	// Log information about new header height.
	headerStr := "headers"
	if b.receivedLogHeaders == 1 {
		headerStr = "header"
	}
	b.subsystemLogger.Infof("%s %d %s in the last %s (height %d, %s)",
		b.progressAction, b.receivedLogHeaders, headerStr, tDuration,
		tip.Height, tip.Header.Timestamp)

	b.receivedLogHeaders = 0
	b.lastHeaderLogTime = now
}

func (b *headerProgressLogger) SetLastLogTime(time time.Time) {
	b.Lock()
	b.lastHeaderLogTime = time
	b.Unlock()
}
