// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

// FileContents is a string containing the commented example config for
// hdrsync.
const FileContents = `[Application Options]

; ------------------------------------------------------------------------------
; Data settings
; ------------------------------------------------------------------------------

; The directory to store the header chain and peer addresses.  The network name
; is appended to it.  The default is ~/.hdrsync/data on POSIX OSes,
; $LOCALAPPDATA/Hdrsync/data on Windows, and
; ~/Library/Application Support/Hdrsync/data on macOS.  Environment variables
; are expanded so they may be used.  NOTE: Windows environment variables are
; typically %VARIABLE%, but they must be accessed with $VARIABLE here.
; datadir=~/.hdrsync/data                            ; Unix
; datadir=$LOCALAPPDATA/Hdrsync/data                 ; Windows
; datadir=~/Library/Application Support/Hdrsync/data ; macOS

; Database backend for the header chain {leveldb, pebble, memdb}.  The memdb
; backend keeps nothing across restarts.
; dbtype=leveldb


; ------------------------------------------------------------------------------
; Network settings
; ------------------------------------------------------------------------------

; Use testnet.
; testnet=1

; Use signet.
; signet=1

; Use the regression test network.
; regtest=1

; Connect via a SOCKS5 proxy.
; proxy=127.0.0.1:9050
; proxyuser=
; proxypass=

; Add persistent peers to connect to as desired.  One peer per line.
; You may specify each IP address with or without a port.  The default port will
; be added automatically if one is not specified here.
; addpeer=192.168.1.1
; addpeer=10.0.0.2:8333
; addpeer=fe80::1
; addpeer=[fe80::2]:8333

; Add persistent peers that you ONLY want to connect to as desired.  One peer
; per line.  You may specify each IP address with or without a port.  The
; default port will be added automatically if one is not specified here.
; NOTE: Specifying this option disables DNS seeding and address discovery.
; connect=192.168.1.1
; connect=10.0.0.2:8333

; Consider the chain synced only once this peer has no more headers to offer.
; targetpeer=192.168.1.1

; Number of outbound peers to keep once the chain is synced.
; maxpeers=8

; How long a peer may stay connected before it is replaced by another one.
; maxconntime=2h


; ------------------------------------------------------------------------------
; Peer settings
; ------------------------------------------------------------------------------

; How long to wait for a peer to complete the version handshake.
; handshaketimeout=30s

; Interval between pings and how long to wait for the matching pong.
; pinginterval=2m
; pongtimeout=30s

; How long to wait for a peer to answer a headers request.
; responsetimeout=5s

; Ban score at which a misbehaving peer is disconnected and banned, and for how
; long.
; banthreshold=100
; banduration=24h

; Add comments to the user agent advertised to peers.  See BIP 14.
; uacomment=mycomment


; ------------------------------------------------------------------------------
; Chain settings
; ------------------------------------------------------------------------------

; Add a custom checkpoint in addition to the network defaults.  One per line.
; addcheckpoint=<height>:<hash>


; ------------------------------------------------------------------------------
; Services
; ------------------------------------------------------------------------------

; Serve prometheus metrics on /metrics.
; metricslisten=127.0.0.1:9332

; Stream sync events as JSON over a websocket on /events.
; wslisten=127.0.0.1:9333

; Shut down once the header chain is synced.
; exitonsync=1


; ------------------------------------------------------------------------------
; Debug
; ------------------------------------------------------------------------------

; Debug logging level.
; Valid levels are {trace, debug, info, warn, error, critical}
; You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set
; log level for individual subsystems.  Use hdrsync --debuglevel=show to list
; available subsystems.
; debuglevel=info

; ------------------------------------------------------------------------------
; Profile - enable the HTTP profiler
; ------------------------------------------------------------------------------

; The profile server will be disabled if this option is not specified.  Profile
; information can be accessed at http://ipaddr:<profileport>/debug/pprof once
; running.  Note that the IP address will default to 127.0.0.1 if an IP address
; is not specified, so that the profiler is not accessible on the network.
; Listen on selected port on localhost only:
;   profile=6061
; Listen on selected port on all network interfaces:
;   profile=:6061
`
