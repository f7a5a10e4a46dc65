// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
hdrsync downloads and validates the bitcoin block header chain from the
peer-to-peer network and keeps it synchronized.

It connects to outbound peers, requests headers with getheaders, checks the
proof of work and checkpoints of every header, persists the best chain and
keeps more peers connected once the chain is current.

Usage:

	hdrsync [OPTIONS]

Application Options:
	-V, --version           Display version information and exit
	-C, --configfile=       Path to configuration file
	-b, --datadir=          Directory to store data
	    --logdir=           Directory to log output.
	-a, --addpeer=          Add a peer to connect with at startup
	    --connect=          Connect only to the specified peers at startup
	    --targetpeer=       Consider the chain synced only once this peer has
	                        no more headers
	    --maxpeers=         Number of outbound peers to keep once synced
	                        (default: 8)
	    --banduration=      How long to ban misbehaving peers.  Valid time
	                        units are {s, m, h}.  Minimum 1 second
	                        (default: 24h0m0s)
	    --banthreshold=     Maximum allowed ban score before disconnecting
	                        and banning misbehaving peers. (default: 100)
	    --proxy=            Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=        Username for proxy server
	    --proxypass=        Password for proxy server
	    --handshaketimeout= How long to wait for a peer to complete the
	                        handshake (default: 30s)
	    --pinginterval=     Interval between pings sent to a peer
	                        (default: 2m0s)
	    --pongtimeout=      How long to wait for a pong before disconnecting
	                        a peer (default: 30s)
	    --responsetimeout=  How long to wait for a peer to answer a headers
	                        request (default: 5s)
	    --maxconntime=      How long a peer is kept before it is replaced by
	                        another one (default: 2h0m0s)
	    --testnet           Use the test network
	    --regtest           Use the regression test network
	    --signet            Use the signet test network
	    --addcheckpoint=    Add a custom checkpoint.  Format:
	                        '<height>:<hash>'
	    --dbtype=           Database backend to use for the header chain
	                        (default: leveldb)
	-d, --debuglevel=       Logging level for all subsystems {trace, debug,
	                        info, warn, error, critical} -- You may also
	                        specify <subsystem>=<level>,<subsystem2>=<level>,...
	                        to set the log level for individual subsystems --
	                        Use show to list available subsystems (default:
	                        info)
	    --uacomment=        Comment to add to the user agent -- See BIP 14
	                        for more information.
	    --metricslisten=    Serve prometheus metrics on this address
	    --wslisten=         Stream sync events over a websocket on this
	                        address
	    --exitonsync        Shut down once the header chain is synced
	    --profile=          Enable HTTP profiling on given port -- NOTE port
	                        must be between 1024 and 65536

Help Options:
	-h, --help           Show this help message
*/
package main
