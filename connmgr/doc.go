// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package connmgr implements a connection manager for outbound bitcoin peers.

# Connection Manager Overview

The connection manager maintains a target number of outbound connections,
retries failed and disconnected permanent connections with an exponential
backoff, paces new connection attempts and rotates connections out once they
reach a maximum age.  The target may be changed at any time, for example to
use a single peer while catching up and several once synced.

# Address Sources

AddrBook supplies the addresses to connect to.  Candidates come from, in
order of preference, the addresses configured by the user, the addresses
persisted in the peer store and finally DNS seeding.  Misbehaving addresses
can be banned for a period of time, and DynamicBanScore tracks the
misbehavior that leads to a ban.
*/
package connmgr
