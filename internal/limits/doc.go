// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package limits raises process resource limits, such as the number of open
// file descriptors, so the database and peer connections fit.
package limits
