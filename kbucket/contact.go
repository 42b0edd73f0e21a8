// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package kbucket implements the Kademlia routing table: an ordered cover
// of the 256-bit id space by k-buckets, each holding up to K live contacts
// plus a replacement cache, with splitting restricted to the bucket that
// covers the local node's own prefix.
package kbucket

import (
	"net"
	"time"

	"github.com/boson-network/boson/common"
)

// K is the maximum number of live entries a bucket holds, and the default
// lookup fan-out width.
const K = 8

// MaxFailures is the failed-request count at which a contact becomes
// eligible for eviction in favor of a verified replacement.
const MaxFailures = 5

// FreshnessWindow bounds how long ago a contact must have replied to count
// as "verified alive".
const FreshnessWindow = 15 * time.Minute

// RefreshInterval is how often an untouched bucket is refreshed with a
// find-node for a random id in its range.
const RefreshInterval = 15 * time.Minute

// Contact is a node contact: a routing-table entry distinct from the
// richer PeerRecord/task-level view, holding only what the table needs to
// order and evict entries.
type Contact struct {
	Id        common.Id
	Addr      *net.UDPAddr
	LastSeen  time.Time
	LastReply time.Time
	Failures  int
	Version   uint32
}

// Verified reports whether the contact replied within FreshnessWindow.
func (c *Contact) Verified() bool {
	return !c.LastReply.IsZero() && time.Since(c.LastReply) <= FreshnessWindow
}

// Evictable reports whether the contact has failed enough requests to be
// replaced once a verified replacement exists.
func (c *Contact) Evictable() bool {
	return c.Failures >= MaxFailures
}
