package kbucket

import (
	"net"
	"time"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/p2p/distip"
)

// Disposition reports what insert did with a contact.
type Disposition int

const (
	// Added means the contact is now a live entry.
	Added Disposition = iota
	// Updated means an existing live entry's address/timestamps were merged.
	Updated
	// Queued means the bucket was full and the contact went to the
	// replacement cache instead.
	Queued
	// Rejected means the contact was not taken at all; Insert returns it
	// for the local node's own id. A contact refused by the live bucket's
	// IP-diversity limit is Queued, not Rejected.
	Rejected
)

// bucket holds the live entries and replacement cache for one slice of the
// id space, ordered by increasing shared-prefix-length with the local id:
// [minPrefix, maxPrefix). Only the bucket with maxPrefix == maxDepth (the
// one still covering the local id's own prefix) is ever split further.
type bucket struct {
	minPrefix, maxPrefix int

	entries      []*Contact // index 0 = least recently seen, last = most recent
	replacements []*Contact // index 0 = oldest

	ips distip.DistinctNetSet

	lastRefresh time.Time
}

func newBucket(minPrefix, maxPrefix int) *bucket {
	return &bucket{
		minPrefix: minPrefix,
		maxPrefix: maxPrefix,
		ips:       distip.DistinctNetSet{Subnet: 24, Limit: 2},
	}
}

// covers reports whether this bucket owns ids at the given shared-prefix
// depth relative to the local id.
func (b *bucket) covers(depth int) bool {
	return depth >= b.minPrefix && depth < b.maxPrefix
}

// splittable reports whether this bucket still covers the local node's own
// prefix and has room to split further.
func (b *bucket) splittable(maxDepth int) bool {
	return b.maxPrefix == maxDepth && b.maxPrefix-b.minPrefix > 1
}

func (b *bucket) indexOf(id common.Id) int {
	for i, c := range b.entries {
		if c.Id == id {
			return i
		}
	}
	return -1
}

// bump moves an existing entry to the back (most-recently-seen position)
// and merges its address/timestamps.
func (b *bucket) bump(i int, addr *net.UDPAddr, version uint32, now time.Time, reply bool) {
	c := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	if addr != nil {
		c.Addr = addr
	}
	if version != 0 {
		c.Version = version
	}
	c.LastSeen = now
	if reply {
		c.LastReply = now
		c.Failures = 0
	}
	b.entries = append(b.entries, c)
}

// pushReplacement appends to the replacement cache, evicting the oldest
// entry if the cache is already at capacity K. Replacement-cache entries
// are never added to b.ips (only live bucket entries are), so eviction
// here must not call b.ips.Remove: doing so would decrement the subnet
// count for whichever live entry happens to share the evicted IP's
// subnet, undercounting it and letting more than Limit same-subnet
// contacts into the live bucket over time.
func (b *bucket) pushReplacement(c *Contact) {
	if len(b.replacements) >= K {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, c)
}

// popVerifiedReplacement removes and returns the oldest verified
// replacement, or nil if none qualify.
func (b *bucket) popVerifiedReplacement() *Contact {
	for i, c := range b.replacements {
		if c.Verified() {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return c
		}
	}
	return nil
}

// split divides the bucket at depth b.minPrefix+1, returning the new
// shallower bucket (covering [minPrefix, minPrefix+1)) while b itself
// narrows to [minPrefix+1, maxPrefix) and keeps its place as the deepest,
// still-splittable bucket.
func (b *bucket) split(localPrefix func(id common.Id) int) *bucket {
	mid := b.minPrefix + 1
	shallow := newBucket(b.minPrefix, mid)
	b.minPrefix = mid

	oldEntries, oldReplacements := b.entries, b.replacements
	b.entries, b.replacements = nil, nil
	b.ips = distip.DistinctNetSet{Subnet: 24, Limit: 2}

	for _, c := range oldEntries {
		target := b
		if localPrefix(c.Id) < mid {
			target = shallow
		}
		target.entries = append(target.entries, c)
		target.ips.Add(c.Addr.IP)
	}
	for _, c := range oldReplacements {
		target := b
		if localPrefix(c.Id) < mid {
			target = shallow
		}
		target.replacements = append(target.replacements, c)
	}
	return shallow
}
