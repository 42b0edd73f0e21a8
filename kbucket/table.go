package kbucket

import (
	"sort"
	"sync"
	"time"

	"github.com/boson-network/boson/common"
)

// maxDepth is the number of distinct prefix-length values an id pair can
// take (0..255 inclusive), i.e. common.IdLength*8.
const maxDepth = common.IdLength * 8

// Table is an ordered cover of the 256-bit id space by k-buckets, disjoint
// and exhaustive: for every id x, exactly one bucket claims x. It starts as a single bucket and refines by
// splitting the bucket that covers the local id's own prefix.
//
// All operations are serialized by mu; the node runtime is expected to
// route all insert/remove/mark* calls for a given table through its single
// reactor goroutine, so contention is rare in practice, matching the
// teacher's own discovery table, which protects its bucket slice the same
// way.
type Table struct {
	mu      sync.Mutex
	localId common.Id
	buckets []*bucket // sorted ascending by minPrefix; last entry is deepest
}

// NewTable creates a routing table for localId, starting as a single
// bucket covering the entire space.
func NewTable(localId common.Id) *Table {
	return &Table{
		localId: localId,
		buckets: []*bucket{newBucket(0, maxDepth)},
	}
}

func (t *Table) prefixOf(id common.Id) int {
	d := common.PrefixDistance(t.localId, id)
	if d < 0 {
		// id == localId; treat as maximally deep so it sorts with the
		// local-owning bucket rather than panicking on lookup.
		return maxDepth - 1
	}
	return d
}

func (t *Table) bucketIndexFor(depth int) int {
	for i, b := range t.buckets {
		if b.covers(depth) {
			return i
		}
	}
	// Unreachable given buckets are an exhaustive cover, but fall back to
	// the deepest bucket rather than index out of range.
	return len(t.buckets) - 1
}

// Insert places contact in the bucket covering its id, splitting and
// retrying as needed, and reports the final disposition.
func (t *Table) Insert(c *Contact) Disposition {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.Id == t.localId {
		return Rejected
	}
	now := time.Now()
	depth := t.prefixOf(c.Id)

	for {
		i := t.bucketIndexFor(depth)
		b := t.buckets[i]

		if existing := b.indexOf(c.Id); existing >= 0 {
			b.bump(existing, c.Addr, c.Version, now, !c.LastReply.IsZero())
			return Updated
		}

		if len(b.entries) < K {
			if !b.ips.CanAdd(c.Addr.IP) {
				return enqueueReplacement(b, c)
			}
			c.LastSeen = now
			b.entries = append(b.entries, c)
			b.ips.Add(c.Addr.IP)
			return Added
		}

		if b.splittable(maxDepth) {
			shallow := b.split(t.prefixOf)
			t.buckets = append(t.buckets, nil)
			copy(t.buckets[i+1:], t.buckets[i:])
			t.buckets[i] = shallow
			continue // retry against the now-split table
		}

		return enqueueReplacement(b, c)
	}
}

func enqueueReplacement(b *bucket, c *Contact) Disposition {
	c.LastSeen = time.Now()
	b.pushReplacement(c)
	return Queued
}

// Remove drops id from its bucket's live entries and promotes the oldest
// verified replacement, if any.
func (t *Table) Remove(id common.Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketIndexFor(t.prefixOf(id))]
	i := b.indexOf(id)
	if i < 0 {
		return
	}
	gone := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.ips.Remove(gone.Addr.IP)

	if repl := b.popVerifiedReplacement(); repl != nil {
		if b.ips.CanAdd(repl.Addr.IP) {
			b.entries = append(b.entries, repl)
			b.ips.Add(repl.Addr.IP)
		}
	}
}

// MarkResponded updates liveness counters for a contact that replied.
func (t *Table) MarkResponded(id common.Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketIndexFor(t.prefixOf(id))]
	if i := b.indexOf(id); i >= 0 {
		b.bump(i, nil, 0, time.Now(), true)
	}
}

// MarkFailed increments a contact's failure counter, evicting it in favor
// of a verified replacement once MaxFailures is reached.
func (t *Table) MarkFailed(id common.Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketIndexFor(t.prefixOf(id))]
	i := b.indexOf(id)
	if i < 0 {
		return
	}
	b.entries[i].Failures++
	if !b.entries[i].Evictable() {
		return
	}
	repl := b.popVerifiedReplacement()
	if repl == nil {
		return
	}
	gone := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.ips.Remove(gone.Addr.IP)
	if b.ips.CanAdd(repl.Addr.IP) {
		b.entries = append(b.entries, repl)
		b.ips.Add(repl.Addr.IP)
	}
}

// Closest returns up to k contacts sorted by XOR distance to target,
// expanding outward from the bucket covering target until enough are
// collected.
func (t *Table) Closest(target common.Id, k int) []*Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	depth := t.prefixOf(target)
	start := t.bucketIndexFor(depth)

	seen := make([]*Contact, 0, k*2)
	seen = append(seen, t.buckets[start].entries...)

	for lo, hi := start-1, start+1; len(seen) < k && (lo >= 0 || hi < len(t.buckets)); lo, hi = lo-1, hi+1 {
		if lo >= 0 {
			seen = append(seen, t.buckets[lo].entries...)
		}
		if hi < len(t.buckets) {
			seen = append(seen, t.buckets[hi].entries...)
		}
	}

	sort.Slice(seen, func(i, j int) bool {
		return common.CloserTo(target, seen[i].Id, seen[j].Id)
	})
	if len(seen) > k {
		seen = seen[:k]
	}
	return seen
}

// StaleBuckets returns the buckets not refreshed within RefreshInterval,
// each represented by a random id that falls within its range, for the
// caller to issue a find-node against.
func (t *Table) StaleBuckets(randomIdInRange func(minPrefix, maxPrefix int) common.Id) []common.Id {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var targets []common.Id
	for _, b := range t.buckets {
		if now.Sub(b.lastRefresh) >= RefreshInterval {
			targets = append(targets, randomIdInRange(b.minPrefix, b.maxPrefix))
		}
	}
	return targets
}

// MarkRefreshed records that the bucket covering depth was just refreshed.
func (t *Table) MarkRefreshed(depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[t.bucketIndexFor(depth)].lastRefresh = time.Now()
}

// Len returns the total number of live entries across all buckets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// Buckets returns the number of buckets currently in the table, for tests
// and diagnostics.
func (t *Table) Buckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Live returns every live contact across all buckets, for the node's
// seed-cache persistence pass to snapshot.
func (t *Table) Live() []*Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Contact
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// Questionable returns every live contact not currently verified alive,
// for the node's maintenance ticker to ping-refresh.
func (t *Table) Questionable() []*Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Contact
	for _, b := range t.buckets {
		for _, c := range b.entries {
			if !c.Verified() {
				out = append(out, c)
			}
		}
	}
	return out
}
