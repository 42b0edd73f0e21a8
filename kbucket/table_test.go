package kbucket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/common"
)

func id(b byte) common.Id {
	var x common.Id
	x[0] = b
	return x
}

func contact(idByte byte, ip string) *Contact {
	return &Contact{
		Id:        id(idByte),
		Addr:      &net.UDPAddr{IP: net.ParseIP(ip), Port: 6881},
		LastReply: time.Now(),
	}
}

// distinctContact builds a contact with a /24-distinct IP, for tests that
// want to fill a bucket past the IP-diversity cap (2 per /24).
func distinctContact(idByte byte) *Contact {
	return &Contact{
		Id:        id(idByte),
		Addr:      &net.UDPAddr{IP: net.IPv4(10, 0, idByte, 1), Port: 6881},
		LastReply: time.Now(),
	}
}

func TestInsertAndClosest(t *testing.T) {
	local := id(0x00)
	table := NewTable(local)

	for i := 1; i <= 5; i++ {
		disp := table.Insert(distinctContact(byte(i)))
		require.Equal(t, Added, disp)
	}
	require.Equal(t, 5, table.Len())

	closest := table.Closest(id(0x01), 3)
	require.Len(t, closest, 3)
	require.Equal(t, id(0x01), closest[0].Id)
}

func TestInsertUpdatesExisting(t *testing.T) {
	local := id(0x00)
	table := NewTable(local)
	c := contact(0x01, "10.0.0.1")
	require.Equal(t, Added, table.Insert(c))
	require.Equal(t, Updated, table.Insert(contact(0x01, "10.0.0.1")))
	require.Equal(t, 1, table.Len())
}

func TestIPDiversityLimitsBucket(t *testing.T) {
	local := id(0x00)
	table := NewTable(local)
	for i := 1; i <= 3; i++ {
		table.Insert(contact(byte(i), "10.0.0.1"))
	}
	disp := table.Insert(contact(0x09, "10.0.0.1"))
	require.Equal(t, Queued, disp)
}

func TestRemovePromotesReplacement(t *testing.T) {
	local := id(0x00)
	table := NewTable(local)

	// These ids all share depth 0 with local (top bit set, local's is
	// not), so after the split they land together in the shallow,
	// non-splittable bucket and the ninth overflows to its replacement
	// cache instead of forcing a second split.
	var first *Contact
	for i := 1; i <= K; i++ {
		c := distinctContact(0x80 | byte(i))
		require.Equal(t, Added, table.Insert(c))
		if i == 1 {
			first = c
		}
	}
	repl := distinctContact(0x80 | byte(K+1))
	require.Equal(t, Queued, table.Insert(repl))
	require.Equal(t, K, table.Len())

	table.Remove(first.Id)
	require.Equal(t, K, table.Len())
	closest := table.Closest(repl.Id, 1)
	require.Equal(t, repl.Id, closest[0].Id)
}

func TestMarkFailedEvictsOnlyWithVerifiedReplacement(t *testing.T) {
	local := id(0x00)
	table := NewTable(local)

	var target *Contact
	for i := 1; i <= K; i++ {
		c := distinctContact(0x80 | byte(i))
		require.Equal(t, Added, table.Insert(c))
		if i == 1 {
			target = c
		}
	}

	// No replacement queued yet: repeated failures must not evict.
	for i := 0; i < MaxFailures; i++ {
		table.MarkFailed(target.Id)
	}
	require.Equal(t, K, table.Len())
	closest := table.Closest(target.Id, 1)
	require.Equal(t, target.Id, closest[0].Id)

	repl := distinctContact(0x80 | byte(K+1))
	require.Equal(t, Queued, table.Insert(repl))

	table.MarkFailed(target.Id)
	require.Equal(t, K, table.Len())
	closest = table.Closest(repl.Id, 1)
	require.Equal(t, repl.Id, closest[0].Id)
}

func TestSplitOnlyAtLocalPrefix(t *testing.T) {
	local := id(0x00)
	table := NewTable(local)

	// None of these ids share the top bit with local (0x00), but they all
	// land in the initial single bucket, which covers the local prefix, so
	// the ninth forces it to split. Each
	// gets a distinct /24 so the IP-diversity cap doesn't intervene first.
	for i := 0; i < K+1; i++ {
		far := id(0x80 | byte(i))
		ip := net.IPv4(10, 0, byte(i), 1)
		disp := table.Insert(&Contact{Id: far, Addr: &net.UDPAddr{IP: ip, Port: 1}, LastReply: time.Now()})
		require.NotEqual(t, Rejected, disp)
	}
	require.GreaterOrEqual(t, table.Buckets(), 2)
}
