package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/rpcserver"
	"github.com/boson-network/boson/storage"
	"github.com/boson-network/boson/wire"
)

func testConfig() rpcserver.Config {
	return rpcserver.Config{
		MinTimeout:          200 * time.Millisecond,
		MaxTimeout:          time.Second,
		ThrottleBytesPerSec: 1 << 20,
		ThrottleBurst:       1 << 20,
	}
}

func randomId(t *testing.T) common.Id {
	t.Helper()
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.IdFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func newTestDht(t *testing.T) *Dht {
	t.Helper()
	store := storage.NewMemory()
	require.NoError(t, store.Initialize(time.Hour, time.Hour))
	tokens, err := NewTokenManager(time.Minute)
	require.NoError(t, err)
	blacklist := NewBlacklist(5, time.Minute)

	d, err := NewDht(context.Background(), randomId(t), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}, store, tokens, blacklist, nil, testConfig(), 4)
	require.NoError(t, err)
	go d.Serve(context.Background())
	t.Cleanup(func() { d.Close() })
	return d
}

// bond pings b from a, requires the ping to succeed, then inserts each
// Dht into the other's table as a verified contact: the minimal handshake
// every lookup test needs before a has a route to b.
func bond(t *testing.T, a, b *Dht) {
	t.Helper()
	_, result := a.FindNode(context.Background(), b.localId)
	_ = result
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := &wire.Request{SenderId: a.localId}
	_, err := a.server.Request(ctx, b.LocalAddr(), b.localId, wire.MethodPing, req, 0)
	require.NoError(t, err)
	a.table.Insert(&kbucket.Contact{Id: b.localId, Addr: b.LocalAddr(), LastReply: time.Now()})
	b.table.Insert(&kbucket.Contact{Id: a.localId, Addr: a.LocalAddr(), LastReply: time.Now()})
}

func TestPingBondsBothDirections(t *testing.T) {
	a, b := newTestDht(t), newTestDht(t)
	bond(t, a, b)
	require.Equal(t, 1, a.table.Len())
	require.Equal(t, 1, b.table.Len())
}

func TestFindNodeAcrossTwoDhts(t *testing.T) {
	a, b := newTestDht(t), newTestDht(t)
	bond(t, a, b)

	h, result := a.FindNode(context.Background(), b.localId)
	require.NotNil(t, h)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("find-node did not finish")
	}
	require.NoError(t, h.Err())
	require.NotEmpty(t, result.Closest)
}

func TestStoreThenFindValue(t *testing.T) {
	a, b := newTestDht(t), newTestDht(t)
	bond(t, a, b)

	v, err := boson.NewImmutableValue([]byte("hello boson"))
	require.NoError(t, err)

	h, storeResult := a.StoreValue(context.Background(), v)
	require.NotNil(t, h)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("store-value did not finish")
	}
	require.NoError(t, h.Err())
	require.True(t, storeResult.Success())

	got, err := b.store.GetValue(v.Id())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, []byte("hello boson"), got.Data())

	h2, findResult := a.FindValue(context.Background(), v.Id())
	require.NotNil(t, h2)
	select {
	case <-h2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("find-value did not finish")
	}
	require.NoError(t, h2.Err())
	require.NotNil(t, findResult.Value)
	require.Equal(t, []byte("hello boson"), findResult.Value.Data())
}

func TestAnnounceThenFindPeer(t *testing.T) {
	a, b := newTestDht(t), newTestDht(t)
	bond(t, a, b)

	peerPub, peerPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	record, err := boson.NewPeerRecord(peerPub, peerPriv, a.localId, 1, "tcp://10.0.0.5:9000", nil)
	require.NoError(t, err)

	h, announceResult := a.AnnouncePeer(context.Background(), record)
	require.NotNil(t, h)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("announce-peer did not finish")
	}
	require.NoError(t, h.Err())
	require.True(t, announceResult.Success())

	h2, findResult := a.FindPeer(context.Background(), record.PeerId)
	require.NotNil(t, h2)
	select {
	case <-h2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("find-peer did not finish")
	}
	require.NoError(t, h2.Err())
	require.NotEmpty(t, findResult.Peers)
}

func TestBlacklistedRemoteIsRejected(t *testing.T) {
	a, b := newTestDht(t), newTestDht(t)
	for i := 0; i < BlacklistThreshold; i++ {
		b.blacklist.Strike(a.LocalAddr())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.server.Request(ctx, b.LocalAddr(), b.localId, wire.MethodPing, &wire.Request{SenderId: a.localId}, 0)
	require.Error(t, err)
}

func TestBootstrapInsertsRespondingSeed(t *testing.T) {
	a, b := newTestDht(t), newTestDht(t)
	seeds := []Seed{{Id: b.localId, IP: b.LocalAddr().IP, Port: b.LocalAddr().Port}}
	a.Bootstrap(context.Background(), seeds)
	require.Positive(t, a.table.Len())
}

func TestPingRefreshSkipsWhenNothingQuestionable(t *testing.T) {
	a := newTestDht(t)
	h, result := a.PingRefresh(context.Background())
	require.Nil(t, h)
	require.NotNil(t, result)
}
