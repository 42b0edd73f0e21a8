package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/storage"
)

func newTestNode(t *testing.T) (*Node, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		LocalId:            randomId(t),
		ListenV4:           &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		Store:              storage.NewMemory(),
		ValueTTL:           time.Hour,
		PeerTTL:            time.Hour,
		RPC:                testConfig(),
		Concurrency:        4,
		TokenEpoch:         time.Minute,
		BlacklistThreshold: 5,
		BlacklistDecay:     time.Minute,
	}
	n, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Close()
		cancel()
	})
	return n, ctx, cancel
}

func TestNewRequiresAnAddressFamily(t *testing.T) {
	_, err := New(context.Background(), Config{Store: storage.NewMemory()})
	require.Error(t, err)
}

func TestNewRejectsDoubleInitializedStore(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Initialize(time.Hour, time.Hour))
	_, err := New(context.Background(), Config{
		LocalId:  randomId(t),
		ListenV4: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		Store:    store,
		RPC:      testConfig(),
	})
	require.ErrorIs(t, err, storage.ErrAlreadyInitialized)
}

func TestDualStackNodeWiresSiblingTables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := New(ctx, Config{
		LocalId:     randomId(t),
		ListenV4:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		ListenV6:    &net.UDPAddr{IP: net.IPv6loopback, Port: 0},
		Store:       storage.NewMemory(),
		ValueTTL:    time.Hour,
		PeerTTL:     time.Hour,
		RPC:         testConfig(),
		Concurrency: 4,
	})
	require.NoError(t, err)
	defer n.Close()

	require.NotNil(t, n.V4())
	require.NotNil(t, n.V6())
	require.Same(t, n.V6().table, n.V4().peer)
	require.Same(t, n.V4().table, n.V6().peer)
}

func TestPublishValueStoresLocallyAndAnnounces(t *testing.T) {
	n, ctx, _ := newTestNode(t)
	peer := newTestDht(t)
	bond(t, n.primary(), peer)

	v, err := boson.NewImmutableValue([]byte("published"))
	require.NoError(t, err)

	result, err := n.PublishValue(ctx, v, storage.NoExpectedSeq)
	require.NoError(t, err)
	require.True(t, result.Success())

	local, err := n.store.GetValue(v.Id())
	require.NoError(t, err)
	require.NotNil(t, local)

	remote, err := peer.store.GetValue(v.Id())
	require.NoError(t, err)
	require.NotNil(t, remote)
}

func TestPublishPeerTracksOwnership(t *testing.T) {
	n, ctx, _ := newTestNode(t)
	peer := newTestDht(t)
	bond(t, n.primary(), peer)

	peerPub, peerPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	record, err := boson.NewPeerRecord(peerPub, peerPriv, n.localId, 1, "tcp://10.0.0.9:1234", nil)
	require.NoError(t, err)

	result, err := n.PublishPeer(ctx, record)
	require.NoError(t, err)
	require.True(t, result.Success())

	n.ownedMu.Lock()
	owned := n.ownedPeers[record.PeerId]
	n.ownedMu.Unlock()
	require.True(t, owned)
}

func TestMaintenanceRepublishesOverdueValue(t *testing.T) {
	n, ctx, _ := newTestNode(t)
	peer := newTestDht(t)
	bond(t, n.primary(), peer)

	v, err := boson.NewImmutableValue([]byte("stale"))
	require.NoError(t, err)
	require.NoError(t, n.store.PutValue(v, true, storage.NoExpectedSeq))

	n.republish(ctx, time.Now().Add(2*RepublishInterval))

	remote, err := peer.store.GetValue(v.Id())
	require.NoError(t, err)
	require.NotNil(t, remote)
}
