package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/dhterror"
	"github.com/boson-network/boson/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Initialize(time.Hour, time.Hour))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreImmutableRoundTrip(t *testing.T) {
	s := newTestStore(t)
	v, err := boson.NewImmutableValue([]byte("hello-sql"))
	require.NoError(t, err)
	require.NoError(t, s.PutValue(v, false, storage.NoExpectedSeq))

	got, err := s.GetValue(v.Id())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, []byte("hello-sql"), got.Data())
}

func TestSQLStoreMutableUpdateWinsBySeq(t *testing.T) {
	s := newTestStore(t)
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	v1, err := boson.NewSignedValue(pub, priv, 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.PutValue(v1, false, storage.NoExpectedSeq))

	v2, err := boson.NewSignedValue(pub, priv, 2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.PutValue(v2, false, storage.NoExpectedSeq))

	got, err := s.GetValue(v1.Id())
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got.Data())
	require.EqualValues(t, 2, got.Sequence())

	v3, err := boson.NewSignedValue(pub, priv, 2, []byte("c"))
	require.NoError(t, err)
	err = s.PutValue(v3, false, storage.NoExpectedSeq)
	var de *dhterror.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, dhterror.SeqNotMonotonic, de.Code)
}

func TestSQLStorePurgeExpired(t *testing.T) {
	s := newTestStore(t)
	s.valueTTL = 50 * time.Millisecond

	v, err := boson.NewImmutableValue([]byte("ephemeral-sql"))
	require.NoError(t, err)
	require.NoError(t, s.PutValue(v, false, storage.NoExpectedSeq))

	w, err := boson.NewImmutableValue([]byte("durable-sql-value"))
	require.NoError(t, err)
	require.NoError(t, s.PutValue(w, true, storage.NoExpectedSeq))

	time.Sleep(100 * time.Millisecond)
	n, err := s.PurgeValues(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetValue(v.Id())
	require.NoError(t, err)
	require.Nil(t, got)

	gotW, err := s.GetValue(w.Id())
	require.NoError(t, err)
	require.NotNil(t, gotW)
}

func TestSQLStorePeerAnnounceFanOut(t *testing.T) {
	s := newTestStore(t)
	peerPub, peerPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	var nodeId [32]byte
	nodeId[0] = 9

	rec, err := boson.NewPeerRecord(peerPub, peerPriv, nodeId, 7, "tcp://10.0.0.2:4321", nil)
	require.NoError(t, err)
	require.NoError(t, s.PutPeers([]*boson.PeerRecord{rec}, false))

	peerId, err := crypto.IdFromPublicKey(peerPub)
	require.NoError(t, err)
	peers, err := s.GetPeers(peerId, 0, 0)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.EqualValues(t, 7, peers[0].Record.Fingerprint)
	require.NoError(t, peers[0].Record.Validate())
}

func TestSQLStoreReInitializeFails(t *testing.T) {
	s := newTestStore(t)
	require.ErrorIs(t, s.Initialize(time.Hour, time.Hour), storage.ErrAlreadyInitialized)
}

var _ storage.Store = (*Store)(nil)
