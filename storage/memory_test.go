package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/dhterror"
)

func newInitialized(t *testing.T, valueTTL, peerTTL time.Duration) *Memory {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.Initialize(valueTTL, peerTTL))
	return m
}

func TestImmutableRoundTrip(t *testing.T) {
	m := newInitialized(t, time.Hour, time.Hour)
	v, err := boson.NewImmutableValue([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(v, false, NoExpectedSeq))

	got, err := m.GetValue(v.Id())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Data())
}

func TestMutableUpdateWinsBySeq(t *testing.T) {
	m := newInitialized(t, time.Hour, time.Hour)
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	v1, err := boson.NewSignedValue(pub, priv, 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(v1, false, NoExpectedSeq))

	v2, err := boson.NewSignedValue(pub, priv, 2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(v2, false, NoExpectedSeq))

	got, err := m.GetValue(v1.Id())
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got.Data())
	require.EqualValues(t, 2, got.Sequence())

	v3, err := boson.NewSignedValue(pub, priv, 2, []byte("c"))
	require.NoError(t, err)
	err = m.PutValue(v3, false, NoExpectedSeq)
	var de *dhterror.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, dhterror.SeqNotMonotonic, de.Code)
}

func TestStorageExpiration(t *testing.T) {
	m := newInitialized(t, 50*time.Millisecond, time.Hour)
	v, err := boson.NewImmutableValue([]byte("ephemeral"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(v, false, NoExpectedSeq))

	w, err := boson.NewImmutableValue([]byte("durable-enough-to-differ"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(w, true, NoExpectedSeq))

	time.Sleep(100 * time.Millisecond)
	n, err := m.PurgeValues(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := m.GetValue(v.Id())
	require.NoError(t, err)
	require.Nil(t, got)

	gotW, err := m.GetValue(w.Id())
	require.NoError(t, err)
	require.NotNil(t, gotW)
}

func TestPutIdempotentForIdenticalRecords(t *testing.T) {
	m := newInitialized(t, time.Hour, time.Hour)
	v, err := boson.NewImmutableValue([]byte("stable"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(v, false, NoExpectedSeq))
	require.NoError(t, m.PutValue(v, false, NoExpectedSeq))

	got, err := m.GetValue(v.Id())
	require.NoError(t, err)
	require.Equal(t, v.Data(), got.Data())
}

func TestReInitializeFails(t *testing.T) {
	m := newInitialized(t, time.Hour, time.Hour)
	require.ErrorIs(t, m.Initialize(time.Hour, time.Hour), ErrAlreadyInitialized)
}

func TestAnnouncedTimeUnaffectedByUpdate(t *testing.T) {
	m := newInitialized(t, time.Hour, time.Hour)
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v1, err := boson.NewSignedValue(pub, priv, 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(v1, false, NoExpectedSeq))

	announced, err := m.UpdateValueAnnouncedTime(v1.Id())
	require.NoError(t, err)
	require.False(t, announced.IsZero())

	v2, err := boson.NewSignedValue(pub, priv, 2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, m.PutValue(v2, false, NoExpectedSeq))

	values, err := m.GetValues(nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, announced, values[0].AnnouncedAt)
}

func TestPeerAnnounceFanOut(t *testing.T) {
	m := newInitialized(t, time.Hour, time.Hour)
	peerPub, peerPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	var nodeId [32]byte
	nodeId[0] = 7

	rec, err := boson.NewPeerRecord(peerPub, peerPriv, nodeId, 42, "tcp://10.0.0.1:1234", nil)
	require.NoError(t, err)
	require.NoError(t, m.PutPeers([]*boson.PeerRecord{rec}, false))

	peerId, err := crypto.IdFromPublicKey(peerPub)
	require.NoError(t, err)
	peers, err := m.GetPeers(peerId, 0, 0)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.EqualValues(t, 42, peers[0].Record.Fingerprint)
	require.NoError(t, peers[0].Record.Validate())
}
