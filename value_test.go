package boson

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/crypto"
)

func TestImmutableValueRoundTrip(t *testing.T) {
	v, err := NewImmutableValue([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, Immutable, v.Kind())
	require.NoError(t, v.Validate())
	require.Equal(t, crypto.Sha256([]byte("hello")), v.Id())
}

func TestImmutableValueRejectsOversizedData(t *testing.T) {
	_, err := NewImmutableValue(make([]byte, MaxValueDataSize+1))
	require.ErrorIs(t, err, ErrDataTooLarge)
}

func TestSignedValueSeqAndVerify(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	v1, err := NewSignedValue(pub, priv, 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, v1.Validate())
	require.Equal(t, Signed, v1.Kind())

	v2, err := NewSignedValue(pub, priv, 2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, v2.Validate())
	require.Greater(t, v2.Sequence(), v1.Sequence())
}

func TestSignedValueTamperedSignatureFailsValidation(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v, err := NewSignedValue(pub, priv, 1, []byte("a"))
	require.NoError(t, err)
	v.signature[0] ^= 0xff
	require.ErrorIs(t, v.Validate(), ErrInvalidSignature)
}

func TestEncryptedValueOpenRoundTrip(t *testing.T) {
	senderPub, senderPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	recipientPub, recipientPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	recipientId, err := crypto.IdFromPublicKey(recipientPub)
	require.NoError(t, err)

	v, err := NewEncryptedValue(senderPub, senderPriv, recipientId, 1, []byte("secret"))
	require.NoError(t, err)
	require.Equal(t, Encrypted, v.Kind())
	require.NoError(t, v.Validate())

	plain, err := v.Open(recipientPriv)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), plain)
}

func TestPeerRecordValidate(t *testing.T) {
	peerPub, peerPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	nodeId, err := crypto.RandomId()
	require.NoError(t, err)

	p, err := NewPeerRecord(peerPub, peerPriv, nodeId, 42, "tcp://10.0.0.1:1234", nil)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	p.Endpoint = "tcp://10.0.0.2:1234"
	require.ErrorIs(t, p.Validate(), ErrPeerInvalidSignature)
}
