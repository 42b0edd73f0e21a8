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

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("hello boson")
	sig := Sign(priv, msg)
	require.True(t, Verify(pub, msg, sig))

	sig[0] ^= 0xff
	require.False(t, Verify(pub, msg, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pub1, priv1, err := GenerateKeyPair()
	require.NoError(t, err)
	pub2, _, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("payload")
	sig := Sign(priv1, msg)
	require.True(t, Verify(pub1, msg, sig))
	require.False(t, Verify(pub2, msg, sig))
}

func TestSha256MatchesId(t *testing.T) {
	id := Sha256([]byte("hello"))
	require.Equal(t, 32, len(id))
}

func TestSealOpenRoundTrip(t *testing.T) {
	senderPub, senderPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	recipientPub, recipientPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("a sealed message")
	sealed, err := Seal(plaintext, recipientPub, senderPriv)
	require.NoError(t, err)

	opened, err := Open(sealed, senderPub, recipientPriv)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenFailsForWrongRecipient(t *testing.T) {
	senderPub, senderPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	recipientPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, wrongPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal([]byte("secret"), recipientPub, senderPriv)
	require.NoError(t, err)

	_, err = Open(sealed, senderPub, wrongPriv)
	require.ErrorIs(t, err, ErrSealFailed)
}

func TestRandomIdIsNotZero(t *testing.T) {
	id, err := RandomId()
	require.NoError(t, err)
	require.False(t, id.IsZero())
}
