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

// Package crypto collects the signature, sealed-box and id-derivation
// primitives shared by the record model, the wire codec and the
// identifier layer.
package crypto

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/boson-network/boson/common"
)

// NonceSize is the size in bytes of the nonce used both by signed mutable
// values (as signing context) and by sealed boxes (as the nacl/box nonce).
const NonceSize = 24

// Sizes of Ed25519 key material, re-exported so callers never need to
// import crypto/ed25519 directly just to size buffers.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
)

var (
	// ErrInvalidSignature is returned by Verify when a signature does not
	// verify under the given public key.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	// ErrSealFailed is returned when Open cannot authenticate
	// the sealed payload.
	ErrSealFailed = errors.New("crypto: box open failed")
)

// PublicKey and PrivateKey alias the stdlib Ed25519 types. An Id is, for
// mutable and encrypted records, exactly a PublicKey reinterpreted.
type (
	PublicKey  = ed25519.PublicKey
	PrivateKey = ed25519.PrivateKey
)

// GenerateKeyPair returns a fresh Ed25519 keypair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	return ed25519.GenerateKey(cryptorand.Reader)
}

// IdFromPublicKey reinterprets a 32-byte Ed25519 public key as an Id.
func IdFromPublicKey(pk PublicKey) (common.Id, error) {
	return common.BytesToId(pk)
}

// Sha256 returns the SHA-256 digest of data, used to derive the id of an
// immutable value: id = SHA-256(data).
func Sha256(data []byte) common.Id {
	sum := sha256.Sum256(data)
	return common.Id(sum)
}

// RandomNonce fills a fresh random nonce of NonceSize bytes.
func RandomNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(cryptorand.Reader, n[:]); err != nil {
		return n, err
	}
	return n, nil
}

// RandomId returns a uniformly random 32-byte Id, used to pick lookup
// targets for bucket refresh and self-lookups.
func RandomId() (common.Id, error) {
	var id common.Id
	if _, err := io.ReadFull(cryptorand.Reader, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// SignContext builds the byte string that mutable-value signatures cover:
// nonce ∥ seq ∥ data.
func SignContext(nonce [NonceSize]byte, seq int64, data []byte) []byte {
	buf := make([]byte, 0, NonceSize+8+len(data))
	buf = append(buf, nonce[:]...)
	buf = appendUint64BE(buf, uint64(seq))
	buf = append(buf, data...)
	return buf
}

func appendUint64BE(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return append(buf, b[:]...)
}

// Sign signs msg with priv, returning a detached SignatureSize-byte
// signature.
func Sign(priv PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SealedBox seals data from sender to recipient using X25519 key agreement
// derived from the sender's Ed25519 identity, XSalsa20-Poly1305 under a
// 24-byte nonce, mirroring the "encrypted" Value variant.
//
// Boson ids are Ed25519 keys; nacl/box operates on Curve25519 keys, so
// Seal and Open below take Ed25519 keys and convert them to the X25519
// form themselves (see curve25519.go).
type SealedBox struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Seal encrypts data for recipientPub using senderPriv, producing a sealed
// box whose nonce is generated randomly.
func Seal(data []byte, recipientPub PublicKey, senderPriv PrivateKey) (*SealedBox, error) {
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}
	var curvePub [32]byte
	var curvePriv [32]byte
	if err := publicKeyToCurve25519(&curvePub, recipientPub); err != nil {
		return nil, err
	}
	privateKeyToCurve25519(&curvePriv, senderPriv)
	out := box.Seal(nil, data, &nonce, &curvePub, &curvePriv)
	return &SealedBox{Nonce: nonce, Ciphertext: out}, nil
}

// Open decrypts a sealed box addressed to recipientPriv from senderPub.
func Open(sealed *SealedBox, senderPub PublicKey, recipientPriv PrivateKey) ([]byte, error) {
	var curvePub [32]byte
	var curvePriv [32]byte
	if err := publicKeyToCurve25519(&curvePub, senderPub); err != nil {
		return nil, err
	}
	privateKeyToCurve25519(&curvePriv, recipientPriv)
	out, ok := box.Open(nil, sealed.Ciphertext, &sealed.Nonce, &curvePub, &curvePriv)
	if !ok {
		return nil, ErrSealFailed
	}
	return out, nil
}
