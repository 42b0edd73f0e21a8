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
	"crypto/sha512"
	"errors"
	"math/big"
)

// Boson keeps a single Ed25519 identity per node and per record holder,
// but sealed boxes need X25519 (Curve25519 Diffie-Hellman) key material.
// These two helpers
// perform the standard birational map between the Edwards and Montgomery
// curve models, the same conversion libsodium exposes as
// crypto_sign_ed25519_pk_to_curve25519 / _sk_to_curve25519.

var curve25519P = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p
}()

// privateKeyToCurve25519 derives the X25519 private scalar from an Ed25519
// private key: the first 32 bytes of the private key are the signing seed,
// and hashing it with SHA-512 and keeping the lower half is exactly how
// Ed25519 itself derives its internal scalar, so the result is already a
// valid (to be clamped by the X25519 implementation) Curve25519 scalar.
func privateKeyToCurve25519(out *[32]byte, priv PrivateKey) {
	h := sha512.Sum512(priv[:32])
	copy(out[:], h[:32])
}

// publicKeyToCurve25519 converts an Ed25519 public key (the Edwards
// y-coordinate, sign-bit-compressed) into the Montgomery u-coordinate used
// by X25519: u = (1+y) / (1-y) mod p.
func publicKeyToCurve25519(out *[32]byte, pub PublicKey) error {
	if len(pub) != PublicKeySize {
		return errors.New("crypto: bad ed25519 public key length")
	}
	// Decode the little-endian y-coordinate, discarding the sign bit that
	// the Edwards compression stores in the top bit of the last byte.
	buf := make([]byte, 32)
	copy(buf, pub)
	buf[31] &= 0x7f
	y := new(big.Int).SetBytes(reverse(buf))

	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, curve25519P)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, curve25519P)
	denInv := new(big.Int).ModInverse(den, curve25519P)
	if denInv == nil {
		return errors.New("crypto: ed25519 public key is not invertible on curve25519")
	}
	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, curve25519P)

	uBytes := u.Bytes()
	le := reverse(padTo32(uBytes))
	copy(out[:], le)
	return nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func padTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
