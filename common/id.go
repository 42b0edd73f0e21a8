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

// Package common holds the 32-byte identifier type shared by every Boson
// package: node ids, record ids and Ed25519 public keys are all an Id.
package common

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/mr-tron/base58"
)

// IdLength is the size in bytes of an Id.
const IdLength = 32

// Id is a 32-byte opaque identifier. It doubles as an Ed25519 public key
// whenever it names a mutable record holder, a signed peer key, or a node.
type Id [IdLength]byte

// ErrInvalidIdLength is returned when decoding bytes of the wrong length.
var ErrInvalidIdLength = errors.New("common: invalid id length")

// BytesToId converts a byte slice to an Id, left-zero-padding on the
// right is never performed: the slice must be exactly IdLength bytes.
func BytesToId(b []byte) (Id, error) {
	var id Id
	if len(b) != IdLength {
		return id, ErrInvalidIdLength
	}
	copy(id[:], b)
	return id, nil
}

// MustIdFromBytes is like BytesToId but panics on a length mismatch. It is
// intended for constants and test fixtures, never for wire input.
func MustIdFromBytes(b []byte) Id {
	id, err := BytesToId(b)
	if err != nil {
		panic(err)
	}
	return id
}

// HexToId decodes a hex string (with or without a 0x prefix) into an Id.
func HexToId(s string) (Id, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, err
	}
	return BytesToId(b)
}

// Bytes returns the id as a freshly allocated byte slice.
func (id Id) Bytes() []byte { return id[:] }

// MarshalBinary implements encoding.BinaryMarshaler, giving every codec
// that honors it (including the CBOR handle used by package wire) a
// compact raw-bytes encoding instead of falling back to array-of-uint
// reflection.
func (id Id) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), id[:]...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *Id) UnmarshalBinary(b []byte) error {
	if len(b) != IdLength {
		return ErrInvalidIdLength
	}
	copy(id[:], b)
	return nil
}

// String returns the hex encoding of the id.
func (id Id) String() string { return hex.EncodeToString(id[:]) }

// Base58 returns the base58 (Bitcoin alphabet) encoding of the id, the
// compact text form used for user-facing identifiers and DID method-specific
// ids.
func (id Id) Base58() string { return base58.Encode(id[:]) }

// IdFromBase58 parses the base58 text form produced by Id.Base58.
func IdFromBase58(s string) (Id, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Id{}, err
	}
	return BytesToId(b)
}

// IsZero reports whether id is the all-zero value.
func (id Id) IsZero() bool {
	var zero Id
	return subtle.ConstantTimeCompare(id[:], zero[:]) == 1
}

// Distance returns the XOR metric between two ids, as specified by
// Kademlia: distance(a,b) = a XOR b.
func Distance(a, b Id) Id {
	var d Id
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is numerically smaller than b when both are read
// as 256-bit big-endian unsigned integers. It is the tie-break order used
// throughout the routing table and task engine: "lexicographically
// smaller id wins".
func (a Id) Less(b Id) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CloserTo reports whether a is closer to target than b is, breaking exact
// ties by the lexicographic order of a and b themselves.
func CloserTo(target, a, b Id) bool {
	da, db := Distance(target, a), Distance(target, b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return a.Less(b)
}

// PrefixDistance returns the index (0..255) of the most-significant bit at
// which a and b first differ; it is the Kademlia "log distance" used to
// pick which k-bucket covers a given id relative to the local id. Equal
// ids return -1 by convention (no bucket covers the local id itself).
func PrefixDistance(a, b Id) int {
	for byteIdx := 0; byteIdx < IdLength; byteIdx++ {
		x := a[byteIdx] ^ b[byteIdx]
		if x == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if x&(0x80>>uint(bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// SortByDistance sorts ids in place by increasing XOR distance to target,
// breaking ties lexicographically.
func SortByDistance(target Id, ids []Id) {
	sort.Slice(ids, func(i, j int) bool {
		return CloserTo(target, ids[i], ids[j])
	})
}
