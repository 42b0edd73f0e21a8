// Package resolver implements the identifier layer's two-tier cache and
// publish/resolve flow on top of the DHT core: signed Cards are published
// as mutable boson.Value records keyed by their subject Id and resolved
// through a bounded LRU plus a file-system-backed persistent cache with
// at-most-one-in-flight coalescing.
package resolver

import (
	"errors"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/crypto"
)

var cborHandle = &codec.CborHandle{}

func init() {
	cborHandle.Canonical = true
}

// Card is a compact signed identity document: credentials and services
// keyed in the DHT by its subject Id. Two plausible Card shapes differ on
// whether SignedAt participates in equality; the richer one was chosen,
// so SignedAt is carried and compared here.
type Card struct {
	Id          common.Id
	PublicKey   crypto.PublicKey
	Credentials []byte
	Services    []byte
	SignedAt    time.Time
	Deactivated bool
}

// Equal compares two cards field-by-field, including SignedAt.
func (c *Card) Equal(other *Card) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Id == other.Id &&
		string(c.PublicKey) == string(other.PublicKey) &&
		string(c.Credentials) == string(other.Credentials) &&
		string(c.Services) == string(other.Services) &&
		c.SignedAt.Equal(other.SignedAt) &&
		c.Deactivated == other.Deactivated
}

// cardPayload is the CBOR-encoded form stored as a signed Value's data: the
// subject Id and public key live in the Value envelope already (Id() and
// PublicKey()), so only the card-specific fields are encoded here.
type cardPayload struct {
	Credentials []byte    `codec:"c"`
	Services    []byte    `codec:"s"`
	SignedAt    time.Time `codec:"t"`
	Deactivated bool      `codec:"d"`
}

var errEmptyPayload = errors.New("resolver: empty card payload")

// EncodePayload renders a Card's mutable fields to the bytes that go into
// a signed Value's data field.
func EncodePayload(c *Card) ([]byte, error) {
	p := cardPayload{Credentials: c.Credentials, Services: c.Services, SignedAt: c.SignedAt, Deactivated: c.Deactivated}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(&p); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodePayload parses a signed Value's data field back into a Card's
// mutable fields, leaving Id/PublicKey for the caller to fill in from the
// enclosing Value.
func DecodePayload(data []byte) (*Card, error) {
	if len(data) == 0 {
		return nil, errEmptyPayload
	}
	var p cardPayload
	dec := codec.NewDecoderBytes(data, cborHandle)
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return &Card{Credentials: p.Credentials, Services: p.Services, SignedAt: p.SignedAt, Deactivated: p.Deactivated}, nil
}
