package boson

import (
	"errors"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/wire"
)

// MaxValueDataSize is the maximum size in bytes of a Value's data payload.
const MaxValueDataSize = 1024

// Kind distinguishes the three Value variants. It is derived, never stored
// on the wire: the wire form distinguishes variants purely by field
// presence.
type Kind uint8

const (
	// Immutable values are addressed by the hash of their data and carry
	// no key, nonce or signature.
	Immutable Kind = iota
	// Signed values are mutable records whose id is the publisher's
	// Ed25519 public key.
	Signed
	// Encrypted values are signed mutable records whose data is a sealed
	// box addressed to a recipient.
	Encrypted
)

func (k Kind) String() string {
	switch k {
	case Immutable:
		return "immutable"
	case Signed:
		return "signed"
	case Encrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

var (
	ErrDataTooLarge      = errors.New("boson: value data exceeds 1024 bytes")
	ErrEmptyData         = errors.New("boson: value data is empty")
	ErrInvalidSignature  = errors.New("boson: value signature does not verify")
	ErrSeqNotPositive    = errors.New("boson: sequence number must be non-negative")
	ErrMissingPublicKey  = errors.New("boson: mutable value requires a public key")
	ErrMissingNonce      = errors.New("boson: mutable value requires a nonce")
	ErrMissingSignature  = errors.New("boson: mutable value requires a signature")
	ErrMissingRecipient  = errors.New("boson: encrypted value requires a recipient")
	ErrIdMismatch        = errors.New("boson: value id does not match its content")
)

// Value is the DHT's general-purpose record: immutable content addressed
// by hash, or a mutable record signed by its holder's Ed25519 key,
// optionally encrypted for a recipient.
//
// Value is a tagged union expressed as a flat struct with an
// invariant-checking constructor per variant: never build one
// with a struct literal outside this file.
type Value struct {
	id        common.Id
	publicKey *crypto.PublicKey // nil for Immutable
	recipient *common.Id        // set only for Encrypted
	nonce     *[crypto.NonceSize]byte
	sequence  int64
	signature []byte
	data      []byte
}

// NewImmutableValue builds an immutable Value: id = SHA-256(data).
func NewImmutableValue(data []byte) (*Value, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if len(data) > MaxValueDataSize {
		return nil, ErrDataTooLarge
	}
	return &Value{id: crypto.Sha256(data), data: append([]byte(nil), data...)}, nil
}

// NewSignedValue builds a signed mutable Value: id = pub, signed over
// nonce ∥ seq ∥ data.
func NewSignedValue(pub crypto.PublicKey, priv crypto.PrivateKey, seq int64, data []byte) (*Value, error) {
	if seq < 0 {
		return nil, ErrSeqNotPositive
	}
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if len(data) > MaxValueDataSize {
		return nil, ErrDataTooLarge
	}
	id, err := common.BytesToId(pub)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	sig := crypto.Sign(priv, crypto.SignContext(nonce, seq, data))
	pubCopy := append(crypto.PublicKey(nil), pub...)
	return &Value{
		id:        id,
		publicKey: &pubCopy,
		nonce:     &nonce,
		sequence:  seq,
		signature: sig,
		data:      append([]byte(nil), data...),
	}, nil
}

// NewEncryptedValue builds a signed mutable Value whose data is a sealed
// box from the publisher (priv/pub) to recipient.
func NewEncryptedValue(pub crypto.PublicKey, priv crypto.PrivateKey, recipient common.Id, seq int64, plaintext []byte) (*Value, error) {
	if seq < 0 {
		return nil, ErrSeqNotPositive
	}
	if len(plaintext) == 0 {
		return nil, ErrEmptyData
	}
	sealed, err := crypto.Seal(plaintext, crypto.PublicKey(recipient[:]), priv)
	if err != nil {
		return nil, err
	}
	if len(sealed.Ciphertext) > MaxValueDataSize {
		return nil, ErrDataTooLarge
	}
	id, err := common.BytesToId(pub)
	if err != nil {
		return nil, err
	}
	sig := crypto.Sign(priv, crypto.SignContext(sealed.Nonce, seq, sealed.Ciphertext))
	pubCopy := append(crypto.PublicKey(nil), pub...)
	return &Value{
		id:        id,
		publicKey: &pubCopy,
		recipient: &recipient,
		nonce:     &sealed.Nonce,
		sequence:  seq,
		signature: sig,
		data:      sealed.Ciphertext,
	}, nil
}

// NewValueFromWire reconstructs a Value from decoded wire fields without
// re-deriving it, used by ValueFromWire (and through it by storage loads
// and the RPC handlers) and by the resolver. It still runs
// the full invariant check via Validate.
func NewValueFromWire(id common.Id, publicKey *crypto.PublicKey, recipient *common.Id, nonce *[crypto.NonceSize]byte, seq int64, signature, data []byte) (*Value, error) {
	v := &Value{id: id, publicKey: publicKey, recipient: recipient, nonce: nonce, sequence: seq, signature: signature, data: data}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Id returns the value's id.
func (v *Value) Id() common.Id { return v.id }

// Kind classifies the value by which optional fields are present.
func (v *Value) Kind() Kind {
	switch {
	case v.publicKey == nil:
		return Immutable
	case v.recipient != nil:
		return Encrypted
	default:
		return Signed
	}
}

// PublicKey returns the holder's public key, or nil for immutable values.
func (v *Value) PublicKey() crypto.PublicKey {
	if v.publicKey == nil {
		return nil
	}
	return *v.publicKey
}

// Recipient returns the sealed box recipient, or nil unless Kind()==Encrypted.
func (v *Value) Recipient() *common.Id { return v.recipient }

// Nonce returns the signing/sealing nonce, or nil for immutable values.
func (v *Value) Nonce() *[crypto.NonceSize]byte { return v.nonce }

// Sequence returns the mutable sequence number (0 for immutable values).
func (v *Value) Sequence() int64 { return v.sequence }

// Signature returns the detached signature, or nil for immutable values.
func (v *Value) Signature() []byte { return v.signature }

// Data returns the value's payload: plaintext for Immutable/Signed,
// ciphertext for Encrypted.
func (v *Value) Data() []byte { return v.data }

// Open decrypts an Encrypted value's data using the recipient's private key
// and the publisher's public key.
func (v *Value) Open(recipientPriv crypto.PrivateKey) ([]byte, error) {
	if v.Kind() != Encrypted {
		return v.data, nil
	}
	sealed := &crypto.SealedBox{Nonce: *v.nonce, Ciphertext: v.data}
	return crypto.Open(sealed, v.PublicKey(), recipientPriv)
}

// Validate checks every invariant for the current variant: id derivation,
// signature, and size. It does not check sequence monotonicity, which is
// a storage-tier concern relative to prior state.
func (v *Value) Validate() error {
	if len(v.data) > MaxValueDataSize {
		return ErrDataTooLarge
	}
	switch v.Kind() {
	case Immutable:
		if len(v.data) == 0 {
			return ErrEmptyData
		}
		if crypto.Sha256(v.data) != v.id {
			return ErrIdMismatch
		}
		return nil
	case Signed:
		return v.validateMutable()
	case Encrypted:
		if v.recipient == nil {
			return ErrMissingRecipient
		}
		return v.validateMutable()
	default:
		return errors.New("boson: unknown value kind")
	}
}

func (v *Value) validateMutable() error {
	if v.publicKey == nil {
		return ErrMissingPublicKey
	}
	if v.nonce == nil {
		return ErrMissingNonce
	}
	if v.signature == nil {
		return ErrMissingSignature
	}
	id, err := common.BytesToId(*v.publicKey)
	if err != nil {
		return err
	}
	if id != v.id {
		return ErrIdMismatch
	}
	if v.sequence < 0 {
		return ErrSeqNotPositive
	}
	ctx := crypto.SignContext(*v.nonce, v.sequence, v.data)
	if !crypto.Verify(*v.publicKey, ctx, v.signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ToWire renders v in its wire form, the input to
// wire.Encode and to an outbound store-value/find-value response.
func (v *Value) ToWire() *wire.Value {
	w := &wire.Value{Id: v.id, Sequence: v.sequence, Signature: v.signature, Data: v.data}
	if v.publicKey != nil {
		w.PublicKey = append([]byte(nil), *v.publicKey...)
	}
	if v.recipient != nil {
		r := *v.recipient
		w.Recipient = &r
	}
	if v.nonce != nil {
		n := *v.nonce
		w.Nonce = n[:]
	}
	return w
}

// ValueFromWire reconstructs and validates a Value from its wire form,
// used by the codec's consumers: the find-value response handler and the
// store-value request handler.
func ValueFromWire(w *wire.Value) (*Value, error) {
	if w == nil {
		return nil, ErrEmptyData
	}
	var pk *crypto.PublicKey
	if len(w.PublicKey) > 0 {
		p := crypto.PublicKey(append([]byte(nil), w.PublicKey...))
		pk = &p
	}
	var nonce *[crypto.NonceSize]byte
	if len(w.Nonce) > 0 {
		if len(w.Nonce) != crypto.NonceSize {
			return nil, errors.New("boson: invalid nonce length")
		}
		var n [crypto.NonceSize]byte
		copy(n[:], w.Nonce)
		nonce = &n
	}
	return NewValueFromWire(w.Id, pk, w.Recipient, nonce, w.Sequence, w.Signature, w.Data)
}

// WithPrivateField returns a copy of v with its public key and recipient
// fields taken from existing when v has no public key, matching the
// storage tier's "preserve the existing private-key field if the new
// record omits it" rule. Used only by the store, never
// by the wire codec.
func (v *Value) WithPrivateField(existing *Value) *Value {
	if v.publicKey != nil || existing == nil {
		return v
	}
	cp := *v
	cp.publicKey = existing.publicKey
	cp.recipient = existing.recipient
	return &cp
}
