package wire

import (
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/boson-network/boson/dhterror"
)

// MaxPayloadSize is the UDP MTU budget for an encoded envelope.
const MaxPayloadSize = 1200

var (
	// ErrMessageTooLarge is returned by Encode/Decode when an envelope's
	// estimated or actual size exceeds MaxPayloadSize.
	ErrMessageTooLarge = errors.New("wire: message exceeds mtu budget")
	// ErrMalformed wraps any CBOR decode failure.
	ErrMalformed = errors.New("wire: malformed message")
)

var cborHandle = &codec.CborHandle{}

func init() {
	cborHandle.Canonical = true
}

// Encode serializes an envelope to CBOR, refusing to produce a datagram
// above MaxPayloadSize. The size is estimated before encoding and checked
// again against the actual output, so a message is never sent that would
// be rejected on arrival.
func Encode(e *Envelope) ([]byte, error) {
	if n := EstimateSize(e); n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: estimated %d bytes", ErrMessageTooLarge, n)
	}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(buf) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: encoded %d bytes", ErrMessageTooLarge, len(buf))
	}
	return buf, nil
}

// Decode parses a CBOR-encoded envelope. Datagrams larger than
// MaxPayloadSize are rejected without being handed to the CBOR decoder.
func Decode(b []byte) (*Envelope, error) {
	if len(b) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}
	var e Envelope
	dec := codec.NewDecoderBytes(b, cborHandle)
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

// Rough fixed overheads used by the conservative size estimator below.
// They deliberately over-count: the estimator's job is to never let an
// over-budget message reach the encoder, not to predict the exact byte
// count CBOR will produce.
const (
	envelopeOverhead = 24 // y, m, t, v map keys/headers
	nodeSize         = 32 + 16 + 2 + 4 + 8 // id + ip + port + version + map overhead
	valueOverhead    = 32 + 32 + 32 + 24 + 8 + 64 + 24 // id, pk, recipient, nonce, seq, sig, map overhead
	peerOverhead     = 32 + 32 + 8 + 64 + 24 // ids, fingerprint, sig, map overhead
)

// EstimateSize computes a conservative upper bound on the encoded size of
// e, without running the encoder, so a caller can refuse oversized
// requests before doing any serialization work.
func EstimateSize(e *Envelope) int {
	n := envelopeOverhead + len(e.Method)
	if e.Req != nil {
		n += 32 // sender id
		if e.Req.Target != nil {
			n += 32
		}
		n += len(e.Req.Token) + 16
		if e.Req.Value != nil {
			n += valueOverhead + len(e.Req.Value.Data)
		}
		if e.Req.Peer != nil {
			n += peerOverhead + len(e.Req.Peer.Endpoint) + len(e.Req.Peer.Metadata)
		}
	}
	if e.Resp != nil {
		n += len(e.Resp.Nodes4) * nodeSize
		n += len(e.Resp.Nodes8) * nodeSize
		n += len(e.Resp.Token) + 16
		if e.Resp.Value != nil {
			n += valueOverhead + len(e.Resp.Value.Data)
		}
		for _, p := range e.Resp.Peers {
			n += peerOverhead + len(p.Endpoint) + len(p.Metadata)
		}
	}
	if e.Err != nil {
		n += 16 + len(e.Err.Message)
	}
	return n
}

// TrimToFit drops entries from the tail of Nodes4/Nodes8 until the
// envelope's estimated size fits MaxPayloadSize: closest-nodes lists are
// trimmed to fit the MTU budget after encoding the rest of the response. It
// trims Nodes8 first since IPv6 entries cost more per node.
func TrimToFit(e *Envelope) {
	if e.Resp == nil {
		return
	}
	for EstimateSize(e) > MaxPayloadSize {
		switch {
		case len(e.Resp.Nodes8) > 0:
			e.Resp.Nodes8 = e.Resp.Nodes8[:len(e.Resp.Nodes8)-1]
		case len(e.Resp.Nodes4) > 0:
			e.Resp.Nodes4 = e.Resp.Nodes4[:len(e.Resp.Nodes4)-1]
		default:
			return
		}
	}
}

// AsWireError converts any error into a wire Error, preserving a
// dhterror.Error's code and falling back to Generic otherwise.
func AsWireError(err error) *Error {
	var de *dhterror.Error
	if errors.As(err, &de) {
		return &Error{Code: de.Code, Message: de.Message}
	}
	return &Error{Code: dhterror.Generic, Message: err.Error()}
}
