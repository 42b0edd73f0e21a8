package boson

import (
	"encoding/binary"
	"errors"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/wire"
)

var (
	ErrPeerInvalidSignature = errors.New("boson: peer record signature does not verify")
	ErrPeerEmptyEndpoint    = errors.New("boson: peer record endpoint is empty")
)

// PeerRecord announces that a peer identified by PeerId can be reached at
// Endpoint, as attested by NodeId.
// Fingerprint disambiguates multiple announcements of the same PeerId
// originating from different announcer nodes.
type PeerRecord struct {
	PeerId      common.Id
	NodeId      common.Id
	Fingerprint uint64
	Endpoint    string
	Metadata    []byte
	Signature   []byte
}

// signedTuple returns the byte string PeerRecord.Signature covers:
// peerId ∥ nodeId ∥ fingerprint ∥ endpoint ∥ metadata.
func (p *PeerRecord) signedTuple() []byte {
	buf := make([]byte, 0, 32+32+8+len(p.Endpoint)+len(p.Metadata))
	buf = append(buf, p.PeerId[:]...)
	buf = append(buf, p.NodeId[:]...)
	var fp [8]byte
	binary.BigEndian.PutUint64(fp[:], p.Fingerprint)
	buf = append(buf, fp[:]...)
	buf = append(buf, []byte(p.Endpoint)...)
	buf = append(buf, p.Metadata...)
	return buf
}

// NewPeerRecord builds and signs a peer-announce record. peerPriv must be
// the private key matching peerPub; the signature is what a verifying node
// checks against PeerId, so the announcer cannot forge another peer's
// identity.
func NewPeerRecord(peerPub crypto.PublicKey, peerPriv crypto.PrivateKey, nodeId common.Id, fingerprint uint64, endpoint string, metadata []byte) (*PeerRecord, error) {
	if endpoint == "" {
		return nil, ErrPeerEmptyEndpoint
	}
	peerId, err := common.BytesToId(peerPub)
	if err != nil {
		return nil, err
	}
	p := &PeerRecord{
		PeerId:      peerId,
		NodeId:      nodeId,
		Fingerprint: fingerprint,
		Endpoint:    endpoint,
		Metadata:    metadata,
	}
	p.Signature = crypto.Sign(peerPriv, p.signedTuple())
	return p, nil
}

// Validate checks the peer record's signature and required fields.
func (p *PeerRecord) Validate() error {
	if p.Endpoint == "" {
		return ErrPeerEmptyEndpoint
	}
	if !crypto.Verify(crypto.PublicKey(p.PeerId[:]), p.signedTuple(), p.Signature) {
		return ErrPeerInvalidSignature
	}
	return nil
}

// Key returns the storage-tier composite key (peerId, fingerprint) for
// this announcement.
func (p *PeerRecord) Key() (common.Id, uint64) { return p.PeerId, p.Fingerprint }

// ToWire renders p in its wire form.
func (p *PeerRecord) ToWire() wire.PeerRecord {
	return wire.PeerRecord{
		PeerId:      p.PeerId,
		NodeId:      p.NodeId,
		Fingerprint: p.Fingerprint,
		Endpoint:    p.Endpoint,
		Metadata:    p.Metadata,
		Signature:   p.Signature,
	}
}

// PeerRecordFromWire reconstructs and validates a PeerRecord from its wire
// form.
func PeerRecordFromWire(w wire.PeerRecord) (*PeerRecord, error) {
	p := &PeerRecord{
		PeerId:      w.PeerId,
		NodeId:      w.NodeId,
		Fingerprint: w.Fingerprint,
		Endpoint:    w.Endpoint,
		Metadata:    w.Metadata,
		Signature:   w.Signature,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
