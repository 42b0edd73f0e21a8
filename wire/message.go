// Package wire implements the CBOR envelope that carries every Boson RPC
// across the wire: a self-describing object with single-letter field
// names chosen to keep datagrams small, so an implementation stays
// interoperable with any other node speaking the same envelope.
package wire

import (
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/dhterror"
)

// Type distinguishes a request, a response, or an error envelope.
type Type byte

const (
	TypeRequest  Type = 'q'
	TypeResponse Type = 'r'
	TypeError    Type = 'e'
)

// Method names the RPC being invoked, written out in full on the wire.
// There are exactly six verbs and nothing else.
type Method string

const (
	MethodPing         Method = "ping"
	MethodFindNode     Method = "find-node"
	MethodAnnouncePeer Method = "announce-peer"
	MethodFindPeer     Method = "find-peer"
	MethodFindValue    Method = "find-value"
	MethodStoreValue   Method = "store-value"
)

// Envelope is the top-level CBOR object for every datagram.
type Envelope struct {
	Type    Type      `codec:"y"`
	Method  Method    `codec:"m,omitempty"`
	Txn     uint32    `codec:"t"`
	Version uint32    `codec:"v,omitempty"`
	Req     *Request  `codec:"q,omitempty"`
	Resp    *Response `codec:"r,omitempty"`
	Err     *Error    `codec:"e,omitempty"`
}

// Node is the compact wire representation of a routing-table contact.
type Node struct {
	Id      common.Id `codec:"i"`
	IP      []byte    `codec:"a"`
	Port    uint16    `codec:"p"`
	Version uint32    `codec:"v,omitempty"`
}

// Value is the wire representation of a Value record,
// carrying every field needed to reconstruct and re-validate it without
// re-deriving anything from trust.
type Value struct {
	Id        common.Id  `codec:"id"`
	PublicKey []byte     `codec:"pk,omitempty"`
	Recipient *common.Id `codec:"rc,omitempty"`
	Nonce     []byte     `codec:"n,omitempty"`
	Sequence  int64      `codec:"sq,omitempty"`
	Signature []byte     `codec:"sg,omitempty"`
	Data      []byte     `codec:"d"`
}

// PeerRecord is the wire representation of a peer-announce record.
type PeerRecord struct {
	PeerId      common.Id `codec:"pi"`
	NodeId      common.Id `codec:"ni"`
	Fingerprint uint64    `codec:"fp"`
	Endpoint    string    `codec:"ep"`
	Metadata    []byte    `codec:"md,omitempty"`
	Signature   []byte    `codec:"sg"`
}

// Request carries the union of every method's request fields; unused
// fields are omitted from the wire via omitempty.
type Request struct {
	SenderId    common.Id   `codec:"id"`
	Target      *common.Id  `codec:"tg,omitempty"`
	WantIPv4    bool        `codec:"w4,omitempty"`
	WantIPv6    bool        `codec:"w6,omitempty"`
	WantToken   bool        `codec:"wt,omitempty"`
	Fingerprint uint64      `codec:"fp,omitempty"`
	Value       *Value      `codec:"val,omitempty"`
	Peer        *PeerRecord `codec:"pr,omitempty"`
	Token       []byte      `codec:"tok,omitempty"`
}

// Response carries the union of every method's response fields: closest
// nodes split by address family, a found value, found peers, or a
// freshly minted token.
type Response struct {
	Nodes4 []Node       `codec:"n4,omitempty"`
	Nodes8 []Node       `codec:"n8,omitempty"`
	Value  *Value       `codec:"val,omitempty"`
	Peers  []PeerRecord `codec:"peers,omitempty"`
	Token  []byte       `codec:"tok,omitempty"`
}

// Error is a numeric error code plus a human-readable message.
type Error struct {
	Code    dhterror.Code `codec:"c"`
	Message string        `codec:"m"`
}
