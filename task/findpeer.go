package task

import (
	"context"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// FindPeerAccumulate is the maximum number of distinct peer-announce
// records a find-peer lookup collects before terminating early.
const FindPeerAccumulate = 8

// FindPeerResult is the outcome of a find-peer lookup: the closest-set
// plus up to FindPeerAccumulate verified peer-announce records.
type FindPeerResult struct {
	Closest []*kbucket.Contact
	Peers   []*boson.PeerRecord
}

// StartFindPeer runs a find-peer lookup for peerId, terminating either on
// accumulating FindPeerAccumulate distinct announcements or closest-set
// exhaustion.
func StartFindPeer(parent context.Context, deps Deps, peerId common.Id) (*Handle, *FindPeerResult) {
	result := &FindPeerResult{}
	seen := make(map[string]bool)

	h := run(parent, DefaultLookupTimeout, func(ctx context.Context) error {
		closest, _, err := runLookup(ctx, lookupConfig{
			Transport: deps.Transport,
			Table:     deps.Table,
			LocalId:   deps.LocalId,
			Target:    peerId,
			Method:    wire.MethodFindPeer,
			Alpha:     Alpha,
			K:         kbucket.K,
			Timeout:   DefaultLookupTimeout,
			BuildRequest: func(c *kbucket.Contact, wantToken bool) *wire.Request {
				t := peerId
				return &wire.Request{SenderId: deps.LocalId, Target: &t, WantIPv4: true, WantIPv6: true}
			},
			OnResponse: func(from *kbucket.Contact, resp *wire.Response, token []byte) ([]wire.Node, bool) {
				nodes := make([]wire.Node, 0, len(resp.Nodes4)+len(resp.Nodes8))
				nodes = append(nodes, resp.Nodes4...)
				nodes = append(nodes, resp.Nodes8...)
				for _, wp := range resp.Peers {
					if len(result.Peers) >= FindPeerAccumulate {
						break
					}
					p, perr := boson.PeerRecordFromWire(wp)
					if perr != nil {
						continue
					}
					dedupKey := p.NodeId.String() + ":" + p.PeerId.String()
					if seen[dedupKey] {
						continue
					}
					seen[dedupKey] = true
					result.Peers = append(result.Peers, p)
				}
				return nodes, len(result.Peers) >= FindPeerAccumulate
			},
		})
		result.Closest = closest
		return err
	})
	return h, result
}
