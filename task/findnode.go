package task

import (
	"context"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// FindNodeResult is the outcome of a find-node lookup:
// the k nearest replied contacts, nothing more.
type FindNodeResult struct {
	Closest []*kbucket.Contact
}

// StartFindNode runs the shared iterative lookup with target = id,
// accumulating nothing beyond the closest-set.
func StartFindNode(parent context.Context, deps Deps, target common.Id) (*Handle, *FindNodeResult) {
	result := &FindNodeResult{}
	h := run(parent, DefaultLookupTimeout, func(ctx context.Context) error {
		closest, _, err := runLookup(ctx, lookupConfig{
			Transport: deps.Transport,
			Table:     deps.Table,
			LocalId:   deps.LocalId,
			Target:    target,
			Method:    wire.MethodFindNode,
			Alpha:     Alpha,
			K:         kbucket.K,
			Timeout:   DefaultLookupTimeout,
			BuildRequest: func(c *kbucket.Contact, wantToken bool) *wire.Request {
				t := target
				return &wire.Request{SenderId: deps.LocalId, Target: &t, WantIPv4: true, WantIPv6: true}
			},
			OnResponse: func(from *kbucket.Contact, resp *wire.Response, token []byte) ([]wire.Node, bool) {
				nodes := make([]wire.Node, 0, len(resp.Nodes4)+len(resp.Nodes8))
				nodes = append(nodes, resp.Nodes4...)
				nodes = append(nodes, resp.Nodes8...)
				return nodes, false
			},
		})
		result.Closest = closest
		return err
	})
	return h, result
}
