package task

import (
	"context"
	"encoding/hex"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// FindValueQuorum is the number of returned-from nodes that must agree on
// the same (id, seq, signature) for a mutable value to be accepted before
// the closest-set is exhausted.
const FindValueQuorum = 3

// FindValueResult is the outcome of a find-value lookup: the closest-set
// gathered so far, plus the first genuine value found, if any.
type FindValueResult struct {
	Closest []*kbucket.Contact
	Value   *boson.Value
}

// StartFindValue runs a find-value lookup for id, terminating early once
// an immutable value is seen or a quorum of nodes agree on the same
// signed/encrypted value.
func StartFindValue(parent context.Context, deps Deps, id common.Id) (*Handle, *FindValueResult) {
	result := &FindValueResult{}
	quorum := make(map[string]int)

	h := run(parent, DefaultLookupTimeout, func(ctx context.Context) error {
		closest, _, err := runLookup(ctx, lookupConfig{
			Transport: deps.Transport,
			Table:     deps.Table,
			LocalId:   deps.LocalId,
			Target:    id,
			Method:    wire.MethodFindValue,
			Alpha:     Alpha,
			K:         kbucket.K,
			Timeout:   DefaultLookupTimeout,
			BuildRequest: func(c *kbucket.Contact, wantToken bool) *wire.Request {
				t := id
				return &wire.Request{SenderId: deps.LocalId, Target: &t, WantIPv4: true, WantIPv6: true}
			},
			OnResponse: func(from *kbucket.Contact, resp *wire.Response, token []byte) ([]wire.Node, bool) {
				nodes := make([]wire.Node, 0, len(resp.Nodes4)+len(resp.Nodes8))
				nodes = append(nodes, resp.Nodes4...)
				nodes = append(nodes, resp.Nodes8...)

				if resp.Value == nil {
					return nodes, false
				}
				v, verr := boson.ValueFromWire(resp.Value)
				if verr != nil {
					return nodes, false // a bad value from one node never aborts the lookup
				}
				if v.Kind() == boson.Immutable {
					if result.Value == nil {
						result.Value = v
					}
					return nodes, true
				}
				key := hex.EncodeToString(v.Signature())
				quorum[key]++
				if result.Value == nil || v.Sequence() > result.Value.Sequence() {
					if quorum[key] >= FindValueQuorum || result.Value == nil {
						result.Value = v
					}
				}
				return nodes, result.Value != nil && quorum[key] >= FindValueQuorum
			},
		})
		result.Closest = closest
		return err
	})
	return h, result
}
