package task

import (
	"context"
	"sync"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// AnnounceResult is the outcome of an announce-peer task: how many of the
// k closest nodes accepted the announcement.
type AnnounceResult struct {
	Attempted int
	Succeeded int
}

// Success reports overall success: a node-level success count ≥
// ⌈attempted/2⌉.
func (r *AnnounceResult) Success() bool {
	return r.Attempted > 0 && r.Succeeded >= (r.Attempted+1)/2
}

// StartAnnouncePeer runs find-node(peerId) then sends announce-peer with
// {peer record, token} to the k closest replied nodes.
func StartAnnouncePeer(parent context.Context, deps Deps, record *boson.PeerRecord) (*Handle, *AnnounceResult) {
	result := &AnnounceResult{}
	target := record.PeerId

	h := run(parent, DefaultLookupTimeout, func(ctx context.Context) error {
		closest, tokens, err := runLookup(ctx, lookupConfig{
			Transport: deps.Transport,
			Table:     deps.Table,
			LocalId:   deps.LocalId,
			Target:    target,
			Method:    wire.MethodFindNode,
			Alpha:     Alpha,
			K:         kbucket.K,
			Timeout:   DefaultLookupTimeout,
			WantToken: true,
			BuildRequest: func(c *kbucket.Contact, wantToken bool) *wire.Request {
				t := target
				return &wire.Request{SenderId: deps.LocalId, Target: &t, WantIPv4: true, WantIPv6: true, WantToken: wantToken}
			},
			OnResponse: func(from *kbucket.Contact, resp *wire.Response, token []byte) ([]wire.Node, bool) {
				nodes := make([]wire.Node, 0, len(resp.Nodes4)+len(resp.Nodes8))
				nodes = append(nodes, resp.Nodes4...)
				nodes = append(nodes, resp.Nodes8...)
				return nodes, false
			},
		})
		if err != nil {
			return err
		}

		result.Attempted = len(closest)
		var mu sync.Mutex
		var wg sync.WaitGroup
		wireRec := record.ToWire()
		for _, c := range closest {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := &wire.Request{SenderId: deps.LocalId, Target: &target, Peer: &wireRec, Token: tokens[c.Id]}
				_, err := deps.Transport.Request(ctx, c.Addr, c.Id, wire.MethodAnnouncePeer, req, 0)
				if err == nil {
					mu.Lock()
					result.Succeeded++
					mu.Unlock()
				} else {
					deps.Table.MarkFailed(c.Id)
				}
			}()
		}
		wg.Wait()
		return nil
	})
	return h, result
}
