package task

import (
	"context"
	"sync"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// StoreResult is the outcome of a store-value task: how many of the k
// closest nodes accepted the value.
type StoreResult struct {
	Attempted int
	Succeeded int
}

// Success reports whether enough nodes accepted the value: at least half
// of the attempted set (⌈attempted/2⌉), so partial success counts.
func (r *StoreResult) Success() bool {
	return r.Attempted > 0 && r.Succeeded >= (r.Attempted+1)/2
}

// StartStoreValue runs find-node(id(v)) then sends store-value with
// {value, token} to the k closest replied nodes.
func StartStoreValue(parent context.Context, deps Deps, v *boson.Value) (*Handle, *StoreResult) {
	result := &StoreResult{}
	target := v.Id()

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
		wireVal := v.ToWire()
		for _, c := range closest {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := &wire.Request{SenderId: deps.LocalId, Value: wireVal, Token: tokens[c.Id]}
				_, err := deps.Transport.Request(ctx, c.Addr, c.Id, wire.MethodStoreValue, req, 0)
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
