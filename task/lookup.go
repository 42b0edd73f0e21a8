package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

type candidateState int

const (
	fresh candidateState = iota
	inFlight
	replied
	failed
)

type candidateEntry struct {
	contact *kbucket.Contact
	state   candidateState
	token   []byte
}

// maxCandidateFactor bounds the closest-set to k*3 entries.
const maxCandidateFactor = 3

// lookupConfig parameterizes the shared iterative lookup base
// for every method specialization.
type lookupConfig struct {
	Transport Transport
	Table     RoutingTable
	LocalId   common.Id
	Target    common.Id
	Method    wire.Method
	Alpha     int
	K         int
	Timeout   time.Duration

	// BuildRequest builds the method-specific request body for contact c.
	// wantToken requests a store/announce token in the response.
	BuildRequest func(c *kbucket.Contact, wantToken bool) *wire.Request

	// OnResponse processes one response, returning the nodes to merge
	// into the candidate set as fresh entries and whether the whole
	// lookup should stop early.
	OnResponse func(from *kbucket.Contact, resp *wire.Response, token []byte) (nodes []wire.Node, stopEarly bool)

	// WantToken controls whether BuildRequest is asked for a token; set
	// by store-value/announce-peer lookups.
	WantToken bool
}

type resultMsg struct {
	id   common.Id
	resp *wire.Response
	err  error
}

// runLookup drives the shared iterative lookup loop to completion, honoring
// ctx cancellation (the task Handle's Cancel) and cfg.Timeout (the task
// deadline). It returns the k nearest replied contacts, sorted by
// distance, and the first fatal error encountered (ctx.Err() on
// cancellation, nil otherwise — not-found is success with an empty
// accumulator).
func runLookup(ctx context.Context, cfg lookupConfig) ([]*kbucket.Contact, map[common.Id][]byte, error) {
	if cfg.Alpha == 0 {
		cfg.Alpha = Alpha
	}
	if cfg.K == 0 {
		cfg.K = kbucket.K
	}
	deadline := time.Now().Add(cfg.Timeout)
	if cfg.Timeout == 0 {
		deadline = time.Now().Add(DefaultLookupTimeout)
	}

	var mu sync.Mutex
	candidates := make(map[common.Id]*candidateEntry)
	seed := cfg.Table.Closest(cfg.Target, cfg.K)
	for _, c := range seed {
		candidates[c.Id] = &candidateEntry{contact: c, state: fresh}
	}

	results := make(chan resultMsg, cfg.Alpha)
	inFlightCount := 0

	sortedIds := func() []common.Id {
		ids := make([]common.Id, 0, len(candidates))
		for id := range candidates {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return common.CloserTo(cfg.Target, ids[i], ids[j]) })
		return ids
	}

	kthRepliedIsCloser := func(ids []common.Id, d common.Id) bool {
		n := 0
		for _, id := range ids {
			if candidates[id].state == replied {
				n++
				if n >= cfg.K {
					return common.CloserTo(cfg.Target, id, d) || id == d
				}
			}
		}
		return false // fewer than k replies so far: nothing blocks further probing
	}

	launch := func(id common.Id) {
		ce := candidates[id]
		ce.state = inFlight
		inFlightCount++
		req := cfg.BuildRequest(ce.contact, cfg.WantToken)
		contact := ce.contact
		go func() {
			timeout := time.Until(deadline)
			if timeout <= 0 {
				results <- resultMsg{id: id, err: context.DeadlineExceeded}
				return
			}
			resp, err := cfg.Transport.Request(ctx, contact.Addr, contact.Id, cfg.Method, req, 0)
			results <- resultMsg{id: id, resp: resp, err: err}
		}()
	}

	stopped := false
	for {
		if stopped {
			break
		}
		mu.Lock()
		if time.Now().After(deadline) {
			mu.Unlock()
			break
		}
		ids := sortedIds()
		launched := 0
		for _, id := range ids {
			if inFlightCount >= cfg.Alpha {
				break
			}
			ce := candidates[id]
			if ce.state != fresh {
				continue
			}
			if kthRepliedIsCloser(ids, id) {
				continue
			}
			launch(id)
			launched++
		}
		noWork := inFlightCount == 0
		mu.Unlock()

		if noWork {
			break
		}
		_ = launched

		select {
		case <-ctx.Done():
			closest, tokens := closestReplied(candidates, cfg.Target, cfg.K)
			return closest, tokens, ctx.Err()
		case <-time.After(time.Until(deadline)):
			mu.Lock()
			stopped = true
			mu.Unlock()
		case r := <-results:
			mu.Lock()
			inFlightCount--
			ce, ok := candidates[r.id]
			if !ok {
				mu.Unlock()
				continue
			}
			if r.err != nil {
				ce.state = failed
				cfg.Table.MarkFailed(r.id)
				mu.Unlock()
				continue
			}
			ce.state = replied
			ce.token = r.resp.Token
			cfg.Table.MarkResponded(r.id)

			var nodes []wire.Node
			var stopEarly bool
			if cfg.OnResponse != nil {
				nodes, stopEarly = cfg.OnResponse(ce.contact, r.resp, r.resp.Token)
			}
			mergeNodes(candidates, nodes, cfg.Target, cfg.K*maxCandidateFactor)
			if stopEarly {
				stopped = true
			}
			mu.Unlock()
		}
	}

	mu.Lock()
	defer mu.Unlock()
	closest, tokens := closestReplied(candidates, cfg.Target, cfg.K)
	return closest, tokens, nil
}

func mergeNodes(candidates map[common.Id]*candidateEntry, nodes []wire.Node, target common.Id, limit int) {
	for _, n := range nodes {
		if _, ok := candidates[n.Id]; ok {
			continue
		}
		addr := wireNodeToAddr(n)
		if addr == nil {
			continue
		}
		candidates[n.Id] = &candidateEntry{
			contact: &kbucket.Contact{Id: n.Id, Addr: addr, Version: n.Version},
			state:   fresh,
		}
	}
	if len(candidates) <= limit {
		return
	}
	ids := make([]common.Id, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return common.CloserTo(target, ids[i], ids[j]) })
	for _, id := range ids[limit:] {
		if candidates[id].state != inFlight {
			delete(candidates, id)
		}
	}
}

func closestReplied(candidates map[common.Id]*candidateEntry, target common.Id, k int) ([]*kbucket.Contact, map[common.Id][]byte) {
	var out []*kbucket.Contact
	for _, ce := range candidates {
		if ce.state == replied {
			out = append(out, ce.contact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return common.CloserTo(target, out[i].Id, out[j].Id) })
	if len(out) > k {
		out = out[:k]
	}
	tokens := make(map[common.Id][]byte, len(out))
	for _, c := range out {
		if t := candidates[c.Id].token; len(t) > 0 {
			tokens[c.Id] = t
		}
	}
	return out, tokens
}
