package task

import (
	"context"
	"sync"

	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// PingRefreshResult reports how many questionable contacts answered.
type PingRefreshResult struct {
	Pinged  int
	Alive   int
	Removed []kbucket.Contact
}

// StartPingRefresh pings every contact in questionable, updating the
// routing table's liveness counters on reply or failure.
func StartPingRefresh(parent context.Context, deps Deps, questionable []*kbucket.Contact) (*Handle, *PingRefreshResult) {
	result := &PingRefreshResult{Pinged: len(questionable)}
	h := run(parent, DefaultLookupTimeout, func(ctx context.Context) error {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, c := range questionable {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := &wire.Request{SenderId: deps.LocalId}
				_, err := deps.Transport.Request(ctx, c.Addr, c.Id, wire.MethodPing, req, 0)
				if err != nil {
					deps.Table.MarkFailed(c.Id)
					return
				}
				deps.Table.MarkResponded(c.Id)
				mu.Lock()
				result.Alive++
				mu.Unlock()
			}()
		}
		wg.Wait()
		return nil
	})
	return h, result
}
