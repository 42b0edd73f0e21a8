package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/logger"
	"github.com/boson-network/boson/rpcserver"
	"github.com/boson-network/boson/storage"
	"github.com/boson-network/boson/task"
)

// MaintenanceInterval is how often the node runs its maintenance pass:
// bucket refresh, ping-refresh, republish, purge, token rotation and
// blacklist decay.
const MaintenanceInterval = time.Minute

// RepublishInterval is how stale a persistent record's announced-at
// must be before the node republishes it.
const RepublishInterval = 60 * time.Minute

// republishBatch bounds how many records a single maintenance pass
// republishes, so one overdue backlog cannot starve a tick.
const republishBatch = 64

// Config configures a Node. ListenV4 and/or ListenV6 must be set; the
// node runs one Dht per configured family, sharing everything else.
type Config struct {
	LocalId     common.Id
	ListenV4    *net.UDPAddr
	ListenV6    *net.UDPAddr
	Store       storage.Store
	ValueTTL    time.Duration
	PeerTTL     time.Duration
	RPC         rpcserver.Config
	Concurrency int

	TokenEpoch         time.Duration
	BlacklistThreshold int
	BlacklistDecay     time.Duration

	// SeedCachePath, if non-empty, opens a persistent bootstrap cache
	// there and seeds Bootstrap from it in
	// addition to Seeds.
	SeedCachePath string
	Seeds         []Seed
}

// Node is the dual-stack Boson runtime: independent IPv4/IPv6 Dht
// reactors sharing one storage tier, token manager and blacklist.
type Node struct {
	cfg     Config
	localId common.Id
	store   storage.Store

	tokens    *TokenManager
	blacklist *Blacklist
	seedCache *SeedCache

	v4 *Dht
	v6 *Dht

	ownedMu    sync.Mutex
	ownedPeers map[common.Id]bool

	cancel context.CancelFunc
}

// New builds a Node from cfg. It initializes cfg.Store, and the Node owns
// the store from then on: Node.Close closes it.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.ListenV4 == nil && cfg.ListenV6 == nil {
		return nil, errors.New("node: at least one of ListenV4/ListenV6 must be set")
	}
	if err := cfg.Store.Initialize(cfg.ValueTTL, cfg.PeerTTL); err != nil {
		return nil, fmt.Errorf("node: initialize storage: %w", err)
	}
	tokens, err := NewTokenManager(cfg.TokenEpoch)
	if err != nil {
		return nil, fmt.Errorf("node: token manager: %w", err)
	}
	blacklist := NewBlacklist(cfg.BlacklistThreshold, cfg.BlacklistDecay)

	var seedCache *SeedCache
	if cfg.SeedCachePath != "" {
		seedCache, err = OpenSeedCache(cfg.SeedCachePath)
		if err != nil {
			return nil, fmt.Errorf("node: open seed cache: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:        cfg,
		localId:    cfg.LocalId,
		store:      cfg.Store,
		tokens:     tokens,
		blacklist:  blacklist,
		seedCache:  seedCache,
		ownedPeers: make(map[common.Id]bool),
		cancel:     cancel,
	}

	if cfg.ListenV4 != nil {
		n.v4, err = NewDht(runCtx, cfg.LocalId, cfg.ListenV4, cfg.Store, tokens, blacklist, nil, cfg.RPC, cfg.Concurrency)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("node: start ipv4 dht: %w", err)
		}
	}
	if cfg.ListenV6 != nil {
		n.v6, err = NewDht(runCtx, cfg.LocalId, cfg.ListenV6, cfg.Store, tokens, blacklist, nil, cfg.RPC, cfg.Concurrency)
		if err != nil {
			cancel()
			if n.v4 != nil {
				n.v4.Close()
			}
			return nil, fmt.Errorf("node: start ipv6 dht: %w", err)
		}
	}
	if n.v4 != nil && n.v6 != nil {
		n.v4.peer = n.v6.table
		n.v6.peer = n.v4.table
	}
	return n, nil
}

func (n *Node) dhts() []*Dht {
	var out []*Dht
	if n.v4 != nil {
		out = append(out, n.v4)
	}
	if n.v6 != nil {
		out = append(out, n.v6)
	}
	return out
}

// primary returns the Dht used for operations that don't need a
// specific address family (republish, node-level find/store helpers):
// IPv4 if enabled, otherwise IPv6.
func (n *Node) primary() *Dht {
	if n.v4 != nil {
		return n.v4
	}
	return n.v6
}

// V4 returns the IPv4 Dht, or nil if that family is disabled.
func (n *Node) V4() *Dht { return n.v4 }

// V6 returns the IPv6 Dht, or nil if that family is disabled.
func (n *Node) V6() *Dht { return n.v6 }

// Run serves every enabled Dht and drives bootstrap plus the periodic
// maintenance loop until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, d := range n.dhts() {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Serve(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	go n.bootstrap(ctx)
	go n.maintain(ctx)

	wg.Wait()
	close(errCh)
	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops accepting new tasks and closes every Dht, the seed cache
// and the storage tier.
func (n *Node) Close() error {
	n.cancel()
	var firstErr error
	for _, d := range n.dhts() {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.seedCache != nil {
		if err := n.seedCache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := n.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// bootstrap loads seeds from the operator-supplied list and the
// persistent seed cache, splits them by address family, and bootstraps
// each enabled Dht.
func (n *Node) bootstrap(ctx context.Context) {
	seeds := append([]Seed(nil), n.cfg.Seeds...)
	if n.seedCache != nil {
		cached, err := n.seedCache.Seeds(0)
		if err != nil {
			logger.V(logger.Warn).Infof("node: load seed cache: %v", err)
		}
		seeds = append(seeds, cached...)
	}
	var v4Seeds, v6Seeds []Seed
	for _, s := range seeds {
		if s.IP.To4() != nil {
			v4Seeds = append(v4Seeds, s)
		} else {
			v6Seeds = append(v6Seeds, s)
		}
	}

	var wg sync.WaitGroup
	if n.v4 != nil && len(v4Seeds) > 0 {
		wg.Add(1)
		go func() { defer wg.Done(); n.v4.Bootstrap(ctx, v4Seeds) }()
	}
	if n.v6 != nil && len(v6Seeds) > 0 {
		wg.Add(1)
		go func() { defer wg.Done(); n.v6.Bootstrap(ctx, v6Seeds) }()
	}
	wg.Wait()
}

// maintain drives the node's periodic maintenance ticks until ctx is
// done: bucket refresh, ping-refresh, republish, storage
// purge, token rotation and blacklist decay.
func (n *Node) maintain(ctx context.Context) {
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()
	lastRotate := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, d := range n.dhts() {
				d.Refresh(ctx)
				if h, _ := d.PingRefresh(ctx); h != nil {
					<-h.Done()
				}
			}

			n.republish(ctx, now)

			if removed, err := n.store.PurgeValues(now); err != nil {
				logger.V(logger.Warn).Infof("node: purge values: %v", err)
			} else if removed > 0 {
				logger.V(logger.Debug).Infof("node: purged %d expired values", removed)
			}
			if removed, err := n.store.PurgePeers(now); err != nil {
				logger.V(logger.Warn).Infof("node: purge peers: %v", err)
			} else if removed > 0 {
				logger.V(logger.Debug).Infof("node: purged %d expired peer announcements", removed)
			}

			if now.Sub(lastRotate) >= n.tokens.epoch {
				if err := n.tokens.Rotate(); err != nil {
					logger.V(logger.Warn).Infof("node: token rotation: %v", err)
				}
				lastRotate = now
			}
			n.blacklist.Decay(now)
			n.persistSeeds()
		}
	}
}

// republish re-announces every persistent (owner-published) record
// whose announced-at predates RepublishInterval, via the primary Dht.
// A value's persistent flag is the ownership signal: records replicated on behalf of other
// nodes are stored non-persistent and are never republished here.
func (n *Node) republish(ctx context.Context, now time.Time) {
	d := n.primary()
	if d == nil {
		return
	}
	cutoff := now.Add(-RepublishInterval)

	persistent := true
	values, err := n.store.GetValues(&persistent, &cutoff, 0, republishBatch)
	if err != nil {
		logger.V(logger.Warn).Infof("node: republish: list values: %v", err)
	}
	for _, sv := range values {
		h, result := d.StoreValue(ctx, sv.Value)
		if h == nil {
			continue
		}
		<-h.Done()
		if result != nil && result.Success() {
			if _, err := n.store.UpdateValueAnnouncedTime(sv.Value.Id()); err != nil {
				logger.V(logger.Debug).Infof("node: republish: update announced time for %s: %v", sv.Value.Id(), err)
			}
		}
	}

	n.ownedMu.Lock()
	peerIds := make([]common.Id, 0, len(n.ownedPeers))
	for id := range n.ownedPeers {
		peerIds = append(peerIds, id)
	}
	n.ownedMu.Unlock()

	for _, peerId := range peerIds {
		stored, err := n.store.GetPeers(peerId, 0, republishBatch)
		if err != nil {
			logger.V(logger.Warn).Infof("node: republish: list peers for %s: %v", peerId, err)
			continue
		}
		for _, sp := range stored {
			if !sp.Persistent || sp.AnnouncedAt.After(cutoff) {
				continue
			}
			h, result := d.AnnouncePeer(ctx, sp.Record)
			if h == nil {
				continue
			}
			<-h.Done()
			if result != nil && result.Success() {
				if _, err := n.store.UpdatePeerAnnouncedTime(sp.Record.PeerId, sp.Record.Fingerprint); err != nil {
					logger.V(logger.Debug).Infof("node: republish: update announced time for peer %s: %v", peerId, err)
				}
			}
		}
	}
}

// persistSeeds snapshots every verified contact across enabled Dhts
// into the seed cache, so a restart has live bootstrap candidates
// without depending on the operator's seed list staying reachable.
func (n *Node) persistSeeds() {
	if n.seedCache == nil {
		return
	}
	for _, d := range n.dhts() {
		for _, c := range d.table.Live() {
			if !c.Verified() {
				continue
			}
			if err := n.seedCache.Put(c.Id, c.Addr, c.LastReply); err != nil {
				logger.V(logger.Debug).Infof("node: persist seed %s: %v", c.Id, err)
			}
		}
	}
}

// TrackOwnedPeer registers peerId as one of this node's own
// announcements, so the maintenance loop republishes it.
// PublishPeer calls this automatically.
func (n *Node) TrackOwnedPeer(peerId common.Id) {
	n.ownedMu.Lock()
	n.ownedPeers[peerId] = true
	n.ownedMu.Unlock()
}

// PublishValue stores v locally as a persistent (owned) record and
// announces it to the network, the node-level "store(value)" collaborator
// the identifier layer publishes Cards through.
func (n *Node) PublishValue(ctx context.Context, v *boson.Value, expectedSeq int64) (*task.StoreResult, error) {
	if err := n.store.PutValue(v, true, expectedSeq); err != nil {
		return nil, err
	}
	d := n.primary()
	if d == nil {
		return nil, errors.New("node: no address family enabled")
	}
	h, result := d.StoreValue(ctx, v)
	if h == nil {
		return nil, errors.New("node: scheduler unavailable")
	}
	<-h.Done()
	if _, err := n.store.UpdateValueAnnouncedTime(v.Id()); err != nil {
		logger.V(logger.Debug).Infof("node: publish value: update announced time: %v", err)
	}
	return result, h.Err()
}

// PublishPeer stores record locally as a persistent (owned) announcement,
// tracks it for republish, and announces it to the network.
func (n *Node) PublishPeer(ctx context.Context, record *boson.PeerRecord) (*task.AnnounceResult, error) {
	if err := n.store.PutPeers([]*boson.PeerRecord{record}, true); err != nil {
		return nil, err
	}
	n.TrackOwnedPeer(record.PeerId)
	d := n.primary()
	if d == nil {
		return nil, errors.New("node: no address family enabled")
	}
	h, result := d.AnnouncePeer(ctx, record)
	if h == nil {
		return nil, errors.New("node: scheduler unavailable")
	}
	<-h.Done()
	if _, err := n.store.UpdatePeerAnnouncedTime(record.PeerId, record.Fingerprint); err != nil {
		logger.V(logger.Debug).Infof("node: publish peer: update announced time: %v", err)
	}
	return result, h.Err()
}

// FindValue looks up id via the primary Dht's find-value task, the
// node-level "findValue(id) -> value|null" collaborator.
func (n *Node) FindValue(ctx context.Context, id common.Id) (*boson.Value, error) {
	d := n.primary()
	if d == nil {
		return nil, errors.New("node: no address family enabled")
	}
	h, result := d.FindValue(ctx, id)
	if h == nil {
		return nil, errors.New("node: scheduler unavailable")
	}
	<-h.Done()
	if err := h.Err(); err != nil {
		return nil, err
	}
	return result.Value, nil
}
