// Package node assembles the Boson node runtime on top of the routing
// table, RPC transport, task engine and storage tier: one Dht reactor
// per enabled address family, bootstrap, periodic maintenance, the
// token manager and the misbehavior blacklist.
package node

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/dhterror"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/logger"
	"github.com/boson-network/boson/rpcserver"
	"github.com/boson-network/boson/storage"
	"github.com/boson-network/boson/task"
	"github.com/boson-network/boson/wire"
)

// findPeerResponseLimit bounds how many stored announcements a single
// find-peer response carries before wire.TrimToFit takes over.
const findPeerResponseLimit = 16

// idBits is the number of bits in an Id, i.e. the number of distinct
// prefix-length values a bucket range can take.
const idBits = common.IdLength * 8

// Dht is one address family's reactor: a routing table, a UDP RPC
// server bound to that family, and the task scheduler driving its
// outbound lookups. A Node owns one Dht per enabled address family and
// shares a single storage tier, token manager and blacklist across both.
type Dht struct {
	localId common.Id
	table   *kbucket.Table
	server  *rpcserver.Server
	sched   *task.Scheduler

	store     storage.Store
	tokens    *TokenManager
	blacklist *Blacklist

	// peer is the sibling address family's routing table, consulted
	// read-only so a find-node/find-peer response can still offer nodes
	// of the other family, matching the wire contract's independent
	// Nodes4/Nodes8 lists regardless of which socket answered. Nil when
	// only one address family is enabled.
	peer *kbucket.Table
}

// NewDht creates a Dht bound to laddr, sharing store/tokens/blacklist
// with the rest of the Node. peerTable is the sibling address family's
// table (nil if that family is disabled).
func NewDht(parent context.Context, localId common.Id, laddr *net.UDPAddr, store storage.Store, tokens *TokenManager, blacklist *Blacklist, peerTable *kbucket.Table, cfg rpcserver.Config, concurrency int) (*Dht, error) {
	d := &Dht{
		localId:   localId,
		table:     kbucket.NewTable(localId),
		store:     store,
		tokens:    tokens,
		blacklist: blacklist,
		peer:      peerTable,
	}
	server, err := rpcserver.New(localId, laddr, d.handle, cfg)
	if err != nil {
		return nil, err
	}
	d.server = server
	d.sched = task.NewScheduler(parent, concurrency)
	return d, nil
}

// Table returns the Dht's routing table, handed to the sibling Dht as
// its peerTable and consulted by the node's maintenance ticks.
func (d *Dht) Table() *kbucket.Table { return d.table }

// LocalAddr returns the bound socket address.
func (d *Dht) LocalAddr() *net.UDPAddr { return d.server.LocalAddr() }

// Close shuts down the underlying RPC server.
func (d *Dht) Close() error { return d.server.Close() }

// Serve runs the Dht's RPC reactor until ctx is done.
func (d *Dht) Serve(ctx context.Context) error { return d.server.Serve(ctx) }

func (d *Dht) deps() task.Deps {
	return task.Deps{Transport: d.server, Table: d.table, LocalId: d.localId}
}

// bondSeen records that addr claims to be id, giving it a slot in the
// table (a live entry if the bucket has room, the replacement cache
// otherwise) without marking it verified: only a reply to our own
// outbound RPC does that. This is the "recently seen but unverified"
// half of a k-bucket.
func (d *Dht) bondSeen(addr *net.UDPAddr, id common.Id) {
	if id == d.localId {
		return
	}
	d.table.Insert(&kbucket.Contact{Id: id, Addr: addr})
}

// insertVerified records that every contact in closest — each of which
// replied directly to one of our own RPCs during a lookup — is live.
// This is needed because runLookup only marks already-known candidates
// responded/failed (it has no way to add a brand new one mid-lookup);
// a contact first learned of from a third party's closest-nodes list
// still needs to land in our table once we've confirmed it ourselves.
func (d *Dht) insertVerified(closest []*kbucket.Contact) {
	now := time.Now()
	for _, c := range closest {
		if c.Id == d.localId {
			continue
		}
		cp := *c
		cp.LastReply = now
		cp.Failures = 0
		d.table.Insert(&cp)
	}
}

// handle answers one inbound request, dispatching on method. It is installed as the Dht's rpcserver.RequestHandler.
func (d *Dht) handle(from *net.UDPAddr, senderId common.Id, method wire.Method, req *wire.Request) (*wire.Response, error) {
	if d.blacklist != nil && d.blacklist.Blocked(from) {
		return nil, dhterror.New(dhterror.Throttled, "remote is blacklisted")
	}
	switch method {
	case wire.MethodPing:
		d.bondSeen(from, senderId)
		return &wire.Response{}, nil
	case wire.MethodFindNode:
		return d.handleFindNode(from, senderId, req)
	case wire.MethodFindValue:
		return d.handleFindValue(from, senderId, req)
	case wire.MethodFindPeer:
		return d.handleFindPeer(from, senderId, req)
	case wire.MethodStoreValue:
		return d.handleStoreValue(from, senderId, req)
	case wire.MethodAnnouncePeer:
		return d.handleAnnouncePeer(from, senderId, req)
	default:
		if d.blacklist != nil {
			d.blacklist.Strike(from)
		}
		return nil, dhterror.New(dhterror.MethodUnknown, string(method))
	}
}

// closestNodes splits the closest-to-target contacts by address family:
// own family from d.table, the other from d.peer, honoring the
// requester's want flags.
func (d *Dht) closestNodes(target common.Id, want4, want6 bool) (nodes4, nodes8 []wire.Node) {
	isV4 := d.server.LocalAddr().IP.To4() != nil
	var own, sibling []*kbucket.Contact
	if (isV4 && want4) || (!isV4 && want6) {
		own = d.table.Closest(target, kbucket.K)
	}
	if d.peer != nil && ((isV4 && want6) || (!isV4 && want4)) {
		sibling = d.peer.Closest(target, kbucket.K)
	}
	if isV4 {
		nodes4, nodes8 = toWireNodes(own), toWireNodes(sibling)
	} else {
		nodes4, nodes8 = toWireNodes(sibling), toWireNodes(own)
	}
	return
}

func toWireNodes(cs []*kbucket.Contact) []wire.Node {
	if len(cs) == 0 {
		return nil
	}
	out := make([]wire.Node, 0, len(cs))
	for _, c := range cs {
		out = append(out, task.ContactToWireNode(c))
	}
	return out
}

func (d *Dht) handleFindNode(from *net.UDPAddr, senderId common.Id, req *wire.Request) (*wire.Response, error) {
	if req.Target == nil {
		return nil, dhterror.New(dhterror.Protocol, "find-node requires a target")
	}
	d.bondSeen(from, senderId)
	resp := &wire.Response{}
	resp.Nodes4, resp.Nodes8 = d.closestNodes(*req.Target, req.WantIPv4, req.WantIPv6)
	if req.WantToken && d.tokens != nil {
		resp.Token = d.tokens.Issue(from, *req.Target)
	}
	return resp, nil
}

func (d *Dht) handleFindValue(from *net.UDPAddr, senderId common.Id, req *wire.Request) (*wire.Response, error) {
	if req.Target == nil {
		return nil, dhterror.New(dhterror.Protocol, "find-value requires a target")
	}
	d.bondSeen(from, senderId)
	resp := &wire.Response{}
	resp.Nodes4, resp.Nodes8 = d.closestNodes(*req.Target, req.WantIPv4, req.WantIPv6)
	v, err := d.store.GetValue(*req.Target)
	if err != nil {
		logger.V(logger.Debug).Infof("node: find-value storage lookup for %s failed: %v", req.Target, err)
	} else if v != nil {
		resp.Value = v.ToWire()
	}
	if req.WantToken && d.tokens != nil {
		resp.Token = d.tokens.Issue(from, *req.Target)
	}
	return resp, nil
}

func (d *Dht) handleFindPeer(from *net.UDPAddr, senderId common.Id, req *wire.Request) (*wire.Response, error) {
	if req.Target == nil {
		return nil, dhterror.New(dhterror.Protocol, "find-peer requires a target")
	}
	d.bondSeen(from, senderId)
	resp := &wire.Response{}
	resp.Nodes4, resp.Nodes8 = d.closestNodes(*req.Target, req.WantIPv4, req.WantIPv6)
	stored, err := d.store.GetPeers(*req.Target, 0, findPeerResponseLimit)
	if err != nil {
		logger.V(logger.Debug).Infof("node: find-peer storage lookup for %s failed: %v", req.Target, err)
	}
	for _, sp := range stored {
		if req.Fingerprint != 0 && sp.Record.Fingerprint != req.Fingerprint {
			continue
		}
		resp.Peers = append(resp.Peers, sp.Record.ToWire())
	}
	return resp, nil
}

func (d *Dht) handleStoreValue(from *net.UDPAddr, senderId common.Id, req *wire.Request) (*wire.Response, error) {
	if req.Value == nil {
		return nil, dhterror.New(dhterror.Protocol, "store-value requires a value")
	}
	v, err := boson.ValueFromWire(req.Value)
	if err != nil {
		if d.blacklist != nil {
			d.blacklist.Strike(from)
		}
		return nil, dhterror.New(dhterror.InvalidSignature, err.Error())
	}
	if d.tokens == nil || !d.tokens.Verify(from, v.Id(), req.Token) {
		return nil, dhterror.New(dhterror.Protocol, "missing or expired token")
	}
	d.bondSeen(from, senderId)
	if err := d.store.PutValue(v, false, storage.NoExpectedSeq); err != nil {
		return nil, err
	}
	return &wire.Response{}, nil
}

func (d *Dht) handleAnnouncePeer(from *net.UDPAddr, senderId common.Id, req *wire.Request) (*wire.Response, error) {
	if req.Target == nil || req.Peer == nil {
		return nil, dhterror.New(dhterror.Protocol, "announce-peer requires a target and a peer record")
	}
	record, err := boson.PeerRecordFromWire(*req.Peer)
	if err != nil {
		if d.blacklist != nil {
			d.blacklist.Strike(from)
		}
		return nil, dhterror.New(dhterror.InvalidSignature, err.Error())
	}
	if record.PeerId != *req.Target {
		return nil, dhterror.New(dhterror.Protocol, "peer record id does not match target")
	}
	if d.tokens == nil || !d.tokens.Verify(from, *req.Target, req.Token) {
		return nil, dhterror.New(dhterror.Protocol, "missing or expired token")
	}
	d.bondSeen(from, senderId)
	if err := d.store.PutPeers([]*boson.PeerRecord{record}, false); err != nil {
		return nil, err
	}
	return &wire.Response{}, nil
}

// FindNode runs an outbound find-node lookup for target on the
// scheduler, returning its Handle and result (nil, nil if the
// scheduler's context ends before a slot was granted).
func (d *Dht) FindNode(ctx context.Context, target common.Id) (*task.Handle, *task.FindNodeResult) {
	var result *task.FindNodeResult
	h := d.sched.Submit(func(taskCtx context.Context) *task.Handle {
		var hh *task.Handle
		hh, result = task.StartFindNode(taskCtx, d.deps(), target)
		return hh
	})
	if h == nil {
		return nil, nil
	}
	go func() {
		<-h.Done()
		d.insertVerified(result.Closest)
	}()
	return h, result
}

// FindValue runs an outbound find-value lookup for id.
func (d *Dht) FindValue(ctx context.Context, id common.Id) (*task.Handle, *task.FindValueResult) {
	var result *task.FindValueResult
	h := d.sched.Submit(func(taskCtx context.Context) *task.Handle {
		var hh *task.Handle
		hh, result = task.StartFindValue(taskCtx, d.deps(), id)
		return hh
	})
	if h == nil {
		return nil, nil
	}
	go func() {
		<-h.Done()
		d.insertVerified(result.Closest)
	}()
	return h, result
}

// FindPeer runs an outbound find-peer lookup for peerId.
func (d *Dht) FindPeer(ctx context.Context, peerId common.Id) (*task.Handle, *task.FindPeerResult) {
	var result *task.FindPeerResult
	h := d.sched.Submit(func(taskCtx context.Context) *task.Handle {
		var hh *task.Handle
		hh, result = task.StartFindPeer(taskCtx, d.deps(), peerId)
		return hh
	})
	if h == nil {
		return nil, nil
	}
	go func() {
		<-h.Done()
		d.insertVerified(result.Closest)
	}()
	return h, result
}

// StoreValue announces v to the k nodes closest to its id. Its own
// find-node phase's freshly discovered contacts are only inserted into
// the table indirectly, via a concurrent or subsequent FindNode/bucket
// refresh covering the same region — store.go/announce.go keep the
// task engine's existing closest-set/token plumbing unchanged rather
// than widening StoreResult/AnnounceResult to expose it.
func (d *Dht) StoreValue(ctx context.Context, v *boson.Value) (*task.Handle, *task.StoreResult) {
	var result *task.StoreResult
	h := d.sched.Submit(func(taskCtx context.Context) *task.Handle {
		var hh *task.Handle
		hh, result = task.StartStoreValue(taskCtx, d.deps(), v)
		return hh
	})
	return h, result
}

// AnnouncePeer announces record to the k nodes closest to its peer id.
func (d *Dht) AnnouncePeer(ctx context.Context, record *boson.PeerRecord) (*task.Handle, *task.AnnounceResult) {
	var result *task.AnnounceResult
	h := d.sched.Submit(func(taskCtx context.Context) *task.Handle {
		var hh *task.Handle
		hh, result = task.StartAnnouncePeer(taskCtx, d.deps(), record)
		return hh
	})
	return h, result
}

// PingRefresh pings every currently-questionable contact, updating the
// routing table's liveness counters.
func (d *Dht) PingRefresh(ctx context.Context) (*task.Handle, *task.PingRefreshResult) {
	questionable := d.table.Questionable()
	if len(questionable) == 0 {
		return nil, &task.PingRefreshResult{}
	}
	var result *task.PingRefreshResult
	h := d.sched.Submit(func(taskCtx context.Context) *task.Handle {
		var hh *task.Handle
		hh, result = task.StartPingRefresh(taskCtx, d.deps(), questionable)
		return hh
	})
	return h, result
}

// Refresh issues a find-node for a random id in the range of every
// bucket not touched within kbucket.RefreshInterval.
func (d *Dht) Refresh(ctx context.Context) {
	targets := d.table.StaleBuckets(func(minPrefix, maxPrefix int) common.Id {
		return randomIdInRange(d.localId, minPrefix)
	})
	for _, target := range targets {
		h, _ := d.FindNode(ctx, target)
		if h != nil {
			<-h.Done()
		}
		d.table.MarkRefreshed(common.PrefixDistance(d.localId, target))
	}
}

// Bootstrap pings every seed; each one that replies is inserted as a
// verified contact, and once at least one has bonded a self-lookup
// populates the nearby buckets.
func (d *Dht) Bootstrap(ctx context.Context, seeds []Seed) {
	var wg sync.WaitGroup
	var bonded int32
	for _, s := range seeds {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := s.addr()
			req := &wire.Request{SenderId: d.localId}
			if _, err := d.server.Request(ctx, addr, s.Id, wire.MethodPing, req, 0); err != nil {
				logger.V(logger.Debug).Infof("node: bootstrap seed %s unreachable: %v", addr, err)
				return
			}
			d.table.Insert(&kbucket.Contact{Id: s.Id, Addr: addr, LastReply: time.Now()})
			atomic.AddInt32(&bonded, 1)
		}()
	}
	wg.Wait()
	if bonded == 0 {
		logger.V(logger.Warn).Infof("node: bootstrap found no reachable seeds")
		return
	}
	if h, _ := d.FindNode(ctx, d.localId); h != nil {
		<-h.Done()
	}
}

// randomIdInRange returns a random id whose shared-prefix-length with
// localId is exactly minPrefix, i.e. an id at the shallowest depth of the
// half-open bucket range [minPrefix, maxPrefix) — any such id is a valid
// refresh target.
func randomIdInRange(localId common.Id, minPrefix int) common.Id {
	var id common.Id
	rand.Read(id[:])
	fullBytes := minPrefix / 8
	if fullBytes > common.IdLength {
		fullBytes = common.IdLength
	}
	copy(id[:fullBytes], localId[:fullBytes])
	if fullBytes >= common.IdLength {
		return id
	}
	if rem := minPrefix % 8; rem != 0 {
		mask := byte(0xFF << uint(8-rem))
		id[fullBytes] = (id[fullBytes] &^ mask) | (localId[fullBytes] & mask)
	}
	if minPrefix < idBits {
		bit := byte(0x80 >> uint(minPrefix%8))
		if (id[fullBytes]&bit == 0) == (localId[fullBytes]&bit == 0) {
			id[fullBytes] ^= bit
		}
	}
	return id
}
