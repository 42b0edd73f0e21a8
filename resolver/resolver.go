package resolver

import (
	"context"
	"time"

	"github.com/boltdb/bolt"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ugorji/go/codec"
	"golang.org/x/sync/singleflight"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/logger"
	"github.com/boson-network/boson/storage"
	"github.com/boson-network/boson/task"
)

// MemCacheSize is the default bounded LRU capacity for the in-memory tier.
const MemCacheSize = 1024

// MemCacheTTL is the default in-memory entry lifetime.
const MemCacheTTL = 5 * time.Minute

// PersistentCacheTTL is the default file-system-backed entry lifetime.
const PersistentCacheTTL = 24 * time.Hour

var cardBucket = []byte("cards")

// Status is a resolution outcome.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalid
	StatusNotFound
	StatusUnsupportedRepresentation
	StatusUnsupportedMethod
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalid:
		return "invalid"
	case StatusNotFound:
		return "not-found"
	case StatusUnsupportedRepresentation:
		return "unsupported-representation"
	case StatusUnsupportedMethod:
		return "unsupported-method"
	default:
		return "unknown"
	}
}

// Metadata carries a resolution's bookkeeping timestamps and version.
type Metadata struct {
	Created     time.Time
	Updated     time.Time
	Resolved    time.Time
	Deactivated bool
	Version     int64
}

// ResolutionResult is the outcome of a resolve call.
type ResolutionResult struct {
	Status   Status
	Payload  *Card
	Metadata Metadata
}

// Options configures a Resolve call.
type Options struct {
	// UseCache, if false, bypasses both cache tiers and always issues a
	// fresh find-value RPC.
	UseCache bool
	// ValidTTL overrides MemCacheTTL for this call's freshness check (0
	// means use MemCacheTTL).
	ValidTTL time.Duration
}

// DHT is the subset of *node.Node the resolver needs: publish a signed
// value and look one up by id. An interface so tests can substitute a
// fake without spinning up a real network.
type DHT interface {
	FindValue(ctx context.Context, id common.Id) (*boson.Value, error)
	PublishValue(ctx context.Context, v *boson.Value, expectedSeq int64) (*task.StoreResult, error)
}

type cacheEntry struct {
	Result    ResolutionResult
	ExpiresAt time.Time
}

// persistedEntry is cacheEntry's CBOR-serializable form for the boltdb
// tier: time.Time round-trips fine under ugorji's codec, but Card's
// PublicKey ([]byte) needs no special handling either, so the two are
// otherwise identical.
type persistedEntry struct {
	Status      uint8     `codec:"s"`
	Id          common.Id `codec:"i"`
	PublicKey   []byte    `codec:"p"`
	Credentials []byte    `codec:"c"`
	Services    []byte    `codec:"v"`
	SignedAt    time.Time `codec:"t"`
	Deactivated bool      `codec:"d"`
	Created     time.Time `codec:"cr"`
	Updated     time.Time `codec:"up"`
	Resolved    time.Time `codec:"rs"`
	Version     int64     `codec:"ve"`
	ExpiresAt   time.Time `codec:"e"`
}

// Resolver implements the identifier layer's resolve/register flow: a
// bounded in-memory LRU backed by a persistent boltdb cache, with
// singleflight coalescing so concurrent resolutions of the same id share
// one find-value RPC.
type Resolver struct {
	dht DHT

	memCache *lru.Cache
	memTTL   time.Duration

	persist    *bolt.DB
	persistTTL time.Duration

	group singleflight.Group
}

// Config configures a Resolver. PersistPath is required; MemCacheSize,
// MemTTL and PersistTTL default to the package constants when zero.
type Config struct {
	DHT          DHT
	PersistPath  string
	MemCacheSize int
	MemTTL       time.Duration
	PersistTTL   time.Duration
}

// New opens (creating if necessary) the persistent cache at cfg.PersistPath
// and builds a Resolver around cfg.DHT.
func New(cfg Config) (*Resolver, error) {
	size := cfg.MemCacheSize
	if size <= 0 {
		size = MemCacheSize
	}
	memTTL := cfg.MemTTL
	if memTTL <= 0 {
		memTTL = MemCacheTTL
	}
	persistTTL := cfg.PersistTTL
	if persistTTL <= 0 {
		persistTTL = PersistentCacheTTL
	}

	memCache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.PersistPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cardBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Resolver{
		dht:        cfg.DHT,
		memCache:   memCache,
		memTTL:     memTTL,
		persist:    db,
		persistTTL: persistTTL,
	}, nil
}

// Close releases the persistent cache's file handle.
func (r *Resolver) Close() error { return r.persist.Close() }

// Resolve looks up id, consulting the cache tiers first unless
// opts.UseCache is false, and coalescing concurrent misses for the same id
// into a single find-value RPC.
func (r *Resolver) Resolve(ctx context.Context, id common.Id, opts Options) (*ResolutionResult, error) {
	ttl := opts.ValidTTL
	if ttl <= 0 {
		ttl = r.memTTL
	}

	if opts.UseCache {
		if res, ok := r.memLookup(id, ttl); ok {
			return res, nil
		}
		if res, ok := r.persistLookup(id); ok {
			r.memStore(id, *res, ttl)
			return res, nil
		}
	}

	v, err, _ := r.group.Do(id.String(), func() (interface{}, error) {
		return r.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*ResolutionResult)

	r.memStore(id, *res, ttl)
	if err := r.persistStore(id, *res); err != nil {
		// Storage errors from the persistent tier are non-fatal.
		logger.V(logger.Debug).Infof("resolver: persist cache entry for %s: %v", id, err)
	}
	return res, nil
}

// fetch performs the actual find-value RPC and decodes its result into a
// ResolutionResult, run at most once per id at a time via singleflight.
func (r *Resolver) fetch(ctx context.Context, id common.Id) (*ResolutionResult, error) {
	v, err := r.dht.FindValue(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if v == nil {
		return &ResolutionResult{Status: StatusNotFound, Metadata: Metadata{Resolved: now}}, nil
	}
	card, err := DecodePayload(v.Data())
	if err != nil {
		return &ResolutionResult{Status: StatusInvalid, Metadata: Metadata{Resolved: now}}, nil
	}
	card.Id = v.Id()
	card.PublicKey = v.PublicKey()
	return &ResolutionResult{
		Status:  StatusSuccess,
		Payload: card,
		Metadata: Metadata{
			Resolved:    now,
			Deactivated: card.Deactivated,
			Version:     v.Sequence(),
		},
	}, nil
}

// Register publishes card as a signed mutable value, already-signed by the
// caller: nonce, version and signature were computed off this resolver.
// It invalidates any cached entry for the card's id.
func (r *Resolver) Register(ctx context.Context, card *Card, nonce [crypto.NonceSize]byte, version int64, signature []byte) error {
	payload, err := EncodePayload(card)
	if err != nil {
		return err
	}
	pub := card.PublicKey
	v, err := boson.NewValueFromWire(card.Id, &pub, nil, &nonce, version, signature, payload)
	if err != nil {
		return err
	}
	if _, err := r.dht.PublishValue(ctx, v, storage.NoExpectedSeq); err != nil {
		return err
	}
	r.invalidate(card.Id)
	return nil
}

func (r *Resolver) invalidate(id common.Id) {
	r.memCache.Remove(id)
	_ = r.persist.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cardBucket).Delete(id[:])
	})
}

func (r *Resolver) memLookup(id common.Id, ttl time.Duration) (*ResolutionResult, bool) {
	v, ok := r.memCache.Get(id)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if time.Since(entry.Result.Metadata.Resolved) > ttl {
		r.memCache.Remove(id)
		return nil, false
	}
	res := entry.Result
	return &res, true
}

func (r *Resolver) memStore(id common.Id, res ResolutionResult, ttl time.Duration) {
	r.memCache.Add(id, cacheEntry{Result: res, ExpiresAt: time.Now().Add(ttl)})
}

func (r *Resolver) persistLookup(id common.Id) (*ResolutionResult, bool) {
	var pe persistedEntry
	found := false
	err := r.persist.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cardBucket).Get(id[:])
		if b == nil {
			return nil
		}
		dec := codec.NewDecoderBytes(append([]byte(nil), b...), cborHandle)
		if err := dec.Decode(&pe); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		logger.V(logger.Debug).Infof("resolver: read persistent cache for %s: %v", id, err)
		return nil, false
	}
	if !found || time.Now().After(pe.ExpiresAt) {
		return nil, false
	}
	res := &ResolutionResult{
		Status: Status(pe.Status),
		Metadata: Metadata{
			Created:     pe.Created,
			Updated:     pe.Updated,
			Resolved:    pe.Resolved,
			Deactivated: pe.Deactivated,
			Version:     pe.Version,
		},
	}
	if res.Status == StatusSuccess {
		res.Payload = &Card{
			Id:          pe.Id,
			PublicKey:   pe.PublicKey,
			Credentials: pe.Credentials,
			Services:    pe.Services,
			SignedAt:    pe.SignedAt,
			Deactivated: pe.Deactivated,
		}
	}
	return res, true
}

func (r *Resolver) persistStore(id common.Id, res ResolutionResult) error {
	pe := persistedEntry{
		Status:      uint8(res.Status),
		Id:          id,
		Created:     res.Metadata.Created,
		Updated:     res.Metadata.Updated,
		Resolved:    res.Metadata.Resolved,
		Version:     res.Metadata.Version,
		Deactivated: res.Metadata.Deactivated,
		ExpiresAt:   time.Now().Add(r.persistTTL),
	}
	if res.Payload != nil {
		pe.PublicKey = res.Payload.PublicKey
		pe.Credentials = res.Payload.Credentials
		pe.Services = res.Payload.Services
		pe.SignedAt = res.Payload.SignedAt
	}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(&pe); err != nil {
		return err
	}
	return r.persist.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cardBucket).Put(id[:], buf)
	})
}
