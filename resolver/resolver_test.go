package resolver

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/task"
)

type fakeDHT struct {
	mu        sync.Mutex
	values    map[common.Id]*boson.Value
	findCalls int32
	delay     time.Duration
}

func newFakeDHT() *fakeDHT {
	return &fakeDHT{values: make(map[common.Id]*boson.Value)}
}

func (f *fakeDHT) FindValue(ctx context.Context, id common.Id) (*boson.Value, error) {
	atomic.AddInt32(&f.findCalls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[id], nil
}

func (f *fakeDHT) PublishValue(ctx context.Context, v *boson.Value, expectedSeq int64) (*task.StoreResult, error) {
	f.mu.Lock()
	f.values[v.Id()] = v
	f.mu.Unlock()
	return &task.StoreResult{Attempted: 1, Succeeded: 1}, nil
}

func newTestResolver(t *testing.T, dht DHT) *Resolver {
	t.Helper()
	r, err := New(Config{DHT: dht, PersistPath: filepath.Join(t.TempDir(), "cards.db")})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func registerTestCard(t *testing.T, r *Resolver, credentials []byte) *Card {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.IdFromPublicKey(pub)
	require.NoError(t, err)

	card := &Card{Id: id, PublicKey: pub, Credentials: credentials, SignedAt: time.Now()}
	payload, err := EncodePayload(card)
	require.NoError(t, err)
	nonce, err := crypto.RandomNonce()
	require.NoError(t, err)
	sig := crypto.Sign(priv, crypto.SignContext(nonce, 1, payload))

	require.NoError(t, r.Register(context.Background(), card, nonce, 1, sig))
	return card
}

func TestRegisterThenResolve(t *testing.T) {
	dht := newFakeDHT()
	r := newTestResolver(t, dht)
	card := registerTestCard(t, r, []byte("creds-v1"))

	res, err := r.Resolve(context.Background(), card.Id, Options{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []byte("creds-v1"), res.Payload.Credentials)
	require.EqualValues(t, 1, res.Metadata.Version)
}

func TestResolveNotFound(t *testing.T) {
	dht := newFakeDHT()
	r := newTestResolver(t, dht)
	var id common.Id
	id[0] = 0x42

	res, err := r.Resolve(context.Background(), id, Options{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, res.Status)
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	dht := newFakeDHT()
	r := newTestResolver(t, dht)
	card := registerTestCard(t, r, []byte("cached"))

	_, err := r.Resolve(context.Background(), card.Id, Options{UseCache: true})
	require.NoError(t, err)
	before := atomic.LoadInt32(&dht.findCalls)

	res, err := r.Resolve(context.Background(), card.Id, Options{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, before, atomic.LoadInt32(&dht.findCalls))
}

func TestResolveBypassesCacheWhenDisabled(t *testing.T) {
	dht := newFakeDHT()
	r := newTestResolver(t, dht)
	card := registerTestCard(t, r, []byte("fresh"))

	_, err := r.Resolve(context.Background(), card.Id, Options{UseCache: true})
	require.NoError(t, err)
	before := atomic.LoadInt32(&dht.findCalls)

	_, err = r.Resolve(context.Background(), card.Id, Options{UseCache: false})
	require.NoError(t, err)
	require.Greater(t, atomic.LoadInt32(&dht.findCalls), before)
}

func TestConcurrentResolvesCoalesceIntoOneFindValue(t *testing.T) {
	dht := newFakeDHT()
	dht.delay = 50 * time.Millisecond
	r := newTestResolver(t, dht)
	card := registerTestCard(t, r, []byte("coalesced"))
	atomic.StoreInt32(&dht.findCalls, 0)

	var wg sync.WaitGroup
	results := make([]*ResolutionResult, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), card.Id, Options{UseCache: false})
			require.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&dht.findCalls))
	for _, res := range results {
		require.Equal(t, StatusSuccess, res.Status)
	}
}

func TestInvalidPayloadResolvesAsInvalid(t *testing.T) {
	dht := newFakeDHT()
	r := newTestResolver(t, dht)
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v, err := boson.NewSignedValue(pub, priv, 1, []byte{0xff, 0xfe, 0x00})
	require.NoError(t, err)
	_, err = dht.PublishValue(context.Background(), v, 0)
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), v.Id(), Options{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, StatusInvalid, res.Status)
}

func TestRegisterInvalidatesCache(t *testing.T) {
	dht := newFakeDHT()
	r := newTestResolver(t, dht)
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.IdFromPublicKey(pub)
	require.NoError(t, err)

	card1 := &Card{Id: id, PublicKey: pub, Credentials: []byte("v1")}
	payload1, err := EncodePayload(card1)
	require.NoError(t, err)
	nonce1, err := crypto.RandomNonce()
	require.NoError(t, err)
	sig1 := crypto.Sign(priv, crypto.SignContext(nonce1, 1, payload1))
	require.NoError(t, r.Register(context.Background(), card1, nonce1, 1, sig1))

	res, err := r.Resolve(context.Background(), id, Options{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), res.Payload.Credentials)

	card2 := &Card{Id: id, PublicKey: pub, Credentials: []byte("v2")}
	payload2, err := EncodePayload(card2)
	require.NoError(t, err)
	nonce2, err := crypto.RandomNonce()
	require.NoError(t, err)
	sig2 := crypto.Sign(priv, crypto.SignContext(nonce2, 2, payload2))
	require.NoError(t, r.Register(context.Background(), card2, nonce2, 2, sig2))

	res2, err := r.Resolve(context.Background(), id, Options{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), res2.Payload.Credentials)
}
