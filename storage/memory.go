package storage

import (
	"sort"
	"sync"
	"time"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/dhterror"
	"github.com/boson-network/boson/metrics"
)

type peerKey struct {
	peerId      common.Id
	fingerprint uint64
}

// Memory is the in-memory Store backend: a pair of maps guarded by a
// single read-write lock. Writes are fully serialized, so the sequence
// checks in PutValue always observe a consistent prior state; reads
// take the read lock and run concurrently with each other.
type Memory struct {
	mu          sync.RWMutex
	initialized bool
	valueTTL    time.Duration
	peerTTL     time.Duration
	values      map[common.Id]*StoredValue
	peers       map[peerKey]*StoredPeer
}

// NewMemory creates an uninitialized in-memory store; call Initialize
// before use.
func NewMemory() *Memory {
	return &Memory{values: make(map[common.Id]*StoredValue), peers: make(map[peerKey]*StoredPeer)}
}

func (m *Memory) Initialize(valueTTL, peerTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return ErrAlreadyInitialized
	}
	m.valueTTL, m.peerTTL = valueTTL, peerTTL
	m.initialized = true
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return nil
}

func (m *Memory) requireInit() error {
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (m *Memory) PutValue(v *boson.Value, persistent bool, expectedSeq int64) error {
	if err := v.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return err
	}

	now := time.Now()
	existing, ok := m.values[v.Id()]
	if !ok {
		m.values[v.Id()] = &StoredValue{Value: v, Persistent: persistent, CreatedAt: now, UpdatedAt: now, AnnouncedAt: now}
		metrics.StorageEntries.Update(metrics.StorageEntries.Value() + 1)
		return nil
	}

	if existing.Value.Kind() == boson.Immutable && v.Kind() != boson.Immutable {
		return dhterror.New(dhterror.ImmutableSubstitutionFail, "cannot replace an immutable value with a mutable one")
	}
	if v.Kind() != boson.Immutable {
		if v.Sequence() <= existing.Value.Sequence() {
			return dhterror.New(dhterror.SeqNotMonotonic, "sequence number must increase")
		}
		if expectedSeq >= 0 && existing.Value.Sequence() != expectedSeq {
			return dhterror.New(dhterror.SeqNotExpected, "existing sequence does not match expectedSeq")
		}
	}
	merged := v.WithPrivateField(existing.Value)
	existing.Value = merged
	existing.Persistent = persistent
	existing.UpdatedAt = now
	return nil
}

func (m *Memory) GetValue(id common.Id) (*boson.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireInit(); err != nil {
		return nil, err
	}
	sv, ok := m.values[id]
	if !ok {
		return nil, nil
	}
	if m.valueExpired(sv, time.Now()) {
		return nil, nil
	}
	return sv.Value, nil
}

func (m *Memory) valueExpired(sv *StoredValue, now time.Time) bool {
	return !sv.Persistent && now.Sub(sv.UpdatedAt) > m.valueTTL
}

func (m *Memory) GetValues(persistent *bool, announcedBefore *time.Time, offset, limit int) ([]StoredValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireInit(); err != nil {
		return nil, err
	}
	ids := make([]common.Id, 0, len(m.values))
	for id := range m.values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	var out []StoredValue
	for _, id := range ids {
		sv := m.values[id]
		if persistent != nil && sv.Persistent != *persistent {
			continue
		}
		if announcedBefore != nil && !sv.AnnouncedAt.Before(*announcedBefore) {
			continue
		}
		out = append(out, *sv)
	}
	return paginate(out, offset, limit), nil
}

func paginate(in []StoredValue, offset, limit int) []StoredValue {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (m *Memory) UpdateValueAnnouncedTime(id common.Id) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return time.Time{}, err
	}
	sv, ok := m.values[id]
	if !ok {
		return time.Time{}, nil
	}
	sv.AnnouncedAt = time.Now()
	return sv.AnnouncedAt, nil
}

func (m *Memory) RemoveValue(id common.Id) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return false, err
	}
	if _, ok := m.values[id]; !ok {
		return false, nil
	}
	delete(m.values, id)
	metrics.StorageEntries.Update(metrics.StorageEntries.Value() - 1)
	return true, nil
}

func (m *Memory) PurgeValues(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return 0, err
	}
	n := 0
	for id, sv := range m.values {
		if m.valueExpired(sv, now) {
			delete(m.values, id)
			n++
		}
	}
	if n > 0 {
		metrics.StoragePurged.Mark(int64(n))
		metrics.StorageEntries.Update(metrics.StorageEntries.Value() - int64(n))
	}
	return n, nil
}

func (m *Memory) PutPeers(records []*boson.PeerRecord, persistent bool) error {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return err
	}
	now := time.Now()
	for _, r := range records {
		k := peerKey{peerId: r.PeerId, fingerprint: r.Fingerprint}
		if existing, ok := m.peers[k]; ok {
			existing.Record = r
			existing.Persistent = persistent
			existing.UpdatedAt = now
			continue
		}
		m.peers[k] = &StoredPeer{Record: r, Persistent: persistent, CreatedAt: now, UpdatedAt: now, AnnouncedAt: now}
	}
	return nil
}

func (m *Memory) GetPeers(peerId common.Id, offset, limit int) ([]StoredPeer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireInit(); err != nil {
		return nil, err
	}
	now := time.Now()
	var matched []StoredPeer
	for k, sp := range m.peers {
		if k.peerId != peerId {
			continue
		}
		if !sp.Persistent && now.Sub(sp.UpdatedAt) > m.peerTTL {
			continue
		}
		matched = append(matched, *sp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) UpdatePeerAnnouncedTime(peerId common.Id, fingerprint uint64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return time.Time{}, err
	}
	sp, ok := m.peers[peerKey{peerId: peerId, fingerprint: fingerprint}]
	if !ok {
		return time.Time{}, nil
	}
	sp.AnnouncedAt = time.Now()
	return sp.AnnouncedAt, nil
}

func (m *Memory) RemovePeers(peerId common.Id) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return 0, err
	}
	n := 0
	for k := range m.peers {
		if k.peerId == peerId {
			delete(m.peers, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgePeers(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireInit(); err != nil {
		return 0, err
	}
	n := 0
	for k, sp := range m.peers {
		if !sp.Persistent && now.Sub(sp.UpdatedAt) > m.peerTTL {
			delete(m.peers, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*Memory)(nil)
