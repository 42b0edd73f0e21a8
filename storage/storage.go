// Package storage defines the DHT's persistent record store contract:
// value and peer-announce records with TTL-based expiration and
// announce-time bookkeeping, implemented identically by an in-memory
// backend and a SQL-backed one (package sqlstore).
package storage

import (
	"errors"
	"time"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
)

// SchemaVersion is the schema version this code expects a SQL backend to
// carry.
const SchemaVersion = 5

var (
	// ErrAlreadyInitialized is returned by Initialize on a store that has
	// already been initialized.
	ErrAlreadyInitialized = errors.New("storage: already initialized")
	// ErrSchemaMismatch is returned by Initialize when the on-disk schema
	// version does not match SchemaVersion.
	ErrSchemaMismatch = errors.New("storage: schema version mismatch")
	// ErrNotInitialized is returned by any operation on a store that has
	// not been Initialize'd yet.
	ErrNotInitialized = errors.New("storage: not initialized")
)

// StoredValue wraps a Value with the storage-entry bookkeeping fields
// the storage tier maintains alongside it.
type StoredValue struct {
	Value       *boson.Value
	Persistent  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AnnouncedAt time.Time
}

// StoredPeer wraps a PeerRecord with the same bookkeeping fields, keyed by
// (peerId, fingerprint).
type StoredPeer struct {
	Record      *boson.PeerRecord
	Persistent  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AnnouncedAt time.Time
}

// NoExpectedSeq is the sentinel for PutValue's expectedSeq parameter
// meaning "do not check the caller's expectation against the existing
// record's sequence number".
const NoExpectedSeq = -1

// Store is the storage tier's interface, implemented identically by an
// in-memory backend (package storage, type Memory) and a SQL-backed one
// (package sqlstore): "Two backends must implement it
// identically."
type Store interface {
	// Initialize opens the store for the given TTLs, failing with
	// ErrSchemaMismatch on a version mismatch and ErrAlreadyInitialized
	// on a second call.
	Initialize(valueTTL, peerTTL time.Duration) error
	Close() error

	// PutValue validates and writes v's steps 1-3,
	// returning a *dhterror.Error for ImmutableSubstitutionFail,
	// SeqNotMonotonic or SeqNotExpected; a value that fails v.Validate is
	// rejected with Validate's own error (e.g. boson.ErrInvalidSignature).
	PutValue(v *boson.Value, persistent bool, expectedSeq int64) error
	// GetValue returns nil (not an error) if the record is absent or
	// expired and non-persistent.
	GetValue(id common.Id) (*boson.Value, error)
	// GetValues is a stable-order (id ascending) paginated scan, used by
	// republish and test enumeration. persistent and announcedBefore are
	// optional filters (nil means "no filter").
	GetValues(persistent *bool, announcedBefore *time.Time, offset, limit int) ([]StoredValue, error)
	UpdateValueAnnouncedTime(id common.Id) (time.Time, error)
	RemoveValue(id common.Id) (bool, error)
	// PurgeValues deletes every non-persistent record whose UpdatedAt is
	// older than now minus the store's configured valueTTL, returning the
	// count removed.
	PurgeValues(now time.Time) (int, error)

	// PutPeers atomically inserts or updates a batch of announcements.
	PutPeers(records []*boson.PeerRecord, persistent bool) error
	// GetPeers returns a peer's announcements newest-first (by UpdatedAt
	// descending).
	GetPeers(peerId common.Id, offset, limit int) ([]StoredPeer, error)
	UpdatePeerAnnouncedTime(peerId common.Id, fingerprint uint64) (time.Time, error)
	RemovePeers(peerId common.Id) (int, error)
	PurgePeers(now time.Time) (int, error)
}
