// Package sqlstore implements storage.Store on top of database/sql for the
// single-node embedded deployment (driver "sqlite",
// github.com/boson-network/boson's dependency on modernc.org/sqlite, pure
// Go, no cgo). Open accepts any database/sql driver name, but the code is
// SQLite-specific in places: Initialize's schema-version check queries
// sqlite_master, the schema uses AUTOINCREMENT, and offset-only queries
// use LIMIT -1.
package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	boson "github.com/boson-network/boson"
	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/dhterror"
	"github.com/boson-network/boson/metrics"
	"github.com/boson-network/boson/storage"
	"github.com/boson-network/boson/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS value (
	id          TEXT PRIMARY KEY,
	persistent  INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	announced_at INTEGER NOT NULL,
	public_key  BLOB,
	recipient   TEXT,
	nonce       BLOB,
	seq         INTEGER NOT NULL DEFAULT 0,
	signature   BLOB,
	data        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS peer (
	peer_id     TEXT NOT NULL,
	fingerprint INTEGER NOT NULL,
	node_id     TEXT NOT NULL,
	endpoint    TEXT NOT NULL,
	extra       BLOB,
	signature   BLOB NOT NULL,
	persistent  INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	announced_at INTEGER NOT NULL,
	PRIMARY KEY (peer_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	key         TEXT NOT NULL,
	at          INTEGER NOT NULL,
	detail      TEXT
);
`

// Store is a SQL-backed implementation of storage.Store.
type Store struct {
	db       *sql.DB
	valueTTL time.Duration
	peerTTL  time.Duration
	inited   bool
}

// Open opens (creating if necessary) a SQL store at dsn using driverName
// (e.g. "sqlite", or any registered database/sql driver for a server-side
// deployment). It does not run schema migrations; call Initialize for
// that.
func Open(driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer, serializing puts
	return &Store{db: db}, nil
}

func (s *Store) Initialize(valueTTL, peerTTL time.Duration) error {
	if s.inited {
		return storage.ErrAlreadyInitialized
	}
	// sqlite_master is SQLite-specific, not ANSI-SQL-portable: a
	// server-side deployment against a different driver would need this
	// existence check swapped for that engine's information_schema
	// equivalent.
	var versionCount int
	_ = s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&versionCount)
	if versionCount > 0 {
		var v int
		if err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v); err == nil {
			if v != storage.SchemaVersion {
				return storage.ErrSchemaMismatch
			}
			s.valueTTL, s.peerTTL = valueTTL, peerTTL
			s.inited = true
			return nil
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, storage.SchemaVersion); err != nil {
		return fmt.Errorf("sqlstore: seed schema_version: %w", err)
	}
	s.valueTTL, s.peerTTL = valueTTL, peerTTL
	s.inited = true
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) requireInit() error {
	if !s.inited {
		return storage.ErrNotInitialized
	}
	return nil
}

func (s *Store) audit(kind, key, detail string) {
	_, _ = s.db.Exec(`INSERT INTO audit_log(kind, key, at, detail) VALUES (?, ?, ?, ?)`, kind, key, time.Now().Unix(), detail)
}

func (s *Store) PutValue(v *boson.Value, persistent bool, expectedSeq int64) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := s.requireInit(); err != nil {
		return err
	}

	idHex := v.Id().String()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	var existingSeq sql.NullInt64
	var existingPub []byte
	var existingRecipient sql.NullString
	var existingNonce []byte
	var existingSig []byte
	row := tx.QueryRow(`SELECT public_key, recipient, nonce, seq, signature FROM value WHERE id = ?`, idHex)
	err = row.Scan(&existingPub, &existingRecipient, &existingNonce, &existingSeq, &existingSig)
	now := time.Now().Unix()

	if err == sql.ErrNoRows {
		wv := v.ToWire()
		if _, err := tx.Exec(
			`INSERT INTO value(id, persistent, created_at, updated_at, announced_at, public_key, recipient, nonce, seq, signature, data)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			idHex, boolToInt(persistent), now, now, now,
			nullableBytes(wv.PublicKey), nullableId(wv.Recipient), nullableBytes(wv.Nonce), wv.Sequence, nullableBytes(wv.Signature), wv.Data,
		); err != nil {
			return fmt.Errorf("sqlstore: insert value: %w", err)
		}
		s.audit("value.put", idHex, "insert")
		if err := tx.Commit(); err != nil {
			return err
		}
		metrics.StorageEntries.Update(metrics.StorageEntries.Value() + 1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlstore: select value: %w", err)
	}

	existingIsImmutable := len(existingPub) == 0
	if existingIsImmutable && v.Kind() != boson.Immutable {
		return dhterror.New(dhterror.ImmutableSubstitutionFail, "cannot replace an immutable value with a mutable one")
	}
	if v.Kind() != boson.Immutable {
		if v.Sequence() <= existingSeq.Int64 {
			return dhterror.New(dhterror.SeqNotMonotonic, "sequence number must increase")
		}
		if expectedSeq >= 0 && existingSeq.Int64 != expectedSeq {
			return dhterror.New(dhterror.SeqNotExpected, "existing sequence does not match expectedSeq")
		}
	}

	wv := v.ToWire()
	pub := wv.PublicKey
	if len(pub) == 0 {
		pub = existingPub
	}
	if _, err := tx.Exec(
		`UPDATE value SET persistent=?, updated_at=?, public_key=?, recipient=?, nonce=?, seq=?, signature=?, data=? WHERE id=?`,
		boolToInt(persistent), now, nullableBytes(pub), nullableId(wv.Recipient), nullableBytes(wv.Nonce), wv.Sequence, nullableBytes(wv.Signature), wv.Data, idHex,
	); err != nil {
		return fmt.Errorf("sqlstore: update value: %w", err)
	}
	s.audit("value.put", idHex, "update")
	return tx.Commit()
}

func (s *Store) GetValue(id common.Id) (*boson.Value, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(
		`SELECT persistent, updated_at, public_key, recipient, nonce, seq, signature, data FROM value WHERE id = ?`, id.String())
	sv, err := scanValue(row, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sv.Persistent && time.Since(sv.UpdatedAt) > s.valueTTL {
		return nil, nil
	}
	return sv.Value, nil
}

func scanValue(row *sql.Row, id common.Id) (*storage.StoredValue, error) {
	var persistent int
	var updatedAt int64
	var pub, nonce, sig, data []byte
	var recipient sql.NullString
	var seq int64
	if err := row.Scan(&persistent, &updatedAt, &pub, &recipient, &nonce, &seq, &sig, &data); err != nil {
		return nil, err
	}
	var recipientId *common.Id
	if recipient.Valid {
		rid, err := common.HexToId(recipient.String)
		if err == nil {
			recipientId = &rid
		}
	}
	v, err := reconstructValue(id, pub, recipientId, nonce, seq, sig, data)
	if err != nil {
		return nil, err
	}
	return &storage.StoredValue{Value: v, Persistent: persistent != 0, UpdatedAt: time.Unix(updatedAt, 0)}, nil
}

func reconstructValue(id common.Id, pub []byte, recipient *common.Id, nonce []byte, seq int64, sig, data []byte) (*boson.Value, error) {
	return boson.ValueFromWire(&wire.Value{
		Id:        id,
		PublicKey: pub,
		Recipient: recipient,
		Nonce:     nonce,
		Sequence:  seq,
		Signature: sig,
		Data:      data,
	})
}

func (s *Store) GetValues(persistent *bool, announcedBefore *time.Time, offset, limit int) ([]storage.StoredValue, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	q := `SELECT id, persistent, created_at, updated_at, announced_at, public_key, recipient, nonce, seq, signature, data FROM value WHERE 1=1`
	var args []interface{}
	if persistent != nil {
		q += ` AND persistent = ?`
		args = append(args, boolToInt(*persistent))
	}
	if announcedBefore != nil {
		q += ` AND announced_at < ?`
		args = append(args, announcedBefore.Unix())
	}
	q += ` ORDER BY id ASC`
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query values: %w", err)
	}
	defer rows.Close()

	var out []storage.StoredValue
	for rows.Next() {
		var idHex string
		var persistentFlag int
		var createdAt, updatedAt, announcedAt int64
		var pub, nonce, sig, data []byte
		var recipient sql.NullString
		var seq int64
		if err := rows.Scan(&idHex, &persistentFlag, &createdAt, &updatedAt, &announcedAt, &pub, &recipient, &nonce, &seq, &sig, &data); err != nil {
			return nil, err
		}
		id, err := common.HexToId(idHex)
		if err != nil {
			continue
		}
		var recipientId *common.Id
		if recipient.Valid {
			if rid, err := common.HexToId(recipient.String); err == nil {
				recipientId = &rid
			}
		}
		v, err := reconstructValue(id, pub, recipientId, nonce, seq, sig, data)
		if err != nil {
			continue
		}
		out = append(out, storage.StoredValue{
			Value: v, Persistent: persistentFlag != 0,
			CreatedAt: time.Unix(createdAt, 0), UpdatedAt: time.Unix(updatedAt, 0), AnnouncedAt: time.Unix(announcedAt, 0),
		})
	}
	return out, rows.Err()
}

func (s *Store) UpdateValueAnnouncedTime(id common.Id) (time.Time, error) {
	if err := s.requireInit(); err != nil {
		return time.Time{}, err
	}
	now := time.Now()
	res, err := s.db.Exec(`UPDATE value SET announced_at = ? WHERE id = ?`, now.Unix(), id.String())
	if err != nil {
		return time.Time{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return time.Time{}, nil
	}
	return now, nil
}

func (s *Store) RemoveValue(id common.Id) (bool, error) {
	if err := s.requireInit(); err != nil {
		return false, err
	}
	res, err := s.db.Exec(`DELETE FROM value WHERE id = ?`, id.String())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) PurgeValues(now time.Time) (int, error) {
	if err := s.requireInit(); err != nil {
		return 0, err
	}
	// Timestamps are whole seconds; <= against the truncated cutoff matches
	// GetValue's expiry test.
	cutoff := now.Add(-s.valueTTL).Unix()
	res, err := s.db.Exec(`DELETE FROM value WHERE persistent = 0 AND updated_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.StoragePurged.Mark(n)
	}
	return int(n), nil
}

func (s *Store) PutPeers(records []*boson.PeerRecord, persistent bool) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().Unix()
	for _, r := range records {
		wr := r.ToWire()
		if _, err := tx.Exec(
			`INSERT INTO peer(peer_id, fingerprint, node_id, endpoint, extra, signature, persistent, created_at, updated_at, announced_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(peer_id, fingerprint) DO UPDATE SET node_id=excluded.node_id, endpoint=excluded.endpoint,
				extra=excluded.extra, signature=excluded.signature, persistent=excluded.persistent, updated_at=excluded.updated_at`,
			wr.PeerId.String(), wr.Fingerprint, wr.NodeId.String(), wr.Endpoint, wr.Metadata, wr.Signature,
			boolToInt(persistent), now, now, now,
		); err != nil {
			return fmt.Errorf("sqlstore: upsert peer: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetPeers(peerId common.Id, offset, limit int) ([]storage.StoredPeer, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-s.peerTTL).Unix()
	q := `SELECT fingerprint, node_id, endpoint, extra, signature, persistent, created_at, updated_at, announced_at
	      FROM peer WHERE peer_id = ? AND (persistent = 1 OR updated_at > ?) ORDER BY updated_at DESC`
	args := []interface{}{peerId.String(), cutoff}
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.StoredPeer
	for rows.Next() {
		var fingerprint uint64
		var nodeIdHex, endpoint string
		var extra, sig []byte
		var persistentFlag int
		var createdAt, updatedAt, announcedAt int64
		if err := rows.Scan(&fingerprint, &nodeIdHex, &endpoint, &extra, &sig, &persistentFlag, &createdAt, &updatedAt, &announcedAt); err != nil {
			return nil, err
		}
		nodeId, err := common.HexToId(nodeIdHex)
		if err != nil {
			continue
		}
		rec := &boson.PeerRecord{PeerId: peerId, NodeId: nodeId, Fingerprint: fingerprint, Endpoint: endpoint, Metadata: extra, Signature: sig}
		out = append(out, storage.StoredPeer{
			Record: rec, Persistent: persistentFlag != 0,
			CreatedAt: time.Unix(createdAt, 0), UpdatedAt: time.Unix(updatedAt, 0), AnnouncedAt: time.Unix(announcedAt, 0),
		})
	}
	return out, rows.Err()
}

func (s *Store) UpdatePeerAnnouncedTime(peerId common.Id, fingerprint uint64) (time.Time, error) {
	if err := s.requireInit(); err != nil {
		return time.Time{}, err
	}
	now := time.Now()
	res, err := s.db.Exec(`UPDATE peer SET announced_at = ? WHERE peer_id = ? AND fingerprint = ?`, now.Unix(), peerId.String(), fingerprint)
	if err != nil {
		return time.Time{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return time.Time{}, nil
	}
	return now, nil
}

func (s *Store) RemovePeers(peerId common.Id) (int, error) {
	if err := s.requireInit(); err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`DELETE FROM peer WHERE peer_id = ?`, peerId.String())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) PurgePeers(now time.Time) (int, error) {
	if err := s.requireInit(); err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.peerTTL).Unix()
	res, err := s.db.Exec(`DELETE FROM peer WHERE persistent = 0 AND updated_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableId(id *common.Id) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

var _ storage.Store = (*Store)(nil)
