package node

import (
	"encoding/json"
	"net"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"

	"github.com/boson-network/boson/common"
)

// SeedMaxAge bounds how stale a persisted seed may be before a restarted
// node ignores it on load.
const SeedMaxAge = 5 * 24 * time.Hour

// Seed is one persisted bootstrap candidate: a contact this node
// successfully bonded with, remembered so a restart has live candidates
// without depending on the operator's seed list staying reachable.
type Seed struct {
	Id       common.Id `json:"id"`
	IP       net.IP    `json:"ip"`
	Port     int       `json:"port"`
	LastPong time.Time `json:"lastPong"`
}

func (s Seed) addr() *net.UDPAddr { return &net.UDPAddr{IP: s.IP, Port: s.Port} }

// SeedCache is a small goleveldb-backed KV store of recently bonded
// contacts, a thin Get/Put/Delete layer over a LevelDB handle used the
// way a discovery table's node database is used elsewhere: this is
// bootstrap convenience, not routing-table persistence.
type SeedCache struct {
	db *leveldb.DB
}

// OpenSeedCache opens (creating if necessary) a seed cache at path.
func OpenSeedCache(path string) (*SeedCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &SeedCache{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (c *SeedCache) Close() error { return c.db.Close() }

// Put records that id (reachable at addr) replied at lastPong.
func (c *SeedCache) Put(id common.Id, addr *net.UDPAddr, lastPong time.Time) error {
	s := Seed{Id: id, IP: append(net.IP(nil), addr.IP...), Port: addr.Port, LastPong: lastPong}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.db.Put(id[:], b, nil)
}

// Remove drops the seed stored for id.
func (c *SeedCache) Remove(id common.Id) error {
	return c.db.Delete(id[:], nil)
}

// Seeds returns every persisted seed no older than SeedMaxAge (or maxAge
// if non-zero), for the bootstrap path to feed into the routing table
// alongside the operator-supplied seed list.
func (c *SeedCache) Seeds(maxAge time.Duration) ([]Seed, error) {
	if maxAge <= 0 {
		maxAge = SeedMaxAge
	}
	cutoff := time.Now().Add(-maxAge)

	var it iterator.Iterator = c.db.NewIterator(nil, nil)
	defer it.Release()

	var out []Seed
	for it.Next() {
		var s Seed
		if err := json.Unmarshal(it.Value(), &s); err != nil {
			continue
		}
		if s.LastPong.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	return out, it.Error()
}
