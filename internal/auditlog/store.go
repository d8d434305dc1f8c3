package auditlog

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// store is the x86-substrate persistence backing for the audit log
// (spec §4.1: "x86 persistence, if the log is flushed"). The WASM
// substrate never constructs one; Log works perfectly well with store
// == nil (in-memory only), which is also what a degraded log falls back
// to.
type store struct {
	db *bolt.DB
}

func openStore(path string) (*store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &store{db: db}, nil
}

func (s *store) put(r Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.Put(seqKey(r.Seq), r.encode())
	})
}

// deleteBefore removes every record with seq < before, the persistence
// side of Compact.
func (s *store) deleteBefore(before uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= before {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadAll replays every persisted record in seq order, used by Replay
// to rebuild the in-memory index on startup.
func (s *store) loadAll() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			r, err := decode(v)
			if err != nil {
				// A corrupt tail truncates the log at that point rather
				// than failing the whole replay (spec §6).
				break
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *store) close() error { return s.db.Close() }

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
