// Package auditlog implements spec §4.1: the append-only,
// sequence-numbered record of every capability and IPC event, with
// bounded range scans, actor/kind filtering, and a live watch stream for
// the permissions service and debugger.
package auditlog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/moby/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/zeroos-project/kernel/errdefs"
)

const recordsTable = "record"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		recordsTable: {
			Name: recordsTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Seq"},
				},
				"actor": {
					Name:    "actor",
					Unique:  false,
					Indexer: &memdb.UintFieldIndex{Field: "ActorPID"},
				},
				"kind": {
					Name:    "kind",
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Kind"},
				},
			},
		},
	},
}

// Config controls the log's compaction and persistence behavior.
type Config struct {
	// BBoltPath is where the x86 substrate persists records. Empty
	// means in-memory only (the WASM substrate's default).
	BBoltPath string
	// MaxInMemory bounds the live record count; exceeding it with no
	// room freed by compaction is the spec §4.1 "log-full (fatal)" case.
	MaxInMemory int
}

// Log is the AuditLog component.
type Log struct {
	seq      atomic.Uint64
	db       *memdb.MemDB
	st       *store
	stMu     sync.Mutex
	degraded atomic.Bool
	pub      *pubsub.Publisher
	maxItems int
	log      *logrus.Entry
}

// New constructs a Log. If cfg.BBoltPath is non-empty, the x86
// persistence backing is opened; a failure to open it is not fatal —
// the log starts degraded, matching the runtime behavior of a later
// write failure (spec §4.1).
func New(cfg Config) (*Log, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	l := &Log{
		db:       db,
		pub:      pubsub.NewPublisher(100*time.Millisecond, 64),
		maxItems: cfg.MaxInMemory,
		log:      logrus.WithField("component", "auditlog"),
	}
	if cfg.BBoltPath != "" {
		st, err := openStore(cfg.BBoltPath)
		if err != nil {
			l.degraded.Store(true)
			l.log.WithError(err).Warn("could not open audit log persistence; starting degraded")
		} else {
			l.st = st
		}
	}
	return l, nil
}

// Degraded reports whether the log has fallen back to in-memory-only
// mode after a persistence failure.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// Append assigns the next sequence number, commits the record into the
// in-memory index (visible to Query before this call returns, per spec
// §4.1), best-effort persists it, and publishes it to watchers.
func (l *Log) Append(actorPID uint64, kind string, fields map[string]any) (uint64, error) {
	if l.maxItems > 0 {
		it, err := l.db.Txn(false).LowerBound(recordsTable, "id", uint64(0))
		if err != nil {
			return 0, errdefs.Fatal(err)
		}
		live := 0
		for raw := it.Next(); raw != nil; raw = it.Next() {
			live++
		}
		if live >= l.maxItems {
			return 0, errdefs.Fatal(errLogFull)
		}
	}

	seq := l.seq.Add(1)
	r := Record{
		Seq:      seq,
		TSNano:   now().UnixNano(),
		ActorPID: actorPID,
		Kind:     Kind(kind),
		Fields:   fields,
	}

	txn := l.db.Txn(true)
	if err := txn.Insert(recordsTable, r); err != nil {
		txn.Abort()
		return 0, errdefs.Fatal(err)
	}
	txn.Commit()

	l.persistBestEffort(r)
	l.pub.Publish(r)
	return seq, nil
}

func (l *Log) persistBestEffort(r Record) {
	l.stMu.Lock()
	st := l.st
	l.stMu.Unlock()
	if st == nil {
		return
	}
	if err := st.put(r); err != nil {
		l.stMu.Lock()
		l.st = nil
		l.stMu.Unlock()
		l.degraded.Store(true)
		l.log.WithError(err).Error("audit log persistence write failed; falling back to in-memory-only")
	}
}

// Filter narrows a Query/Watch to a subset of records. A nil field
// means "don't filter on this dimension".
type Filter struct {
	ActorPID *uint64
	Kind     Kind
}

func (f Filter) match(r Record) bool {
	if f.ActorPID != nil && r.ActorPID != *f.ActorPID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	return true
}

// Query performs a bounded, read-only scan over [fromSeq, toSeq],
// applying filter and stopping at limit records — spec §4.1's
// CPU-bounded range scan.
func (l *Log) Query(fromSeq, toSeq uint64, filter Filter, limit int) ([]Record, error) {
	txn := l.db.Txn(false)
	defer txn.Abort()

	it, err := txn.LowerBound(recordsTable, "id", fromSeq)
	if err != nil {
		return nil, err
	}

	var out []Record
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(Record)
		if r.Seq > toSeq {
			break
		}
		if filter.match(r) {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Watch subscribes to future records matching filter, for the userspace
// permissions service/debugger (spec §4.1 watch()). The returned channel
// is closed once Close shuts the log down; there is no per-subscription
// release.
func (l *Log) Watch(filter Filter) <-chan Record {
	raw := l.pub.SubscribeTopic(func(v any) bool {
		r, ok := v.(Record)
		return ok && filter.match(r)
	})
	out := make(chan Record, 16)
	go func() {
		defer close(out)
		for v := range raw {
			r, ok := v.(Record)
			if !ok {
				continue
			}
			out <- r
		}
	}()
	return out
}

// Close shuts down the publisher, which closes every Watch subscription
// (each forwarding goroutine then exits and closes its channel), and
// closes the persistence backing if one is open.
func (l *Log) Close() error {
	l.pub.Close()
	l.stMu.Lock()
	defer l.stMu.Unlock()
	if l.st != nil {
		return l.st.close()
	}
	return nil
}

// Compact drops every record with seq < beforeSeq from both the live
// index and the persistence backing. Compaction never reorders or
// mutates a surviving record (spec §4.1 invariant).
func (l *Log) Compact(beforeSeq uint64) error {
	txn := l.db.Txn(true)
	it, err := txn.LowerBound(recordsTable, "id", uint64(0))
	if err != nil {
		txn.Abort()
		return err
	}
	var toDelete []Record
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(Record)
		if r.Seq >= beforeSeq {
			break
		}
		toDelete = append(toDelete, r)
	}
	for _, r := range toDelete {
		if err := txn.Delete(recordsTable, r); err != nil {
			txn.Abort()
			return err
		}
	}
	txn.Commit()

	l.stMu.Lock()
	st := l.st
	l.stMu.Unlock()
	if st != nil {
		if err := st.deleteBefore(beforeSeq); err != nil {
			l.log.WithError(err).Warn("audit log compaction could not prune persisted records")
		}
	}
	l.log.WithField("before_seq", beforeSeq).WithField("dropped", len(toDelete)).Info("audit log compacted")
	return nil
}

// Replay rebuilds a fresh Log's index and sequence counter from a
// persisted store, so numbering continues after the last persisted
// record. The kernel boots its audit log through it.
func Replay(cfg Config) (*Log, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if l.st == nil {
		return l, nil
	}
	records, err := l.st.loadAll()
	if err != nil {
		return l, err
	}
	txn := l.db.Txn(true)
	var maxSeq uint64
	for _, r := range records {
		if err := txn.Insert(recordsTable, r); err != nil {
			txn.Abort()
			return l, err
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}
	txn.Commit()
	l.seq.Store(maxSeq)
	return l, nil
}

const errLogFull = staticErr("audit log is full")
