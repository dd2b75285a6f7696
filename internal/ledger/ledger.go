// Package ledger — bbolt-backed audit trail of Sentinel events.
//
// Every event record broadcast to clients (scan results, quarantine
// actions, restores, deletes, status transitions) is also appended here
// so operators can reconstruct daemon activity after the fact.
//
// Schema (bbolt bucket layout):
//
//	/events
//	    key:   fixed-width RFC3339 UTC timestamp (9 fractional digits)
//	           + "_" + seq  [monotonic, sortable]
//	    value: JSON-encoded Record
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers).
//   - All writes use ACID transactions.
//   - Reads use read-only transactions.
//
// Retention:
//   - Records older than RetentionDays are pruned on startup.
//
// Failure modes:
//   - Corrupt database: bbolt detects on Open and the daemon refuses to
//     start (initialisation failure, exit 1).
//   - Disk full on append: logged by the caller, never fatal; in-memory
//     state and the live event stream are unaffected.

package ledger

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default record retention period.
	DefaultRetentionDays = 30

	bucketEvents = "events"
	bucketMeta   = "meta"

	// keyTimeLayout is RFC3339 with a fixed nine-digit fraction, so keys
	// of different instants always have the same width.
	keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Record is one audit entry. Mirrors the outbound event record plus the
// quarantine entry id where one exists.
type Record struct {
	// Timestamp is the event time (nanosecond precision).
	Timestamp time.Time `json:"timestamp"`

	// Event is the record kind discriminant.
	Event string `json:"event"`

	// Filename is the affected path, if any.
	Filename string `json:"filename,omitempty"`

	// Threat is the scanner signature, if any.
	Threat string `json:"threat,omitempty"`

	// Details is the human-readable annotation, if any.
	Details string `json:"details,omitempty"`

	// EntryID is the quarantine entry id, if the event concerns one.
	EntryID string `json:"entry_id,omitempty"`
}

// DB wraps a bbolt instance with typed accessors for the audit trail.
type DB struct {
	db            *bolt.DB
	retentionDays int
	seq           atomic.Uint64
}

// Open opens (or creates) the ledger database at the given path.
// Initialises the buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"ledger schema version mismatch: database has %q, daemon requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// eventKey constructs a sortable key. Lexicographic sort = chronological
// sort; seq disambiguates records within one nanosecond.
func eventKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format(keyTimeLayout), seq))
}

// Append writes one audit record in a single write transaction.
func (d *DB) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger.Append marshal: %w", err)
	}

	key := eventKey(rec.Timestamp, d.seq.Add(1))

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("ledger.Append bolt.Put: %w", err)
		}
		return nil
	})
}

// Prune deletes records older than the retention period. Called on
// startup. Returns the number of records deleted.
func (d *DB) Prune() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := eventKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		// Collect keys first; bbolt forbids deleting during iteration.
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break // All remaining keys are newer than cutoff.
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("ledger.Prune delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadAll returns all records in chronological order. For operational
// inspection; not called on the hot path.
func (d *DB) ReadAll() ([]Record, error) {
	var records []Record
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}
