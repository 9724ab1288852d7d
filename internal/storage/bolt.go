// Package storage — bolt.go
//
// bbolt-backed closed-session index for niolsd.
//
// This is not present in the original Python source, which has no
// persistent session index (session_bundle.py only reads/writes one
// directory). It is a natural carry of the reference agent's bbolt
// wrapper: once a session bundle is written at teardown, its manifest
// summary is also indexed here so spec §6's `bundle_path` command can
// resolve a session_id to its bundle directory across daemon restarts,
// without re-scanning the bundle root filesystem.
//
// Schema (bbolt bucket layout):
//
//	/sessions
//	    key:   session_id (32 lowercase hex chars)
//	    value: JSON-encoded SessionRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Failure modes:
//   - Database file corruption: bbolt detects via its own checks and
//     returns an error on Open(). The daemon logs a fatal event and
//     refuses to start.
//   - Disk full: bbolt.Update() returns an error; the caller
//     (control.Manager, at session teardown) logs the error and continues — the bundle
//     directory on disk remains the authoritative evidentiary artifact
//     even if the index write fails.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default bbolt file location.
	DefaultDBPath = "/var/lib/niols/niols.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketSessions = "sessions"
	bucketMeta     = "meta"
)

// SessionRecord is the persisted index entry for one closed session.
// Stored as JSON in the sessions bucket, keyed by session id.
type SessionRecord struct {
	SessionID  string    `json:"session_id"`
	BundlePath string    `json:"bundle_path"`
	RootHash   string    `json:"root_hash"`
	FinalState string    `json:"final_state"`
	ConfigHash string    `json:"config_hash"`
	CalHash    string    `json:"cal_hash"`
	ClosedAt   time.Time `json:"closed_at"`
}

// DB wraps a bbolt instance with typed accessors for the closed-session
// index.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt database at the given path,
// initializing the required buckets and verifying the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketMeta} {
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
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// PutSession writes or updates a session's closed-session index entry.
// Uses a single ACID write transaction.
func (d *DB) PutSession(rec SessionRecord) error {
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutSession marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		if err := b.Put([]byte(rec.SessionID), data); err != nil {
			return fmt.Errorf("PutSession bolt.Put: %w", err)
		}
		return nil
	})
}

// GetSession retrieves the index entry for a session id. Returns
// (nil, nil) if no entry exists for this session — the caller (spec §6's
// `bundle_path` command) distinguishes "not found" from a storage error.
func (d *DB) GetSession(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		data := b.Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetSession(%q): %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ListSessions returns every indexed session record, unordered. For
// operational use (audit tooling inspecting a bundle root's history);
// not called on the FSM's hot path.
func (d *DB) ListSessions() ([]SessionRecord, error) {
	var out []SessionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		return b.ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
