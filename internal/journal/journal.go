// Package journal keeps a tamper-evident SQLite log of tamper detections.
//
// Security model:
//  1. File permissions: 0600
//  2. Integrity: every row carries an HMAC under a device-derived key
//  3. Append-only: rows are never updated
//  4. Chain linking: every row includes the hash of the row before it
//
// Someone who can edit the database can delete it, but cannot quietly
// remove or rewrite individual detections without Verify noticing.
package journal

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"licguard/internal/security"
)

// Errors
var (
	ErrKeyTooShort = errors.New("journal: HMAC key must be at least 32 bytes")
	ErrCompromised = errors.New("journal: integrity compromised")
	ErrClosed      = errors.New("journal: closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS integrity (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    chain_hash      BLOB NOT NULL,
    event_count     INTEGER NOT NULL DEFAULT 0,
    last_verified   INTEGER,
    hmac            BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS tamper_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT NOT NULL UNIQUE,
    namespace       TEXT NOT NULL,
    name            TEXT NOT NULL,
    kind            TEXT NOT NULL,
    detected_ns     INTEGER NOT NULL,
    previous_hash   BLOB NOT NULL,
    event_hash      BLOB NOT NULL UNIQUE,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tamper_events_detected ON tamper_events(detected_ns);
CREATE INDEX IF NOT EXISTS idx_tamper_events_record ON tamper_events(namespace, name);
`

// Event is one recorded tamper detection.
type Event struct {
	Seq          int64
	ID           uuid.UUID
	Namespace    string
	Name         string
	Kind         string
	DetectedAt   time.Time
	PreviousHash [32]byte
	EventHash    [32]byte
}

// Journal is an open tamper journal.
type Journal struct {
	db          *sql.DB
	path        string
	hmacKey     []byte
	lastHash    [32]byte
	mu          sync.Mutex
	integrityOK bool
}

// Open opens or creates the journal at path. An existing journal that
// fails verification is still returned, read-only, together with an error
// matching ErrCompromised.
func Open(path string, hmacKey []byte) (*Journal, error) {
	if len(hmacKey) < 32 {
		return nil, ErrKeyTooShort
	}

	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}
	isNew := !security.FileExists(path)

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	if err := os.Chmod(path, security.PermSecretFile); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: set permissions: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	key := make([]byte, len(hmacKey))
	copy(key, hmacKey)
	j := &Journal{db: db, path: path, hmacKey: key}

	if isNew {
		if err := j.initializeIntegrity(); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: initialize integrity: %w", err)
		}
		j.integrityOK = true
		return j, nil
	}

	if err := j.Verify(); err != nil {
		return j, err
	}
	return j, nil
}

// Path returns the database file.
func (j *Journal) Path() string { return j.path }

// IntegrityOK reports whether the last verification passed.
func (j *Journal) IntegrityOK() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.integrityOK
}

// Close closes the database and wipes the key.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	security.Wipe(j.hmacKey)
	return err
}

func (j *Journal) initializeIntegrity() error {
	var zero [32]byte
	j.lastHash = zero
	_, err := j.db.Exec(`
		INSERT INTO integrity (id, chain_hash, event_count, last_verified, hmac)
		VALUES (1, ?, 0, ?, ?)`,
		zero[:], time.Now().UnixNano(), j.integrityHMAC(zero, 0),
	)
	return err
}

// RecordTamper appends a detection. It satisfies the tamper recorder
// interfaces of the record store and the secure clock.
func (j *Journal) RecordTamper(namespace, name, kind string, at time.Time) error {
	_, err := j.Record(namespace, name, kind, at)
	return err
}

// Record appends a detection and returns the stored event.
func (j *Journal) Record(namespace, name, kind string, at time.Time) (*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return nil, ErrClosed
	}
	if !j.integrityOK {
		return nil, fmt.Errorf("%w: refusing to write", ErrCompromised)
	}

	e := &Event{
		ID:           uuid.New(),
		Namespace:    namespace,
		Name:         name,
		Kind:         kind,
		DetectedAt:   at.UTC().Round(0),
		PreviousHash: j.lastHash,
	}
	e.EventHash = eventHash(e)
	mac := j.eventHMAC(e)

	tx, err := j.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO tamper_events (event_id, namespace, name, kind, detected_ns, previous_hash, event_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Namespace, e.Name, e.Kind, e.DetectedAt.UnixNano(),
		e.PreviousHash[:], e.EventHash[:], mac,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	e.Seq, _ = res.LastInsertId()

	var count int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tamper_events`).Scan(&count); err != nil {
		return nil, fmt.Errorf("journal: count: %w", err)
	}
	_, err = tx.Exec(`UPDATE integrity SET chain_hash = ?, event_count = ?, last_verified = ?, hmac = ? WHERE id = 1`,
		e.EventHash[:], count, time.Now().UnixNano(), j.integrityHMAC(e.EventHash, count))
	if err != nil {
		return nil, fmt.Errorf("journal: update integrity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("journal: commit: %w", err)
	}
	j.lastHash = e.EventHash
	return e, nil
}

// Filter narrows Events. Zero fields match everything.
type Filter struct {
	Namespace string
	Name      string
	Since     time.Time
	Limit     int
}

// Events returns detections in insertion order.
func (j *Journal) Events(f Filter) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, ErrClosed
	}

	query := `SELECT id, event_id, namespace, name, kind, detected_ns, previous_hash, event_hash
		FROM tamper_events WHERE 1 = 1`
	var args []any
	if f.Namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, f.Namespace)
	}
	if f.Name != "" {
		query += ` AND name = ?`
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		query += ` AND detected_ns >= ?`
		args = append(args, f.Since.UnixNano())
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var id string
		var detectedNs int64
		var prev, hash []byte
		if err := rows.Scan(&e.Seq, &id, &e.Namespace, &e.Name, &e.Kind, &detectedNs, &prev, &hash); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("journal: event %d: %w", e.Seq, err)
		}
		e.DetectedAt = time.Unix(0, detectedNs).UTC()
		copy(e.PreviousHash[:], prev)
		copy(e.EventHash[:], hash)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate: %w", err)
	}
	return events, nil
}

// Verify walks the whole chain. Any broken link, HMAC mismatch or count
// mismatch returns an error matching ErrCompromised and disables writes.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return ErrClosed
	}

	last, err := j.verifyLocked()
	if err != nil {
		j.integrityOK = false
		return fmt.Errorf("%w: %v", ErrCompromised, err)
	}
	j.lastHash = last
	j.integrityOK = true
	return nil
}

func (j *Journal) verifyLocked() ([32]byte, error) {
	var none [32]byte
	var chainHash, storedMAC []byte
	var eventCount int64

	err := j.db.QueryRow(`SELECT chain_hash, event_count, hmac FROM integrity WHERE id = 1`).
		Scan(&chainHash, &eventCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return none, errors.New("integrity record missing")
		}
		return none, fmt.Errorf("read integrity record: %w", err)
	}

	var expected [32]byte
	copy(expected[:], chainHash)
	if !hmac.Equal(storedMAC, j.integrityHMAC(expected, eventCount)) {
		return none, errors.New("integrity record HMAC mismatch")
	}

	rows, err := j.db.Query(`
		SELECT id, event_id, namespace, name, kind, detected_ns, previous_hash, event_hash, hmac
		FROM tamper_events ORDER BY id ASC`)
	if err != nil {
		return none, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var last [32]byte
	var count int64
	for rows.Next() {
		var e Event
		var id string
		var detectedNs int64
		var prev, hash, mac []byte
		if err := rows.Scan(&e.Seq, &id, &e.Namespace, &e.Name, &e.Kind, &detectedNs, &prev, &hash, &mac); err != nil {
			return none, fmt.Errorf("scan event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return none, fmt.Errorf("event %d: bad id: %w", e.Seq, err)
		}
		e.DetectedAt = time.Unix(0, detectedNs).UTC()
		copy(e.PreviousHash[:], prev)

		if e.PreviousHash != last {
			return none, fmt.Errorf("chain break at event %d", e.Seq)
		}
		if !hmac.Equal(mac, j.eventHMAC(&e)) {
			return none, fmt.Errorf("event %d HMAC mismatch", e.Seq)
		}
		want := eventHash(&e)
		if !hmac.Equal(hash, want[:]) {
			return none, fmt.Errorf("event %d hash mismatch", e.Seq)
		}

		last = want
		count++
	}
	if err := rows.Err(); err != nil {
		return none, fmt.Errorf("iterate events: %w", err)
	}

	if count != eventCount {
		return none, fmt.Errorf("event count mismatch: expected %d, found %d", eventCount, count)
	}
	if expected != last {
		return none, errors.New("chain hash mismatch")
	}
	return last, nil
}

// Stats summarizes the journal.
type Stats struct {
	EventCount  int64
	Oldest      time.Time
	Newest      time.Time
	ChainHash   string
	IntegrityOK bool
}

// Stats returns journal statistics.
func (j *Journal) Stats() (*Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, ErrClosed
	}

	st := &Stats{IntegrityOK: j.integrityOK, ChainHash: hex.EncodeToString(j.lastHash[:])}
	var oldest, newest sql.NullInt64
	err := j.db.QueryRow(`SELECT COUNT(*), MIN(detected_ns), MAX(detected_ns) FROM tamper_events`).
		Scan(&st.EventCount, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("journal: stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.Unix(0, oldest.Int64).UTC()
		st.Newest = time.Unix(0, newest.Int64).UTC()
	}
	return st, nil
}

// HMAC helpers

func (j *Journal) integrityHMAC(chainHash [32]byte, eventCount int64) []byte {
	h := hmac.New(sha256.New, j.hmacKey)
	h.Write([]byte("licguard-journal-integrity-v1"))
	h.Write(chainHash[:])
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(eventCount)))
	return h.Sum(nil)
}

func (j *Journal) eventHMAC(e *Event) []byte {
	h := hmac.New(sha256.New, j.hmacKey)
	writeEvent(h, e)
	return h.Sum(nil)
}

func eventHash(e *Event) [32]byte {
	h := sha256.New()
	writeEvent(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// writeEvent feeds the canonical event encoding: length-prefixed strings,
// big-endian integers.
func writeEvent(h io.Writer, e *Event) {
	h.Write([]byte("licguard-journal-event-v1"))
	h.Write(e.ID[:])
	for _, s := range []string{e.Namespace, e.Name, e.Kind} {
		h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s))))
		h.Write([]byte(s))
	}
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(e.DetectedAt.UnixNano())))
	h.Write(e.PreviousHash[:])
}
