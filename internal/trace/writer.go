// Package trace implements the hash-chained append-only event log.
// Structurally this is the closest analog in the whole module to the
// reference agent's internal/governance/constitutional.go: both compute a
// canonical-JSON SHA-256 over a record with its own hash field absent,
// and both chain ParentHash/prev_hash from the previously computed
// digest. This package generalizes that single-decision chain into a
// general per-session event log with a header record, resumable
// sequence numbers, and a root-hash computation over session metadata.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tristochief/niols/internal/hashchain"
	"go.uber.org/zap"
)

// EventType is the closed set of trace record kinds.
type EventType string

const (
	EventStateTransition          EventType = "STATE_TRANSITION"
	EventFault                    EventType = "FAULT"
	EventEmitRequest               EventType = "EMIT_REQUEST"
	EventEmitResult                EventType = "EMIT_RESULT"
	EventMeasurementEnvelope       EventType = "MEASUREMENT_ENVELOPE_SNAPSHOT"
	EventConfigDrift               EventType = "CONFIG_DRIFT"
)

// Record is one trace entry. Fields are emitted in the record only when
// non-zero/non-nil, matching the distilled source's optional-field
// behavior (state_from/state_to/predicates/event_data/config_hash/
// cal_hash are all conditionally present).
type Record struct {
	Ts           float64                `json:"ts"`
	WallClock    float64                `json:"wall_clock"`
	Seq          int                    `json:"seq"`
	PrevHash     string                 `json:"prev_hash"`
	EventType    EventType              `json:"event_type"`
	SessionID    string                 `json:"session_id"`
	StateFrom    string                 `json:"state_from,omitempty"`
	StateTo      string                 `json:"state_to,omitempty"`
	Predicates   map[string]interface{} `json:"predicates,omitempty"`
	EventData    map[string]interface{} `json:"event_data,omitempty"`
	ConfigHash   string                 `json:"config_hash,omitempty"`
	CalHash      string                 `json:"cal_hash,omitempty"`
	FaultReason  string                 `json:"fault_reason,omitempty"`
	Hash         string                 `json:"hash"`
}

// header is record 0: trace format version, session id, and creation
// timestamps.
type header struct {
	TraceVersion string  `json:"trace_version"`
	SessionID    string  `json:"session_id"`
	Created      float64 `json:"created"`
	CreatedISO   string  `json:"created_iso"`
}

const traceVersion = "1.0"

// SteadyNow and WallNow are overridable for deterministic tests.
type Clock interface {
	SteadyNow() float64
	WallNow() float64
	WallISO() string
}

// systemClock is the production Clock, using real monotonic/wall time.
type systemClock struct{ start time.Time }

// NewSystemClock anchors steady time at construction.
func NewSystemClock() Clock { return &systemClock{start: time.Now()} }

func (c *systemClock) SteadyNow() float64 { return time.Since(c.start).Seconds() }
func (c *systemClock) WallNow() float64   { return float64(time.Now().UnixNano()) / 1e9 }
func (c *systemClock) WallISO() string    { return time.Now().UTC().Format("2006-01-02T15:04:05Z") }

// Writer is the hash-chained append-only trace writer. One Writer owns
// its trace file exclusively; concurrent processes must not append to
// the same file (spec §5).
type Writer struct {
	file      *os.File
	path      string
	sessionID string
	clock     Clock
	log       *zap.Logger

	seq      int
	prevHash string
}

// Open creates or resumes a trace file at path for sessionID. If the
// file already exists, the writer scans to the last parseable record and
// resumes sequence numbering and prev_hash from it, per spec §4.5's
// resume-for-recovery support.
func Open(path, sessionID string, clock Clock, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("trace: mkdir: %w", err)
	}

	w := &Writer{path: path, sessionID: sessionID, clock: clock, log: log}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("trace: stat: %w", err)
		}
		if err := w.writeHeader(); err != nil {
			return nil, err
		}
	} else {
		if err := w.loadLastHash(); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open for append: %w", err)
	}
	w.file = f
	return w, nil
}

func (w *Writer) writeHeader() error {
	h := header{
		TraceVersion: traceVersion,
		SessionID:    w.sessionID,
		Created:      w.clock.WallNow(),
		CreatedISO:   w.clock.WallISO(),
	}
	encoded, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("trace: encode header: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("trace: create: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("trace: write header: %w", err)
	}
	return f.Sync()
}

// loadLastHash performs a reverse scan of the existing trace file,
// skipping the header, and resumes prev_hash/seq from the last line that
// parses as a record with a hash field. Malformed trailing lines are
// tolerated, matching the distilled source's tolerant reader.
func (w *Writer) loadLastHash() error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("trace: open for resume scan: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("trace: scan: %w", err)
	}
	if len(lines) <= 1 {
		return nil
	}
	for i := len(lines) - 1; i >= 1; i-- {
		var r Record
		if err := json.Unmarshal([]byte(lines[i]), &r); err != nil {
			continue
		}
		if r.Hash == "" {
			continue
		}
		w.prevHash = r.Hash
		w.seq = r.Seq
		return nil
	}
	return nil
}

// WriteInput carries the fields a caller may supply for a single record;
// the writer fills in ts/wall_clock/seq/prev_hash/hash/session_id itself.
type WriteInput struct {
	EventType   EventType
	StateFrom   string
	StateTo     string
	Predicates  map[string]interface{}
	EventData   map[string]interface{}
	ConfigHash  string
	CalHash     string
	FaultReason string
}

// WriteRecord appends one record to the chain, computing and storing its
// hash, and advancing prev_hash/seq for the next call. Flushes (fsync)
// before returning so a crash leaves a prefix-valid file, per spec §9
// Design Notes ("accept the cost because the evidentiary property is
// non-negotiable").
func (w *Writer) WriteRecord(in WriteInput) (Record, error) {
	w.seq++
	prev := w.prevHash
	if prev == "" {
		prev = hashchain.ZeroHash
	}

	r := Record{
		Ts:          w.clock.SteadyNow(),
		WallClock:   w.clock.WallNow(),
		Seq:         w.seq,
		PrevHash:    prev,
		EventType:   in.EventType,
		SessionID:   w.sessionID,
		StateFrom:   in.StateFrom,
		StateTo:     in.StateTo,
		Predicates:  in.Predicates,
		EventData:   in.EventData,
		ConfigHash:  in.ConfigHash,
		CalHash:     in.CalHash,
		FaultReason: in.FaultReason,
	}

	value, err := recordToValue(r)
	if err != nil {
		w.seq--
		return Record{}, fmt.Errorf("trace: encode record: %w", err)
	}
	r.Hash = hashchain.Hash(value)

	line, err := json.Marshal(r)
	if err != nil {
		w.seq--
		return Record{}, fmt.Errorf("trace: marshal record: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.seq--
		return Record{}, fmt.Errorf("trace: append: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.seq--
		return Record{}, fmt.Errorf("trace: flush: %w", err)
	}

	w.prevHash = r.Hash
	w.log.Debug("trace record written", zap.Int("seq", r.Seq), zap.String("event_type", string(r.EventType)))
	return r, nil
}

// recordToValue converts a Record into the canonical value tree used for
// hashing, with the hash field absent — the input to the hash must never
// include the hash it is computing.
func recordToValue(r Record) (hashchain.Value, error) {
	r.Hash = ""
	encoded, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, err
	}
	delete(m, "hash")
	return m, nil
}

// LastHash returns the hash of the most recently written record, or
// hashchain.ZeroHash if none has been written yet.
func (w *Writer) LastHash() string {
	if w.prevHash == "" {
		return hashchain.ZeroHash
	}
	return w.prevHash
}

// Seq returns the sequence number of the most recently written record.
func (w *Writer) Seq() int { return w.seq }

// SessionMetadata is the fixed field set hashed into the session root
// hash (spec §4.5).
type SessionMetadata struct {
	SessionID      string `json:"session_id"`
	FinalState     string `json:"final_state"`
	ConfigHash     string `json:"config_hash"`
	CalHash        string `json:"cal_hash"`
	SimulationMode bool   `json:"simulation_mode"`
	FaultReason    string `json:"fault_reason"`
}

// RootHash computes SHA-256(hex(last_record_hash) || hex(SHA-256(canonical(metadata)))),
// the hex-string concatenation of the two digests (confirmed against the
// distilled source's get_root_hash: "combined = prev_hash + metadata_hash"
// operates on the hex string forms, not raw bytes). If no records have
// been written, returns hashchain.ZeroHash, matching the source's
// "no records yet" case.
func (w *Writer) RootHash(meta SessionMetadata) string {
	if w.prevHash == "" {
		return hashchain.ZeroHash
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return hashchain.ZeroHash
	}
	var m map[string]interface{}
	if err := json.Unmarshal(encoded, &m); err != nil {
		return hashchain.ZeroHash
	}
	metadataHash := hashchain.Hash(m)
	combined := w.prevHash + metadataHash
	return hashchain.HashString(combined)
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// Path returns the trace file's path.
func (w *Writer) Path() string { return w.path }
