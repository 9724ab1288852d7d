package trace

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/tristochief/niols/internal/hashchain"
)

type fakeClock struct {
	steady float64
	wall   float64
}

func (c *fakeClock) SteadyNow() float64 { c.steady += 1; return c.steady }
func (c *fakeClock) WallNow() float64   { c.wall += 1; return c.wall }
func (c *fakeClock) WallISO() string    { return "2026-07-31T00:00:00Z" }

func TestWriteAndVerifyChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	w, err := Open(path, "session-1", &fakeClock{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := w.WriteRecord(WriteInput{EventType: EventStateTransition, StateFrom: "SAFE", StateTo: "INITIALIZED"}); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	w.Close()

	r, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(r.Records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(r.Records))
	}
	for i, rec := range r.Records {
		if rec.Seq != i+1 {
			t.Fatalf("sequence numbers must be dense starting at 1, got %d at index %d", rec.Seq, i)
		}
	}
	ok, errs := VerifyChain(r.Records)
	if !ok {
		t.Fatalf("expected valid chain, got errors: %v", errs)
	}
}

func TestTamperDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	w, err := Open(path, "session-1", &fakeClock{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := w.WriteRecord(WriteInput{EventType: EventStateTransition}); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	w.Close()

	r, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	r.Records[4].StateFrom = "TAMPERED"
	ok, errs := VerifyChain(r.Records)
	if ok {
		t.Fatalf("expected tamper to be detected")
	}
	if len(errs) < 2 {
		t.Fatalf("expected the tampered record's own hash mismatch plus at least one downstream prev_hash mismatch, got %v", errs)
	}
}

func TestResumeFromExistingTrace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	w1, err := Open(path, "session-1", &fakeClock{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec1, err := w1.WriteRecord(WriteInput{EventType: EventStateTransition})
	if err != nil {
		t.Fatal(err)
	}
	w1.Close()

	w2, err := Open(path, "session-1", &fakeClock{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec2, err := w2.WriteRecord(WriteInput{EventType: EventStateTransition})
	if err != nil {
		t.Fatal(err)
	}
	w2.Close()

	if rec2.Seq != rec1.Seq+1 {
		t.Fatalf("expected resumed sequence %d, got %d", rec1.Seq+1, rec2.Seq)
	}
	if rec2.PrevHash != rec1.Hash {
		t.Fatalf("resumed writer must chain prev_hash from the last record on disk")
	}
}

func TestRootHashEmptyChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	w, err := Open(path, "session-1", &fakeClock{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	root := w.RootHash(SessionMetadata{SessionID: "session-1"})
	if root != hashchain.ZeroHash {
		t.Fatalf("expected zero hash for empty chain, got %s", root)
	}
}

func TestRootHashIsHexStringConcatenation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	w, err := Open(path, "session-1", &fakeClock{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	rec, err := w.WriteRecord(WriteInput{EventType: EventStateTransition})
	if err != nil {
		t.Fatal(err)
	}
	meta := SessionMetadata{SessionID: "session-1", FinalState: "SAFE"}
	root := w.RootHash(meta)

	encoded, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(encoded, &m); err != nil {
		t.Fatal(err)
	}
	metadataHash := hashchain.Hash(m)
	expected := hashchain.HashString(rec.Hash + metadataHash)
	if root != expected {
		t.Fatalf("root hash must be SHA256(hex(last_hash) || hex(SHA256(canonical(metadata)))), got %s want %s", root, expected)
	}
}
