package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tristochief/niols/internal/hashchain"
)

// Reader loads an existing trace file for verification and analysis.
type Reader struct {
	Records []Record
}

// ReadFile loads all records from a trace file, skipping the header and
// tolerating malformed trailing lines (the writer's own tolerant-resume
// contract implies readers must be equally tolerant of a crash-truncated
// final line).
func ReadFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: scan: %w", err)
	}

	r := &Reader{}
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		r.Records = append(r.Records, rec)
	}
	return r, nil
}

// VerifyChain recomputes each record's hash (with the hash field absent)
// and checks prev_hash linkage between consecutive records. Returns
// (true, nil) if the chain is intact, or (false, errors) with one
// descriptive, sequence-numbered message per discrepancy.
func VerifyChain(records []Record) (bool, []string) {
	var errs []string
	var prevHash string

	for i, r := range records {
		if i > 0 && prevHash != "" && r.PrevHash != prevHash {
			errs = append(errs, fmt.Sprintf("record %d: prev_hash mismatch (expected %s, got %s)", r.Seq, shorten(prevHash), shorten(r.PrevHash)))
		}
		// The next record's prev_hash is checked against this record's
		// recomputed hash, so a tampered record also breaks the link
		// that follows it.
		next := r.Hash
		if r.Hash != "" {
			value, err := recordToValue(r)
			if err == nil {
				computed := hashchain.Hash(value)
				if computed != r.Hash {
					errs = append(errs, fmt.Sprintf("record %d: hash mismatch (computed %s, stored %s)", r.Seq, shorten(computed), shorten(r.Hash)))
				}
				next = computed
			}
		}
		prevHash = next
	}
	return len(errs) == 0, errs
}

func shorten(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

// StateTransitions returns only the STATE_TRANSITION records.
func (r *Reader) StateTransitions() []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.EventType == EventStateTransition {
			out = append(out, rec)
		}
	}
	return out
}
