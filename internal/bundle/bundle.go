// Package bundle implements the teardown-time session archiver of
// spec §4.6: it materializes a session's trace, configuration and
// calibration snapshots, health records, and a manifest carrying the
// chain's root hash into a
// directory a third party can independently verify.
//
// Two distinct JSON renderings are used and must not be conflated:
// trace records and all hash-input canonicalization use the compact
// canonical form (internal/hashchain, sorted keys, no whitespace); the
// files this package writes use pretty-printed JSON (indent, sorted map
// keys via encoding/json's own map-marshaling order) for human/tool
// readability — confirmed against the distilled source's
// session_bundle.py, which opens each snapshot file with
// json.dump(..., indent=2, sort_keys=True).
package bundle

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tristochief/niols/internal/hashchain"
)

// bundleFormatVersion is written into every manifest so a future reader
// can tell which layout produced a given bundle directory.
const bundleFormatVersion = "1.0"

// SnapshotFile is the shape of config.json / calibration.json: the bound
// document, its hash, and the wall-clock instant it was bound.
type SnapshotFile struct {
	Snapshot  hashchain.Value `json:"snapshot"`
	Hash      string          `json:"hash"`
	BoundAt   string          `json:"bound_at"`
}

// BudgetFinal is the session's final budget values, included in the
// manifest only when the session reached INITIALIZE at least once.
type BudgetFinal struct {
	RemainingEmitMS      float64 `json:"remaining_emit_ms"`
	RemainingDutyPercent float64 `json:"remaining_duty_percent"`
	CooldownRemainingMS  float64 `json:"cooldown_remaining_ms"`
}

// Manifest is session_manifest.json's shape: everything a third party
// needs to re-hash the chain and confirm no tampering occurred.
type Manifest struct {
	BundleFormatVersion string       `json:"bundle_format_version"`
	SessionID           string       `json:"session_id"`
	RootHash            string       `json:"root_hash"`
	FinalState          string       `json:"final_state"`
	ConfigHash          string       `json:"config_hash,omitempty"`
	CalHash             string       `json:"cal_hash,omitempty"`
	SimulationMode      bool         `json:"simulation_mode"`
	FaultReason         string       `json:"fault_reason,omitempty"`
	Files               []string     `json:"files"`
	BudgetFinal         *BudgetFinal `json:"budget_final,omitempty"`
	ClosedAt            string       `json:"closed_at"`
}

// Input carries everything the Writer needs to materialize one session
// bundle. Config/Calibration are nil when INITIALIZE never bound them
// (e.g. a session that faulted before ever leaving SAFE).
type Input struct {
	SessionID   string
	TracePath   string
	RootHash    string
	FinalState  string
	FaultReason string

	SimulationMode bool

	Config        hashchain.Value
	ConfigHash    string
	ConfigBoundAt time.Time

	Calibration  hashchain.Value
	CalHash      string
	CalBoundAt   time.Time

	HealthStart interface{}
	HealthEnd   interface{}

	BudgetFinal *BudgetFinal
}

// Writer materializes session bundles under one root directory, per
// spec §6's bundle directory layout: <root>/<session_id>/...
type Writer struct {
	root string
}

// New constructs a Writer rooted at dir.
func New(dir string) *Writer {
	return &Writer{root: dir}
}

// Write archives one session's evidence into <root>/<session_id>/, best
// effort beyond the point the directory itself is created: per spec §7
// point 5, a bundle write failure does not retroactively invalidate a
// session that already completed its trace — the trace file remains the
// authoritative record even if, say, a health snapshot fails to encode.
// Write aggregates every file-level error it encounters and returns them
// together rather than stopping at the first.
func (w *Writer) Write(in Input) (dir string, err error) {
	dir = filepath.Join(w.root, in.SessionID)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return "", fmt.Errorf("bundle: mkdir %q: %w", dir, mkErr)
	}

	var errs []error
	files := []string{}

	if copyErr := copyFile(in.TracePath, filepath.Join(dir, "trace.jsonl")); copyErr != nil {
		errs = append(errs, fmt.Errorf("trace.jsonl: %w", copyErr))
	} else {
		files = append(files, "trace.jsonl")
	}

	if in.Config != nil {
		snap := SnapshotFile{Snapshot: in.Config, Hash: in.ConfigHash, BoundAt: isoUTC(in.ConfigBoundAt)}
		if werr := writeJSONFile(filepath.Join(dir, "config.json"), snap); werr != nil {
			errs = append(errs, fmt.Errorf("config.json: %w", werr))
		} else {
			files = append(files, "config.json")
		}
	}

	if in.Calibration != nil {
		snap := SnapshotFile{Snapshot: in.Calibration, Hash: in.CalHash, BoundAt: isoUTC(in.CalBoundAt)}
		if werr := writeJSONFile(filepath.Join(dir, "calibration.json"), snap); werr != nil {
			errs = append(errs, fmt.Errorf("calibration.json: %w", werr))
		} else {
			files = append(files, "calibration.json")
		}
	}

	if in.HealthStart != nil {
		if werr := writeJSONFile(filepath.Join(dir, "health_start.json"), in.HealthStart); werr != nil {
			errs = append(errs, fmt.Errorf("health_start.json: %w", werr))
		} else {
			files = append(files, "health_start.json")
		}
	}

	if in.HealthEnd != nil {
		if werr := writeJSONFile(filepath.Join(dir, "health_end.json"), in.HealthEnd); werr != nil {
			errs = append(errs, fmt.Errorf("health_end.json: %w", werr))
		} else {
			files = append(files, "health_end.json")
		}
	}

	manifest := Manifest{
		BundleFormatVersion: bundleFormatVersion,
		SessionID:           in.SessionID,
		RootHash:            in.RootHash,
		FinalState:          in.FinalState,
		ConfigHash:          in.ConfigHash,
		CalHash:             in.CalHash,
		SimulationMode:      in.SimulationMode,
		FaultReason:         in.FaultReason,
		Files:               append(append([]string{}, files...), "session_manifest.json"),
		BudgetFinal:         in.BudgetFinal,
		ClosedAt:            isoUTC(time.Now()),
	}
	if werr := writeJSONFile(filepath.Join(dir, "session_manifest.json"), manifest); werr != nil {
		errs = append(errs, fmt.Errorf("session_manifest.json: %w", werr))
	}

	if len(errs) > 0 {
		return dir, fmt.Errorf("bundle: %d file(s) failed: %v", len(errs), errs)
	}
	return dir, nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return out.Sync()
}

func isoUTC(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
