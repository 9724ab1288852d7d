// Package hashchain implements the canonical serialization and SHA-256
// hashing primitives consumed by every other package in the session core:
// the trace writer's per-record hash chain, the session context's
// config/calibration hash binding, and the bundle manifest's root hash all
// reduce to the same two functions defined here.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Value is a recursive value-tree representation of arbitrary structured
// data: strings, float64 numbers, bools, nil, ordered lists, and maps whose
// keys are emitted in byte-sorted order. It exists so that canonicalization
// never has to agree with a fixed schema — only with this shape, per the
// Design Notes on dynamic structural typing of config/calibration documents.
type Value interface{}

// FromJSON decodes raw JSON bytes into a Value tree suitable for
// Canonical. Go's encoding/json already collapses objects into
// map[string]interface{}, discarding key order; Canonical re-sorts keys
// on encode, so no order is lost in the round trip that matters (the
// canonical serialization itself).
func FromJSON(data []byte) (Value, error) {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("hashchain: decode json: %w", err)
	}
	return normalize(v), nil
}

// normalize walks a decoded interface{} tree (as produced by
// encoding/json with UseNumber) and converts json.Number to float64 so
// the rest of the package only ever deals with the Value shapes described
// above.
func normalize(v interface{}) Value {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []interface{}:
		out := make([]Value, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			// Not expected for well-formed documents; fall back to the
			// string form rather than panicking on malformed input.
			return t.String()
		}
		return f
	default:
		return t
	}
}

// Canonical renders a Value tree as its canonical textual form: mapping
// keys in byte-sorted order, UTF-8 strings, fixed-precision numbers with
// no trailing zeros and no exponent unless required, single literal forms
// for booleans and null, and no insignificant whitespace anywhere in the
// separators. Two semantically equal documents produce byte-identical
// output; any recognized semantic difference produces different output.
func Canonical(v Value) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v Value) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeCanonicalString(b, t)
	case float64:
		b.WriteString(formatNumber(t))
	case int:
		b.WriteString(formatNumber(float64(t)))
	case map[string]Value:
		writeCanonicalMap(b, t)
	case map[string]interface{}:
		// Tolerate raw decoded maps passed in directly (e.g. ad-hoc
		// metadata built by callers without going through FromJSON).
		writeCanonicalMap(b, normalize(t).(map[string]Value))
	case []Value:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case []interface{}:
		norm := make([]Value, len(t))
		for i, e := range t {
			norm[i] = normalize(e)
		}
		writeCanonical(b, norm)
	default:
		// Only reachable for caller-constructed Value trees outside the
		// documented shapes; render via fmt so behavior is still
		// deterministic rather than panicking mid-hash.
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", t)))
	}
}

func writeCanonicalMap(b *strings.Builder, m map[string]Value) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonicalString(b, k)
		b.WriteByte(':')
		writeCanonical(b, m[k])
	}
	b.WriteByte('}')
}

func writeCanonicalString(b *strings.Builder, s string) {
	encoded, _ := json.Marshal(s)
	b.Write(encoded)
}

// formatNumber renders a float64 in the fixed-precision textual form
// required by the canonical encoding: the shortest decimal that
// round-trips, no trailing fractional zeros, and plain positional
// notation for zero and for magnitudes in [1e-6, 1e21). Exponent notation
// is used only outside that range.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// Not valid in a canonical document; render a literal that will
		// simply fail to parse back rather than silently corrupting the
		// hash input.
		return "null"
	}
	if abs := math.Abs(f); abs == 0 || (abs >= 1e-6 && abs < 1e21) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Go's 'g' format may emit "1e+06"; canonical form requires "e" with
	// no "+" and no leading zero in the exponent.
	if idx := strings.IndexAny(s, "eE"); idx >= 0 {
		mantissa, exp := s[:idx], s[idx+1:]
		exp = strings.TrimPrefix(exp, "+")
		neg := strings.HasPrefix(exp, "-")
		exp = strings.TrimPrefix(exp, "-")
		exp = strings.TrimLeft(exp, "0")
		if exp == "" {
			exp = "0"
		}
		if neg {
			exp = "-" + exp
		}
		s = mantissa + "e" + exp
	}
	return s
}

// Hash returns the lowercase hex-encoded SHA-256 digest of a canonical
// value tree.
func Hash(v Value) string {
	sum := sha256.Sum256([]byte(Canonical(v)))
	return hex.EncodeToString(sum[:])
}

// HashString returns the lowercase hex-encoded SHA-256 digest of an
// already-serialized string, used by the trace writer and root-hash
// computation where the input is itself a concatenation of hex digests
// rather than a fresh value tree.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ZeroHash is the 64 zero hex digits used as prev_hash for the first
// trace record and as the root hash of an empty chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// zeroHashLen is asserted by canonical_test.go to equal 64 (one hex
// character per nibble of a SHA-256 digest).
const zeroHashLen = len(ZeroHash)
