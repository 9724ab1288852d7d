package hashchain

import "testing"

func TestZeroHashLength(t *testing.T) {
	if zeroHashLen != 64 {
		t.Fatalf("ZeroHash must be 64 hex chars, got %d", zeroHashLen)
	}
}

func TestCanonicalKeyOrdering(t *testing.T) {
	v := map[string]Value{
		"zeta":  1.0,
		"alpha": 2.0,
		"mid":   map[string]Value{"b": true, "a": nil},
	}
	got := Canonical(v)
	want := `{"alpha":2,"mid":{"a":null,"b":true},"zeta":1}`
	if got != want {
		t.Fatalf("Canonical() = %q, want %q", got, want)
	}
}

func TestCanonicalNumberFormatting(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1.0, "1"},
		{1.5, "1.5"},
		{0.0, "0"},
		{100.0, "100"},
		{-3.25, "-3.25"},
	}
	for _, c := range cases {
		got := Canonical(c.in)
		if got != c.want {
			t.Errorf("Canonical(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	doc := map[string]Value{
		"hardware": map[string]Value{"simulation_mode": true},
		"safety": map[string]Value{
			"max_continuous_time": 3600.0,
			"cooldown_time":       60.0,
			"max_power_mw":        1.0,
		},
	}
	c1 := Canonical(doc)
	decoded, err := FromJSON([]byte(c1))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	c2 := Canonical(decoded)
	if c1 != c2 {
		t.Fatalf("canonical(parse(canonical(x))) != canonical(x):\n%s\n%s", c1, c2)
	}
}

func TestHashDeterministic(t *testing.T) {
	a := map[string]Value{"x": 1.0, "y": 2.0}
	b := map[string]Value{"y": 2.0, "x": 1.0}
	if Hash(a) != Hash(b) {
		t.Fatalf("semantically equal documents hashed differently")
	}
}

func TestHashSensitiveToContent(t *testing.T) {
	a := map[string]Value{"x": 1.0}
	b := map[string]Value{"x": 1.0000001}
	if Hash(a) == Hash(b) {
		t.Fatalf("distinct documents hashed identically")
	}
}
