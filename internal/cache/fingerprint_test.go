package cache

import "testing"

func TestFingerprint_Deterministic(t *testing.T) {
	opts := map[string]any{"limit": 10, "merge": "score"}
	a := Fingerprint("find invoices", []string{"n1", "n2"}, opts)
	b := Fingerprint("find invoices", []string{"n1", "n2"}, opts)
	if a != b {
		t.Fatalf("same input produced different keys: %s vs %s", a, b)
	}
}

func TestFingerprint_NodeOrderIgnored(t *testing.T) {
	a := Fingerprint("q", []string{"n1", "n2", "n3"}, nil)
	b := Fingerprint("q", []string{"n3", "n1", "n2"}, nil)
	if a != b {
		t.Fatalf("node ID order changed the key: %s vs %s", a, b)
	}
}

func TestFingerprint_NilAndEmptyOptionsEqual(t *testing.T) {
	a := Fingerprint("q", []string{"n1"}, nil)
	b := Fingerprint("q", []string{"n1"}, map[string]any{})
	if a != b {
		t.Fatalf("nil vs empty options changed the key: %s vs %s", a, b)
	}
}

func TestFingerprint_Distinguishes(t *testing.T) {
	base := Fingerprint("q", []string{"n1"}, map[string]any{"limit": 10})
	cases := []struct {
		name  string
		other Key
	}{
		{"query", Fingerprint("other", []string{"n1"}, map[string]any{"limit": 10})},
		{"nodes", Fingerprint("q", []string{"n2"}, map[string]any{"limit": 10})},
		{"options", Fingerprint("q", []string{"n1"}, map[string]any{"limit": 20})},
	}
	for _, tc := range cases {
		if tc.other == base {
			t.Errorf("%s change did not change the key", tc.name)
		}
	}
}

func TestKey_HexRoundTrip(t *testing.T) {
	k := Fingerprint("q", []string{"n1"}, nil)
	if k.IsZero() {
		t.Fatal("fingerprint should not be zero")
	}

	hex := k.Hex()
	if len(hex) != 32 {
		t.Fatalf("hex length = %d, want 32", len(hex))
	}

	parsed, err := ParseHex(hex)
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if parsed != k {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, k)
	}
}

func TestParseHex_Invalid(t *testing.T) {
	if _, err := ParseHex("zz"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := ParseHex("abcd"); err == nil {
		t.Error("expected error for short input")
	}
}
