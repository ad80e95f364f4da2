package config

import "testing"

func TestIsWeakSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		weak   bool
	}{
		{name: "empty_secret", secret: "", weak: false},
		{name: "dictionary_word", secret: "password", weak: true},
		{name: "all_same", secret: "aaaaaaaaaaaa", weak: true},
		{name: "digit_run", secret: "1234567890", weak: true},
		{name: "short_mixed", secret: "Ab1!", weak: true},
		{name: "long_hex", secret: "4c1e88f2b07a93d6e5f20c7a1b9d64e3", weak: false},
		{name: "mixed_strong", secret: "Weft-2026-Fabric!Secret", weak: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsWeakSecret(tt.secret)
			if got != tt.weak {
				t.Fatalf("IsWeakSecret(%q) = %v, want %v", tt.secret, got, tt.weak)
			}
		})
	}
}

func TestIsWeakSecret_ZXCVBNThreshold(t *testing.T) {
	// Anything scoring below 3 counts as weak.
	if !IsWeakSecret("WeftAdmin2026") {
		t.Fatal("expected score-2 secret to be weak")
	}
	if IsWeakSecret("ZTbmfJR") {
		t.Fatal("expected score-3 secret to be non-weak")
	}
}
