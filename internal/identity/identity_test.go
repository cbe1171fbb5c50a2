package identity

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestComposeParseRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		repoID string
		rname  string
	}{
		{"simple", "20240101120000_ab12cd", "notes"},
		{"name with separator", "20240101120000_ab12cd", "my__project"},
		{"empty name", "20240101120000_ab12cd", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := Compose(tt.repoID, tt.rname)
			id, name, err := Parse(key)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", key, err)
			}
			if id != tt.repoID || name != tt.rname {
				t.Errorf("Parse(%q) = (%q, %q), want (%q, %q)", key, id, name, tt.repoID, tt.rname)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"no separator", "20240101120000_ab12cd"},
		{"empty id", "__notes"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.key)
			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("Parse(%q) error = %v, want *FormatError", tt.key, err)
			}
			if ferr.Key != tt.key {
				t.Errorf("FormatError.Key = %q, want %q", ferr.Key, tt.key)
			}
		})
	}
}

func TestGeneratorNewID(t *testing.T) {
	t.Run("format", func(t *testing.T) {
		g := NewGenerator("", 0)
		id, err := g.NewID(nil)
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		ts, sub, ok := strings.Cut(id, "_")
		if !ok {
			t.Fatalf("id %q has no '_' separator", id)
		}
		if _, err := time.Parse(TimestampFormat, ts); err != nil {
			t.Errorf("id %q timestamp prefix invalid: %v", id, err)
		}
		if len(sub) != DefaultSubIDLength {
			t.Errorf("sub-ID length = %d, want %d", len(sub), DefaultSubIDLength)
		}
	})

	t.Run("avoids collisions", func(t *testing.T) {
		g := NewGenerator("ab", 1)
		g.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

		existing := map[string]bool{"20240101120000_a": true}
		id, err := g.NewID(existing)
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		if id != "20240101120000_b" {
			t.Errorf("NewID() = %q, want %q", id, "20240101120000_b")
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		g := NewGenerator("a", 1)
		g.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

		// Every possible candidate is taken.
		existing := map[string]bool{"20240101120000_a": true}
		_, err := g.NewID(existing)
		var cerr *CollisionExhaustedError
		if !errors.As(err, &cerr) {
			t.Fatalf("NewID() error = %v, want *CollisionExhaustedError", err)
		}
		if cerr.Attempts == 0 {
			t.Error("CollisionExhaustedError.Attempts = 0, want > 0")
		}
	})
}

func TestResolve(t *testing.T) {
	keys := []string{
		"20240101120000_aaaaaa__notes",
		"20240101120000_bbbbbb__notes",
		"20250202130000_cccccc__work",
	}

	t.Run("exact index key", func(t *testing.T) {
		got, err := Resolve("20240101120000_aaaaaa__notes", keys)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != keys[0] {
			t.Errorf("Resolve() = %q, want %q", got, keys[0])
		}
	})

	t.Run("exact repo ID", func(t *testing.T) {
		got, err := Resolve("20250202130000_cccccc", keys)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != keys[2] {
			t.Errorf("Resolve() = %q, want %q", got, keys[2])
		}
	})

	t.Run("unique prefix", func(t *testing.T) {
		got, err := Resolve("20250202", keys)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != keys[2] {
			t.Errorf("Resolve() = %q, want %q", got, keys[2])
		}
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := Resolve("20240101", keys)
		var aerr *AmbiguousError
		if !errors.As(err, &aerr) {
			t.Fatalf("Resolve() error = %v, want *AmbiguousError", err)
		}
		if len(aerr.Matches) != 2 {
			t.Fatalf("len(Matches) = %d, want 2", len(aerr.Matches))
		}
		if aerr.Matches[0] != keys[0] || aerr.Matches[1] != keys[1] {
			t.Errorf("Matches = %v, want [%q %q]", aerr.Matches, keys[0], keys[1])
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := Resolve("zzz", keys)
		var nerr *NotFoundError
		if !errors.As(err, &nerr) {
			t.Fatalf("Resolve() error = %v, want *NotFoundError", err)
		}
	})

	t.Run("no side effects on inputs", func(t *testing.T) {
		before := strings.Join(keys, "|")
		_, _ = Resolve("20240101", keys)
		if strings.Join(keys, "|") != before {
			t.Error("Resolve() mutated its input")
		}
	})
}
