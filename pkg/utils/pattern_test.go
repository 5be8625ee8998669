package utils

import "testing"

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"user:123", "user:123", true},
		{"user:123", "user:456", false},
		{"users:*", "users:123", true},
		{"users:*", "orders:123", false},
		{"*", "anything", true},
		{"user:*:profile", "user:123:profile", true},
		{"user:[0-9]+", "user:123", true},
		{"user:[0-9]+", "user:abc", false},
	}
	for _, c := range cases {
		got, err := MatchPattern(c.pattern, c.key)
		if err != nil {
			t.Fatalf("MatchPattern(%q, %q) error: %v", c.pattern, c.key, err)
		}
		if got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}

func TestMatchPattern_EmptyPattern(t *testing.T) {
	if _, err := MatchPattern("", "key"); err == nil {
		t.Errorf("expected error for empty pattern")
	}
}

func TestFilterKeys(t *testing.T) {
	keys := []string{"user:1", "user:2", "order:1"}
	got, err := FilterKeys("user:*", keys)
	if err != nil {
		t.Fatalf("FilterKeys error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 matches, got %d", len(got))
	}
}

func TestFilterKeys_MatchAll(t *testing.T) {
	keys := []string{"a", "b", "c"}
	got, err := FilterKeys("*", keys)
	if err != nil {
		t.Fatalf("FilterKeys error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected all keys returned, got %d", len(got))
	}
}
