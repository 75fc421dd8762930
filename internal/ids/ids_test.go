package ids

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a := New()
	b := New()

	if len(a) != 36 {
		t.Fatalf("expected 36-char id, got %d", len(a))
	}
	if a == b {
		t.Fatalf("expected distinct ids, got duplicates")
	}
	if !Valid(a) {
		t.Fatalf("expected generated id %q to be valid", a)
	}
}

func TestNewIsTimeOrdered(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected ids to sort by creation, %q <= %q", next, prev)
		}
		prev = next
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"evt_1":                  true,
		"run-42.step:3":          true,
		"":                       false,
		" evt":                   false,
		"has space":              false,
		"slash/id":               false,
		strings.Repeat("a", 129): false,
	}
	for id, want := range cases {
		if got := Valid(id); got != want {
			t.Fatalf("Valid(%q)=%v want %v", id, got, want)
		}
	}
}
