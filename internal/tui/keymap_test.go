package tui

import (
	"testing"

	"charm.land/bubbles/v2/key"
)

// TestKeyMapDefaults verifies the dashboard's default bindings.
func TestKeyMapDefaults(t *testing.T) {
	k := newKeyMap()

	assertKeys := func(name string, binding key.Binding, expected ...string) {
		t.Helper()
		got := binding.Keys()
		if len(got) != len(expected) {
			t.Fatalf("%s key count mismatch got=%#v expected=%#v", name, got, expected)
		}
		for i := range expected {
			if got[i] != expected[i] {
				t.Fatalf("%s key mismatch got=%#v expected=%#v", name, got, expected)
			}
		}
	}

	assertKeys("quit", k.quit, "q", "ctrl+c")
	assertKeys("resync", k.resync, "r")
	assertKeys("filter", k.filter, "f")
	assertKeys("clear", k.clear, "esc")
	assertKeys("up", k.moveUp, "k", "up")
	assertKeys("down", k.moveDown, "j", "down")
}

// TestKeyMapHelp verifies short and full help groupings.
func TestKeyMapHelp(t *testing.T) {
	k := newKeyMap()
	if got := len(k.ShortHelp()); got != 4 {
		t.Fatalf("expected 4 short help bindings, got %d", got)
	}
	full := k.FullHelp()
	if len(full) != 2 {
		t.Fatalf("expected 2 full help columns, got %d", len(full))
	}
	if full[1][0].Help().Desc != "up" {
		t.Fatalf("unexpected navigation help %#v", full[1][0].Help())
	}
}
