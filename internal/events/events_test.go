package events

import "testing"

// Expectations:
//   - Returns the string unchanged when it has n or fewer code points
//   - Clips to exactly n code points when longer
//   - Respects code points, not bytes, for multi-byte runes
func TestTruncateRaw(t *testing.T) {
	if got := TruncateRaw("short", 100); got != "short" {
		t.Errorf("got %q, want unchanged", got)
	}
	if got := TruncateRaw("abcdef", 3); got != "abc" {
		t.Errorf("got %q, want \"abc\"", got)
	}
	multibyte := "héllo wörld"
	if got := TruncateRaw(multibyte, 3); got != "hél" {
		t.Errorf("got %q, want \"hél\"", got)
	}
}
