package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestScrubTracebackFrames(t *testing.T) {
	s := New(0)

	in := `Traceback (most recent call last):
  File "/workspace/script.py", line 3, in <module>
ValueError: bad value`
	out := s.Scrub(in)

	if strings.Contains(out, "/workspace") {
		t.Errorf("output leaks host path: %q", out)
	}
	if !strings.Contains(out, `File "[script]", line 3`) {
		t.Errorf("frame header not rewritten: %q", out)
	}
	if !strings.Contains(out, "ValueError: bad value") {
		t.Errorf("exception text lost: %q", out)
	}
}

func TestScrubContainerIDs(t *testing.T) {
	s := New(0)

	tests := []struct {
		name string
		in   string
	}{
		{"prefixed", "container sandbox-123e4567-e89b-42d3-a456-426614174000 died"},
		{"bare uuid", "exec 123e4567-e89b-42d3-a456-426614174000 failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := s.Scrub(tt.in)
			if strings.Contains(out, "123e4567") {
				t.Errorf("uuid survives scrub: %q", out)
			}
			if !strings.Contains(out, "[container]") {
				t.Errorf("no placeholder inserted: %q", out)
			}
		})
	}
}

func TestScrubPathsAndAddresses(t *testing.T) {
	s := New(0)

	out := s.Scrub("<pandas.DataFrame object at 0x7f3a2c001d40> loaded from /usr/lib/python3.12/site-packages")
	if strings.Contains(out, "0x7f3a") {
		t.Errorf("object address survives: %q", out)
	}
	if strings.Contains(out, "/usr/lib") {
		t.Errorf("path survives: %q", out)
	}
}

func TestScrubLeavesFractionsAlone(t *testing.T) {
	s := New(0)

	in := "result: 1/2 and a/b\n"
	if out := s.Scrub(in); out != in {
		t.Errorf("Scrub(%q) = %q, want unchanged", in, out)
	}
}

func TestScrubIdempotent(t *testing.T) {
	s := New(0)

	inputs := []string{
		`File "/workspace/script.py", line 7`,
		"sandbox-123e4567-e89b-42d3-a456-426614174000",
		"<obj at 0x1f00> in /var/lib/data",
		"plain output with no secrets",
	}

	for _, in := range inputs {
		once := s.Scrub(in)
		twice := s.Scrub(once)
		if once != twice {
			t.Errorf("Scrub not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestCleanTruncates(t *testing.T) {
	s := New(32)

	out := s.Clean(strings.Repeat("a", 100))
	if !strings.HasSuffix(out, TruncationMarker) {
		t.Fatalf("truncated output missing marker: %q", out)
	}
	if len(out) != 32+len(TruncationMarker) {
		t.Errorf("len = %d, want %d", len(out), 32+len(TruncationMarker))
	}
}

func TestCleanTruncatesOnRuneBoundary(t *testing.T) {
	s := New(32)

	// "é" is two bytes; 31 ASCII bytes followed by it puts the cut point in
	// the middle of the rune.
	out := s.Clean(strings.Repeat("a", 31) + "é" + strings.Repeat("b", 50))
	if !strings.HasSuffix(out, TruncationMarker) {
		t.Fatalf("truncated output missing marker: %q", out)
	}
	if !utf8.ValidString(out) {
		t.Errorf("truncation split a rune: %q", out)
	}
	if got := strings.TrimSuffix(out, TruncationMarker); got != strings.Repeat("a", 31) {
		t.Errorf("kept prefix = %q, want the 31 whole runes before the cut", got)
	}
}

func TestCleanIdempotent(t *testing.T) {
	s := New(32)

	once := s.Clean(strings.Repeat("a", 100))
	twice := s.Clean(once)
	if once != twice {
		t.Errorf("Clean not idempotent: %q vs %q", once, twice)
	}
	if strings.Count(twice, "[output truncated]") != 1 {
		t.Errorf("marker duplicated: %q", twice)
	}
}

func TestCleanShortOutputUntouched(t *testing.T) {
	s := New(1024)

	in := "hello\n"
	if out := s.Clean(in); out != in {
		t.Errorf("Clean(%q) = %q, want unchanged", in, out)
	}
}

func TestNewDefaultsMaxBytes(t *testing.T) {
	s := New(0)
	in := strings.Repeat("x", 64*1024)
	if out := s.Clean(in); out != in {
		t.Error("output at the default ceiling should not be truncated")
	}
	if out := s.Clean(in + "x"); !strings.HasSuffix(out, TruncationMarker) {
		t.Error("output past the default ceiling should be truncated")
	}
}
