package logger

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func TestRingAddAndRecent(t *testing.T) {
	r := NewRing(4)

	for i := 0; i < 3; i++ {
		r.Add(Entry{Message: fmt.Sprintf("msg-%d", i)})
	}
	if r.Count() != 3 {
		t.Fatalf("expected 3 entries, got %d", r.Count())
	}

	recent := r.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	// Most recent first.
	if recent[0].Message != "msg-2" || recent[2].Message != "msg-0" {
		t.Errorf("wrong order: %v", recent)
	}

	limited := r.Recent(2)
	if len(limited) != 2 || limited[0].Message != "msg-2" {
		t.Errorf("limit not honored: %v", limited)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Add(Entry{Message: fmt.Sprintf("msg-%d", i)})
	}

	if r.Count() != 3 {
		t.Fatalf("expected capped count 3, got %d", r.Count())
	}
	recent := r.Recent(0)
	if recent[0].Message != "msg-4" || recent[2].Message != "msg-2" {
		t.Errorf("oldest entries should have been overwritten: %v", recent)
	}
}

func TestRingWriterCapturesLogLines(t *testing.T) {
	var buf bytes.Buffer
	w := &RingWriter{ring: NewRing(16), original: &buf}

	logger := zerolog.New(w).With().Str("component", "test").Logger()
	logger.Info().Msg("hello ring")

	if buf.Len() == 0 {
		t.Error("original writer should still receive the line")
	}

	recent := w.ring.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("expected 1 captured entry, got %d", len(recent))
	}
	e := recent[0]
	if e.Message != "hello ring" {
		t.Errorf("message: got %q", e.Message)
	}
	if e.Level != "INFO" {
		t.Errorf("level: got %q", e.Level)
	}
	if e.Component != "test" {
		t.Errorf("component: got %q", e.Component)
	}
}

func TestParseLogLine(t *testing.T) {
	line := `{"level":"error","component":"wal-writer","time":"2026-03-15T09:00:00Z","message":"disk full"}`
	e := parseLogLine(line)

	if e.Level != "ERROR" || e.Component != "wal-writer" || e.Message != "disk full" {
		t.Errorf("parsed entry: %+v", e)
	}
	if e.Timestamp.Year() != 2026 {
		t.Errorf("timestamp not parsed: %v", e.Timestamp)
	}

	// Garbage is ignored rather than mis-parsed.
	if got := parseLogLine("not json at all"); got.Message != "" || got.Level != "" {
		t.Errorf("garbage line produced entry: %+v", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
