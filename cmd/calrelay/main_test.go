package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	syncp "github.com/njoerd114/calrelay/internal/sync"
)

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"primary=replica", " work ", "a@b.c = team"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []syncp.Pair{
		{Source: "primary", Sink: "replica"},
		{Source: "work", Sink: "work"},
		{Source: "a@b.c", Sink: "team"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d pairs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pair %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"=sink", "src=", ""} {
		if _, err := parsePairs([]string{bad}); err == nil {
			t.Errorf("parsePairs(%q): expected error", bad)
		}
	}
}

func TestParsePairs_RejectsRepeatedSource(t *testing.T) {
	for _, values := range [][]string{
		{"a=x", "a=y"},
		{"a", "a=y"},
		{"a=x", " a = x "},
	} {
		if _, err := parsePairs(values); err == nil {
			t.Errorf("parsePairs(%q): expected error", values)
		}
	}
}

func TestParseDate(t *testing.T) {
	now := time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)
	tests := map[string]time.Time{
		"":                     time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		"Today":                time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		"tomorrow":             time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
		"2026-12-24":           time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC),
		"2026-12-24T18:00:00Z": time.Date(2026, 12, 24, 18, 0, 0, 0, time.UTC),
	}
	for in, want := range tests {
		got, err := parseDate(in, now)
		if err != nil {
			t.Errorf("parseDate(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("parseDate(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseDate("next week", now); err == nil {
		t.Error("expected error for unrecognised date")
	}
}

func TestHumanSize(t *testing.T) {
	if got := humanSize(512); got != "512 B" {
		t.Errorf("humanSize(512) = %q", got)
	}
	if got := humanSize(3 << 20); got != "3.0 MB" {
		t.Errorf("humanSize(3MiB) = %q", got)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "calrelay ") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestStatus_MissingConfig(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--config", t.TempDir() + "/missing.yaml"})
	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "not found") {
		t.Errorf("status output = %q", out.String())
	}
}
