package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	s, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.ServerURL != "http://localhost:8000" {
		t.Errorf("unexpected server URL %q", s.ServerURL)
	}
	if s.DataPath != filepath.Join("/home/tester", ".acweb") {
		t.Errorf("expected data path under home, got %q", s.DataPath)
	}
	if s.DatabasePath != filepath.Join(s.DataPath, "acweb.db") {
		t.Errorf("unexpected database path %q", s.DatabasePath)
	}
	if s.LogPath != filepath.Join(s.DataPath, "acweb.log") {
		t.Errorf("unexpected log path %q", s.LogPath)
	}
	if s.RequestTimeout != 10*time.Second {
		t.Errorf("expected 10s request timeout, got %s", s.RequestTimeout)
	}
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("ACWEB_SERVER_URL", "https://term.example.com/")
	t.Setenv("ACWEB_DATA_PATH", "/var/lib/acweb")
	t.Setenv("ACWEB_DATABASE_PATH", "/tmp/state.db")
	t.Setenv("ACWEB_DIAL_TIMEOUT", "3s")

	s, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.ServerURL != "https://term.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", s.ServerURL)
	}
	if s.DatabasePath != "/tmp/state.db" {
		t.Errorf("expected explicit database path, got %q", s.DatabasePath)
	}
	if s.LogPath != "/var/lib/acweb/acweb.log" {
		t.Errorf("unexpected log path %q", s.LogPath)
	}
	if s.DialTimeout != 3*time.Second {
		t.Errorf("expected 3s dial timeout, got %s", s.DialTimeout)
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	t.Setenv("ACWEB_REQUEST_TIMEOUT", "soon")
	if _, err := Parse(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
