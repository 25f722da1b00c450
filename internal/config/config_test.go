package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeDefaults(t *testing.T) {
	var cfg Config
	cfg.Normalize()

	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.FirstWeekday != "monday" {
		t.Errorf("FirstWeekday = %q", cfg.FirstWeekday)
	}
	if cfg.WeekNumbering != "iso8601" {
		t.Errorf("WeekNumbering = %q", cfg.WeekNumbering)
	}
	if len(cfg.Weekend) != 2 {
		t.Errorf("Weekend = %v", cfg.Weekend)
	}
	if cfg.RefreshCron == "" {
		t.Error("RefreshCron empty after normalize")
	}
}

func TestNormalizeClampsUnknownValues(t *testing.T) {
	cfg := Config{
		FirstWeekday:  "caturday",
		WeekNumbering: "julian",
	}
	cfg.Normalize()

	if cfg.FirstWeekday != "monday" {
		t.Errorf("FirstWeekday = %q, want monday", cfg.FirstWeekday)
	}
	if cfg.WeekNumbering != "iso8601" {
		t.Errorf("WeekNumbering = %q, want iso8601", cfg.WeekNumbering)
	}
}

func TestNormalizeAssignsFeedDefaults(t *testing.T) {
	cfg := Config{
		Feeds: []FeedConfig{
			{URL: "https://example.com/a.ics", Name: "Team"},
			{URL: "https://example.com/b.ics"},
		},
	}
	cfg.Normalize()

	if cfg.Feeds[0].ID != "Team" {
		t.Errorf("feed 0 ID = %q, want name fallback", cfg.Feeds[0].ID)
	}
	if cfg.Feeds[1].ID != "https://example.com/b.ics" {
		t.Errorf("feed 1 ID = %q, want URL fallback", cfg.Feeds[1].ID)
	}
	if cfg.Feeds[0].Color == "" || cfg.Feeds[1].Color == "" {
		t.Error("palette colors not assigned")
	}
	if cfg.Feeds[0].Color == cfg.Feeds[1].Color {
		t.Error("adjacent feeds share a palette color")
	}
}

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("default Listen = %q", cfg.Listen)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file perms = %o, want 0600", perm)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	orig := DefaultConfig()
	orig.Timezone = "Europe/Berlin"
	orig.FirstWeekday = "sunday"
	orig.Feeds = []FeedConfig{{ID: "work", Name: "Work", URL: "https://example.com/w.ics", Color: "#123456"}}

	if err := Save(path, orig); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Timezone != "Europe/Berlin" || got.FirstWeekday != "sunday" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.Feeds) != 1 || got.Feeds[0].Color != "#123456" {
		t.Errorf("round trip lost feeds: %+v", got.Feeds)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("expected error for empty path")
	}
}
