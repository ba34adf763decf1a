package config

import (
	"os"
	"path/filepath"
	"testing"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadFromEnvironment(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "absent.yaml"), env(map[string]string{
		"KINGDOMS":          "109, 111,205",
		"AUTH_TOKEN":        "secret",
		"LISTEN_ADDR":       ":9000",
		"SEARCH_TARGET":     "Mercenary Exchange",
		"SCAN_PATTERN":      "multi",
		"SCAN_RINGS":        "6",
		"KNOWN_COVERAGE":    "0.9",
		"NAVIGATE_DELAY_MS": "600",
		"EXCHANGE_LOG":      "/tmp/ex.jsonl",
		"GAME_EMAIL":        "bot@example.com",
		"GAME_PASSWORD":     "pw",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Kingdoms) != 3 || cfg.Kingdoms[0] != 109 || cfg.Kingdoms[2] != 205 {
		t.Errorf("kingdoms parsed wrong: %v", cfg.Kingdoms)
	}
	if cfg.ScanPattern != "multi" || cfg.ScanRings != 6 {
		t.Errorf("pattern config wrong: %s/%d", cfg.ScanPattern, cfg.ScanRings)
	}
	if cfg.NavigateDelay.Milliseconds() != 600 {
		t.Errorf("navigate delay = %v", cfg.NavigateDelay)
	}
	if !cfg.Game.Headless {
		t.Error("headless should default to true")
	}
}

func TestAuthTokenRequired(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), env(map[string]string{}))
	if err == nil {
		t.Fatal("missing AUTH_TOKEN must fail startup")
	}
}

func TestBadValuesRejected(t *testing.T) {
	cases := []map[string]string{
		{"AUTH_TOKEN": "x", "KINGDOMS": "12,abc"},
		{"AUTH_TOKEN": "x", "SCAN_PATTERN": "zigzag"},
		{"AUTH_TOKEN": "x", "KNOWN_COVERAGE": "1.5"},
		{"AUTH_TOKEN": "x", "KNOWN_COVERAGE": "0"},
		{"AUTH_TOKEN": "x", "NAVIGATE_DELAY_MS": "-1"},
	}
	for i, m := range cases {
		if _, err := load(filepath.Join(t.TempDir(), "absent.yaml"), env(m)); err == nil {
			t.Errorf("case %d: expected validation error for %v", i, m)
		}
	}
}

func TestTemplatePathSlug(t *testing.T) {
	cfg := &Config{SearchTarget: "Mercenary Exchange"}
	want := filepath.Join("assets", "mercenary_exchange_ref.png")
	if got := cfg.TemplatePath(); got != want {
		t.Errorf("TemplatePath() = %q, want %q", got, want)
	}
}

func TestEnvOverridesYaml(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "mercy.yaml")
	writeFile(t, file, "listenAddr: \":7000\"\nauthToken: fromfile\nscanPattern: grid\n")

	cfg, err := load(file, env(map[string]string{"LISTEN_ADDR": ":9999"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("environment must win over yaml, got %s", cfg.ListenAddr)
	}
	if cfg.AuthToken != "fromfile" {
		t.Errorf("yaml value should survive when env is silent, got %q", cfg.AuthToken)
	}
	if cfg.ScanPattern != "grid" {
		t.Errorf("yaml pattern lost: %s", cfg.ScanPattern)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
