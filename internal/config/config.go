// Package config loads the immutable process configuration. The environment
// is the external contract; an optional mercy.yaml supplies defaults that the
// environment always overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigFile = "mercy.yaml"

type Config struct {
	Kingdoms        []uint32      `yaml:"kingdoms"`
	AuthToken       string        `yaml:"authToken"`
	ListenAddr      string        `yaml:"listenAddr"`
	SearchTarget    string        `yaml:"searchTarget"`
	ScanPattern     string        `yaml:"scanPattern"`
	ScanRings       int           `yaml:"scanRings"`
	KnownCoverage   float64       `yaml:"knownCoverage"`
	NavigateDelay   time.Duration `yaml:"-"`
	NavigateDelayMs int           `yaml:"navigateDelayMs"`
	ExchangeLogPath string        `yaml:"exchangeLog"`

	Game struct {
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
		URL      string `yaml:"url"`
		Headless bool   `yaml:"headless"`
	} `yaml:"game"`

	Discord struct {
		WebhookURL string   `yaml:"webhookUrl"`
		Token      string   `yaml:"token"`
		ChannelID  string   `yaml:"channelId"`
		BotAdmins  []string `yaml:"botAdmins"`
	} `yaml:"discord"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chatId"`
	} `yaml:"telegram"`

	Debug    bool   `yaml:"debug"`
	DebugDir string `yaml:"debugDir"`
}

// Load builds the configuration from mercy.yaml (if present) and the process
// environment, then validates it.
func Load() (*Config, error) {
	return load(DefaultConfigFile, os.Getenv)
}

func load(file string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		ListenAddr:      ":8111",
		SearchTarget:    "Mercenary Exchange",
		ScanPattern:     "known",
		KnownCoverage:   0.80,
		NavigateDelayMs: 750,
		ExchangeLogPath: "exchanges.jsonl",
		DebugDir:        "debug",
	}
	cfg.Game.URL = "https://totalbattle.com/en/"
	cfg.Game.Headless = true

	if raw, err := os.ReadFile(file); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", file, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfg.NavigateDelay = time.Duration(cfg.NavigateDelayMs) * time.Millisecond
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("KINGDOMS"); v != "" {
		kingdoms, err := parseKingdoms(v)
		if err != nil {
			return err
		}
		cfg.Kingdoms = kingdoms
	}
	setString(getenv, "AUTH_TOKEN", &cfg.AuthToken)
	setString(getenv, "LISTEN_ADDR", &cfg.ListenAddr)
	setString(getenv, "SEARCH_TARGET", &cfg.SearchTarget)
	setString(getenv, "SCAN_PATTERN", &cfg.ScanPattern)
	if err := setInt(getenv, "SCAN_RINGS", &cfg.ScanRings); err != nil {
		return err
	}
	if v := getenv("KNOWN_COVERAGE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KNOWN_COVERAGE: %w", err)
		}
		cfg.KnownCoverage = f
	}
	if err := setInt(getenv, "NAVIGATE_DELAY_MS", &cfg.NavigateDelayMs); err != nil {
		return err
	}
	setString(getenv, "EXCHANGE_LOG", &cfg.ExchangeLogPath)

	setString(getenv, "GAME_EMAIL", &cfg.Game.Email)
	setString(getenv, "GAME_PASSWORD", &cfg.Game.Password)
	setString(getenv, "GAME_URL", &cfg.Game.URL)
	if v := getenv("HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HEADLESS: %w", err)
		}
		cfg.Game.Headless = b
	}

	setString(getenv, "DISCORD_WEBHOOK_URL", &cfg.Discord.WebhookURL)
	setString(getenv, "DISCORD_TOKEN", &cfg.Discord.Token)
	setString(getenv, "DISCORD_CHANNEL_ID", &cfg.Discord.ChannelID)
	if v := getenv("DISCORD_ADMINS"); v != "" {
		cfg.Discord.BotAdmins = splitTrim(v)
	}
	setString(getenv, "TELEGRAM_TOKEN", &cfg.Telegram.Token)
	if v := getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}

	if v := getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG: %w", err)
		}
		cfg.Debug = b
	}
	setString(getenv, "DEBUG_DIR", &cfg.DebugDir)
	return nil
}

func validate(cfg *Config) error {
	if cfg.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required")
	}
	if cfg.SearchTarget == "" {
		return fmt.Errorf("SEARCH_TARGET must not be empty")
	}
	switch cfg.ScanPattern {
	case "single", "wide", "multi", "grid", "known":
	default:
		return fmt.Errorf("SCAN_PATTERN %q is not one of single, wide, multi, grid, known", cfg.ScanPattern)
	}
	if cfg.KnownCoverage <= 0 || cfg.KnownCoverage > 1 {
		return fmt.Errorf("KNOWN_COVERAGE %v must be in (0, 1]", cfg.KnownCoverage)
	}
	if cfg.NavigateDelayMs < 0 {
		return fmt.Errorf("NAVIGATE_DELAY_MS must not be negative")
	}
	return nil
}

func parseKingdoms(v string) ([]uint32, error) {
	var out []uint32
	for _, part := range splitTrim(v) {
		k, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("KINGDOMS: %q is not an integer", part)
		}
		out = append(out, uint32(k))
	}
	return out, nil
}

func splitTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(getenv func(string) string, name string, dst *string) {
	if v := getenv(name); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, name string, dst *int) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// TemplatePath derives the reference image location from the search target:
// assets/<target lowercased, spaces to underscores>_ref.png.
func (c *Config) TemplatePath() string {
	slug := strings.ReplaceAll(strings.ToLower(c.SearchTarget), " ", "_")
	return filepath.Join("assets", slug+"_ref.png")
}
