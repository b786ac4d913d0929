// Package config loads the metering service configuration from a flat INI
// file with environment variable overrides. Env vars always win.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/metering.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the metering daemon.
type Config struct {
	Environment string
	ListenAddr  string

	// Ledger persistence. Driver is "sqlite" or "postgres"; LedgerPath
	// applies to sqlite, LedgerDSN to postgres.
	LedgerDriver string
	LedgerPath   string
	LedgerDSN    string

	// Chat message persistence, same driver convention.
	ChatDriver string
	ChatPath   string
	ChatDSN    string

	IdentityPath string

	// Catalog of models and agents: a local JSON file, optionally refreshed
	// from a remote URL.
	CatalogPath            string
	CatalogURL             string
	CatalogRefreshInterval time.Duration

	LogFile  string
	LogLevel string

	AuthDisabled  bool
	WebhookSecret string

	ShutdownGrace time.Duration
}

// Load reads the current environment and the matching metering config file.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:   s.Environment,
		ListenAddr:    firstNonEmpty(os.Getenv("METERING_LISTEN_ADDR"), merged["listen_addr"], ":8090"),
		LedgerDriver:  strings.ToLower(firstNonEmpty(os.Getenv("METERING_LEDGER_DRIVER"), merged["ledger_driver"], "sqlite")),
		LedgerPath:    firstNonEmpty(os.Getenv("METERING_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		LedgerDSN:     firstNonEmpty(os.Getenv("METERING_LEDGER_DSN"), merged["ledger_dsn"]),
		ChatDriver:    strings.ToLower(firstNonEmpty(os.Getenv("METERING_CHAT_DRIVER"), merged["chat_driver"], "sqlite")),
		ChatPath:      firstNonEmpty(os.Getenv("METERING_CHAT_PATH"), merged["chat_path"], DefaultChatPath()),
		ChatDSN:       firstNonEmpty(os.Getenv("METERING_CHAT_DSN"), merged["chat_dsn"]),
		IdentityPath:  firstNonEmpty(os.Getenv("METERING_IDENTITY_PATH"), merged["identity_path"], DefaultIdentityPath()),
		CatalogPath:   firstNonEmpty(os.Getenv("METERING_CATALOG_PATH"), merged["catalog_path"], "config/catalog.json"),
		CatalogURL:    firstNonEmpty(os.Getenv("METERING_CATALOG_URL"), merged["catalog_url"]),
		LogFile:       firstNonEmpty(os.Getenv("METERING_LOG_FILE"), merged["log_file"]),
		LogLevel:      firstNonEmpty(os.Getenv("METERING_LOG_LEVEL"), merged["log_level"], "info"),
		AuthDisabled:  parseOptionalBool(firstNonEmpty(os.Getenv("METERING_AUTH_DISABLED"), merged["auth_disabled"]), false),
		WebhookSecret: firstNonEmpty(os.Getenv("METERING_WEBHOOK_SECRET"), merged["webhook_secret"]),
	}

	cfg.CatalogRefreshInterval, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("METERING_CATALOG_REFRESH_INTERVAL"), merged["catalog_refresh_interval"]), 5*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid catalog_refresh_interval: %w", err)
	}
	cfg.ShutdownGrace, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("METERING_SHUTDOWN_GRACE"), merged["shutdown_grace"]), 15*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown_grace: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LedgerDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported ledger_driver %q", c.LedgerDriver)
	}
	if c.LedgerDriver == "postgres" && c.LedgerDSN == "" {
		return errors.New("ledger_dsn is required for the postgres ledger driver")
	}
	switch c.ChatDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported chat_driver %q", c.ChatDriver)
	}
	if c.ChatDriver == "postgres" && c.ChatDSN == "" {
		return errors.New("chat_dsn is required for the postgres chat driver")
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	return dur, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's
// home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".agentbazaar", "ledger.db")
}

// DefaultChatPath returns the fallback chat message database path.
func DefaultChatPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, ".agentbazaar", "chat.db")
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.db"
	}
	return filepath.Join(home, ".agentbazaar", "identity.db")
}
