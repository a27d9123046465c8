// Package config gathers the command-line and environment configuration for
// the ietfdata tool. Flags win over environment variables, which win over
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// Config captures everything the tool needs to reach its upstreams and
// place its cache.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	CachePath          string
	DatatrackerURL     string
	LogLevel           string
	LogDir             string
}

// envDefaults mirrors the IETFDATA_* environment variables the original
// deployment conventions use; they seed the flag defaults.
type envDefaults struct {
	IMAPHost       string `env:"IETFDATA_IMAP_HOST" envDefault:"imap.ietf.org"`
	IMAPPort       int    `env:"IETFDATA_IMAP_PORT" envDefault:"143"`
	IMAPUser       string `env:"IETFDATA_IMAP_USER" envDefault:"anonymous"`
	IMAPPass       string `env:"IETFDATA_IMAP_PASS" envDefault:"anonymous"`
	CachePath      string `env:"IETFDATA_CACHE_PATH"`
	DatatrackerURL string `env:"IETFDATA_DT_URL" envDefault:"https://datatracker.ietf.org"`
	LogLevel       string `env:"IETFDATA_LOGLEVEL" envDefault:"info"`
	LogDir         string `env:"IETFDATA_LOG_DIR"`
}

func loadEnvDefaults() (envDefaults, error) {
	var defaults envDefaults
	if err := env.Parse(&defaults); err != nil {
		return envDefaults{}, fmt.Errorf("parse environment: %w", err)
	}
	if defaults.CachePath == "" {
		path, err := defaultCachePath()
		if err != nil {
			return envDefaults{}, err
		}
		defaults.CachePath = path
	}
	return defaults, nil
}

// RegisterFlags attaches all persistent CLI flags to the root command.
func RegisterFlags(cmd *cobra.Command) error {
	defaults, err := loadEnvDefaults()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("imap-host", defaults.IMAPHost, "IMAP archive server hostname")
	flags.Int("imap-port", defaults.IMAPPort, "IMAP archive server port")
	flags.String("imap-user", defaults.IMAPUser, "IMAP username (public archive accepts anonymous)")
	flags.String("imap-pass", defaults.IMAPPass, "IMAP password")
	flags.Bool("use-tls", false, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("cache", defaults.CachePath, "Path to the local cache database")
	flags.String("datatracker-url", defaults.DatatrackerURL, "Datatracker API origin")
	flags.String("log-level", defaults.LogLevel, "Logging level: debug, info, warn, error")
	flags.String("log-dir", defaults.LogDir, "Directory for log files (empty logs to stdout only)")
	return nil
}

// Load converts the parsed flags into a validated Config.
func Load(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	cachePath, err := flags.GetString("cache")
	if err != nil {
		return Config{}, err
	}
	datatrackerURL, err := flags.GetString("datatracker-url")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		CachePath:          filepath.Clean(cachePath),
		DatatrackerURL:     datatrackerURL,
		LogLevel:           logLevel,
		LogDir:             logDir,
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.CachePath == "" {
		return fmt.Errorf("--cache is required")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	return nil
}

func defaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ietfdata", "cache.db"), nil
}
