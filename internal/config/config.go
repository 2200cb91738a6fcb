package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/genricoloni/mprisence/internal/domain"
	"github.com/genricoloni/mprisence/internal/formatter"
)

const (
	AppName    = "mprisence"
	AppVersion = "0.4.0"

	envPrefix = "MPRISENCE"

	defaultPollInterval = 2 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultArtTimeout   = 10 * time.Second
	defaultAsset        = "music"

	backoffInitial    = 500 * time.Millisecond
	backoffMultiplier = 1.5
)

// Config is the validated runtime configuration.
type Config struct {
	ApplicationID string
	Eligibility   domain.EligibilityConfig
	Format        domain.FormatConfig
	PollInterval  time.Duration
	MaxBackoff    time.Duration
	LogLevel      zapcore.Level
	CoverArt      CoverArtConfig

	// Path is the config file that was read, empty when running from env only
	Path string
}

// CoverArtConfig controls the optional MusicBrainz artwork lookup.
type CoverArtConfig struct {
	Enabled bool
	Timeout time.Duration
}

// ConfigError is a fatal startup error caused by missing or malformed options.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "invalid configuration"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Dir returns the per-user configuration directory ($XDG_CONFIG_HOME/mprisence).
func Dir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, AppName)
}

// Load reads .env files, the config file (explicit path or search path) and the
// environment, then validates the result. Every returned error is a *ConfigError.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := newViper()
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory and the config directory.
// Variables already present in the environment win. A missing file is
// skipped, a malformed one is a ConfigError.
func loadDotEnv() error {
	files := []string{".env"}
	if dir := Dir(); dir != "" {
		files = append(files, filepath.Join(dir, ".env"))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return &ConfigError{Field: "env", Reason: "cannot parse " + f, Err: err}
		}
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("allow-list", []string{})
	v.SetDefault("deny-list", []string{})
	v.SetDefault("templates.details", "{title}")
	v.SetDefault("templates.state", "by {artist}")
	v.SetDefault("templates.large-text", "{album}")
	v.SetDefault("asset-map", map[string]string{})
	v.SetDefault("default-asset", defaultAsset)
	v.SetDefault("poll-interval", defaultPollInterval.String())
	v.SetDefault("log-level", "info")
	v.SetDefault("backoff.max-interval", defaultMaxBackoff.String())
	v.SetDefault("cover-art.enabled", false)
	v.SetDefault("cover-art.timeout", defaultArtTimeout.String())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// Names used by the original .env based installs
	_ = v.BindEnv("application-id", envPrefix+"_APPLICATION_ID", "application_id")
	_ = v.BindEnv("deny-list", envPrefix+"_DENY_LIST", "ignored_players")
	_ = v.BindEnv("poll-interval", envPrefix+"_POLL_INTERVAL", "update_interval")

	return v
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return &ConfigError{Field: "config", Reason: "cannot read " + path, Err: err}
		}
		return nil
	}

	v.SetConfigName("config")
	if dir := Dir(); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(filepath.Join("/etc", AppName))

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with env and defaults if not found
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return &ConfigError{Field: "config", Reason: "cannot parse config file", Err: err}
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	poll, err := durationValue(v, "poll-interval")
	if err != nil {
		return nil, err
	}
	maxBackoff, err := durationValue(v, "backoff.max-interval")
	if err != nil {
		return nil, err
	}
	artTimeout, err := durationValue(v, "cover-art.timeout")
	if err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, &ConfigError{Field: "log-level", Err: err}
	}

	assets := make(map[string]string)
	for k, val := range v.GetStringMapString("asset-map") {
		assets[strings.ToLower(k)] = val
	}

	return &Config{
		ApplicationID: strings.TrimSpace(v.GetString("application-id")),
		Eligibility: domain.EligibilityConfig{
			Allow: stringList(v.Get("allow-list")),
			Deny:  stringList(v.Get("deny-list")),
		},
		Format: domain.FormatConfig{
			Templates: domain.Templates{
				Details:   v.GetString("templates.details"),
				State:     v.GetString("templates.state"),
				LargeText: v.GetString("templates.large-text"),
			},
			AssetMap:     assets,
			DefaultAsset: v.GetString("default-asset"),
		},
		PollInterval: poll,
		MaxBackoff:   maxBackoff,
		LogLevel:     level,
		CoverArt: CoverArtConfig{
			Enabled: v.GetBool("cover-art.enabled"),
			Timeout: artTimeout,
		},
		Path: v.ConfigFileUsed(),
	}, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ApplicationID == "" {
		return &ConfigError{Field: "application-id", Reason: "required"}
	}
	if _, err := strconv.ParseUint(c.ApplicationID, 10, 64); err != nil {
		return &ConfigError{Field: "application-id", Reason: "must be a numeric application id"}
	}

	templates := map[string]string{
		"templates.details":    c.Format.Templates.Details,
		"templates.state":      c.Format.Templates.State,
		"templates.large-text": c.Format.Templates.LargeText,
	}
	for field, tmpl := range templates {
		if err := formatter.ValidateTemplate(tmpl); err != nil {
			return &ConfigError{Field: field, Err: err}
		}
	}

	if c.PollInterval <= 0 {
		return &ConfigError{Field: "poll-interval", Reason: "must be positive"}
	}
	if c.MaxBackoff <= 0 {
		return &ConfigError{Field: "backoff.max-interval", Reason: "must be positive"}
	}
	if c.CoverArt.Timeout <= 0 {
		return &ConfigError{Field: "cover-art.timeout", Reason: "must be positive"}
	}
	return nil
}

// NewBackOff returns the reconnect policy shared by the bus and presence
// loops. It never gives up.
func (c *Config) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.Multiplier = backoffMultiplier
	b.MaxInterval = c.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// stringList accepts YAML/TOML arrays as well as comma separated env values.
func stringList(raw any) []string {
	var items []string
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		items = strings.Split(val, ",")
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	default:
		items = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// durationValue parses "5s", "1m30s" or a bare integer in milliseconds.
func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	switch val := v.Get(key).(type) {
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Millisecond, nil
	case int64:
		return time.Duration(val) * time.Millisecond, nil
	case float64:
		return time.Duration(val * float64(time.Millisecond)), nil
	default:
		d, err := parseDuration(fmt.Sprint(val))
		if err != nil {
			return 0, &ConfigError{Field: key, Err: err}
		}
		return d, nil
	}
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: must be like '500ms', '2s' or milliseconds: %w", s, err)
	}
	return d, nil
}
