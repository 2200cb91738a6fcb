package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// isolate keeps the host's config files and environment out of Load
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	for _, key := range []string{
		"MPRISENCE_APPLICATION_ID", "MPRISENCE_DENY_LIST", "MPRISENCE_POLL_INTERVAL",
		"MPRISENCE_LOG_LEVEL", "application_id", "ignored_players", "update_interval",
	} {
		t.Setenv(key, "")
	}
	chdir(t, dir)
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingApplicationID(t *testing.T) {
	isolate(t)

	_, err := Load("")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "application-id", cfgErr.Field)
}

func TestLoad_NonNumericApplicationID(t *testing.T) {
	isolate(t)
	t.Setenv("MPRISENCE_APPLICATION_ID", "not-a-number")

	_, err := Load("")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "application-id", cfgErr.Field)
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("MPRISENCE_APPLICATION_ID", "1234")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "1234", cfg.ApplicationID)
	assert.Equal(t, "{title}", cfg.Format.Templates.Details)
	assert.Equal(t, "by {artist}", cfg.Format.Templates.State)
	assert.Equal(t, "{album}", cfg.Format.Templates.LargeText)
	assert.Equal(t, "music", cfg.Format.DefaultAsset)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel)
	assert.False(t, cfg.CoverArt.Enabled)
	assert.Equal(t, 10*time.Second, cfg.CoverArt.Timeout)
	assert.Empty(t, cfg.Eligibility.Deny)
	assert.Empty(t, cfg.Path)
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	isolate(t)
	t.Setenv("application_id", "987654")
	t.Setenv("ignored_players", "Firefox, chromium ,")
	t.Setenv("update_interval", "500")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "987654", cfg.ApplicationID)
	assert.Equal(t, []string{"Firefox", "chromium"}, cfg.Eligibility.Deny)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, dir, ".env", "MPRISENCE_APPLICATION_ID=555\n")
	t.Cleanup(func() { _ = os.Unsetenv("MPRISENCE_APPLICATION_ID") })
	require.NoError(t, os.Unsetenv("MPRISENCE_APPLICATION_ID"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "555", cfg.ApplicationID)
}

func TestLoad_MalformedDotEnvFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("MPRISENCE_APPLICATION_ID", "555")
	writeFile(t, dir, ".env", "BROKEN=\"never closed\n")

	_, err := Load("")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "env", cfgErr.Field)
	assert.Contains(t, cfgErr.Error(), ".env")
}

func TestLoad_TOMLFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "config.toml", `
application-id = "42"
allow-list = ["spotify", "vlc"]
deny-list = ["firefox"]
poll-interval = 1500
log-level = "debug"
default-asset = "note"

[templates]
details = "{title} ({status})"
state = "{artist}"
large-text = "{album} on {player}"

[asset-map]
Spotify = "spotify_logo"

[backoff]
max-interval = "1m"

[cover-art]
enabled = true
timeout = "3s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "42", cfg.ApplicationID)
	assert.Equal(t, []string{"spotify", "vlc"}, cfg.Eligibility.Allow)
	assert.Equal(t, []string{"firefox"}, cfg.Eligibility.Deny)
	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "note", cfg.Format.DefaultAsset)
	assert.Equal(t, "{title} ({status})", cfg.Format.Templates.Details)
	assert.Equal(t, "{album} on {player}", cfg.Format.Templates.LargeText)
	assert.Equal(t, map[string]string{"spotify": "spotify_logo"}, cfg.Format.AssetMap)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)
	assert.True(t, cfg.CoverArt.Enabled)
	assert.Equal(t, 3*time.Second, cfg.CoverArt.Timeout)
	assert.Equal(t, path, cfg.Path)
}

func TestLoad_SearchPath(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, AppName), 0o755))
	writeFile(t, filepath.Join(dir, AppName), "config.toml", `application-id = "77"`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "77", cfg.ApplicationID)
	assert.Equal(t, filepath.Join(dir, AppName, "config.toml"), cfg.Path)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"malformed template", "application-id = \"1\"\n[templates]\ndetails = \"{title\"\n", "templates.details"},
		{"nested braces", "application-id = \"1\"\n[templates]\nstate = \"{a{b}}\"\n", "templates.state"},
		{"bad duration", "application-id = \"1\"\npoll-interval = \"soon\"\n", "poll-interval"},
		{"zero poll interval", "application-id = \"1\"\npoll-interval = 0\n", "poll-interval"},
		{"bad log level", "application-id = \"1\"\nlog-level = \"loud\"\n", "log-level"},
		{"bad backoff", "application-id = \"1\"\n[backoff]\nmax-interval = \"-1s\"\n", "backoff.max-interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			path := writeFile(t, dir, "config.toml", tt.content)

			_, err := Load(path)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoad_UnreadableExplicitPath(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "missing.toml"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config", cfgErr.Field)
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Field: "poll-interval", Reason: "must be positive"}
	assert.Equal(t, "invalid configuration: poll-interval: must be positive", err.Error())

	inner := errors.New("boom")
	wrapped := &ConfigError{Field: "config", Err: inner}
	assert.ErrorIs(t, wrapped, inner)
}

func TestToTOMLRoundTrip(t *testing.T) {
	dir := isolate(t)
	src := writeFile(t, dir, "config.toml", `
application-id = "42"
deny-list = ["firefox"]
poll-interval = "3s"

[templates]
details = "{title}!"

[asset-map]
vlc = "cone"
`)
	cfg, err := Load(src)
	require.NoError(t, err)

	data, err := ToTOML(cfg)
	require.NoError(t, err)

	dumped := writeFile(t, dir, "dumped.toml", string(data))
	again, err := Load(dumped)
	require.NoError(t, err)

	assert.Equal(t, cfg.ApplicationID, again.ApplicationID)
	assert.Equal(t, cfg.Eligibility.Deny, again.Eligibility.Deny)
	assert.Equal(t, cfg.Format, again.Format)
	assert.Equal(t, cfg.PollInterval, again.PollInterval)
	assert.Equal(t, cfg.MaxBackoff, again.MaxBackoff)
	assert.Equal(t, cfg.LogLevel, again.LogLevel)
	assert.Equal(t, cfg.CoverArt, again.CoverArt)
}

func TestNewBackOff(t *testing.T) {
	cfg := &Config{MaxBackoff: 5 * time.Second}
	b := cfg.NewBackOff()

	assert.Equal(t, 500*time.Millisecond, b.InitialInterval)
	assert.Equal(t, 1.5, b.Multiplier)
	assert.Equal(t, 5*time.Second, b.MaxInterval)
	assert.Zero(t, b.MaxElapsedTime)

	// Never gives up, and never exceeds the cap (plus jitter)
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Duration(float64(5*time.Second)*(1+b.RandomizationFactor)))
	}
}

func TestWatcher_NoPath(t *testing.T) {
	w := NewWatcher(zap.NewNop(), &Config{})
	assert.Nil(t, w.Updates())
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "config.toml", "application-id = \"1\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(zap.NewNop(), cfg)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	// An invalid file is rejected and nothing is published
	writeFile(t, dir, "config.toml", "application-id = \"1\"\n[templates]\ndetails = \"{oops\"\n")
	select {
	case got := <-w.Updates():
		t.Fatalf("invalid config published: %+v", got)
	case <-time.After(4 * reloadDebounce):
	}

	writeFile(t, dir, "config.toml", "application-id = \"1\"\n[templates]\ndetails = \"now {title}\"\n")
	select {
	case got := <-w.Updates():
		assert.Equal(t, "now {title}", got.Format.Templates.Details)
	case <-time.After(3 * time.Second):
		t.Fatal("no configuration reloaded")
	}
}

// chdir changes the working directory for the duration of the test
// (stand-in for testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
