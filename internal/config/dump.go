package config

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the on-disk layout of config.toml.
type fileConfig struct {
	ApplicationID string            `toml:"application-id"`
	AllowList     []string          `toml:"allow-list"`
	DenyList      []string          `toml:"deny-list"`
	PollInterval  string            `toml:"poll-interval"`
	LogLevel      string            `toml:"log-level"`
	DefaultAsset  string            `toml:"default-asset"`
	AssetMap      map[string]string `toml:"asset-map"`
	Templates     fileTemplates     `toml:"templates"`
	Backoff       fileBackoff       `toml:"backoff"`
	CoverArt      fileCoverArt      `toml:"cover-art"`
}

type fileTemplates struct {
	Details   string `toml:"details"`
	State     string `toml:"state"`
	LargeText string `toml:"large-text"`
}

type fileBackoff struct {
	MaxInterval string `toml:"max-interval"`
}

type fileCoverArt struct {
	Enabled bool   `toml:"enabled"`
	Timeout string `toml:"timeout"`
}

// ToTOML renders cfg in the config.toml layout accepted by Load.
func ToTOML(cfg *Config) ([]byte, error) {
	fc := fileConfig{
		ApplicationID: cfg.ApplicationID,
		AllowList:     nonNil(cfg.Eligibility.Allow),
		DenyList:      nonNil(cfg.Eligibility.Deny),
		PollInterval:  cfg.PollInterval.String(),
		LogLevel:      cfg.LogLevel.String(),
		DefaultAsset:  cfg.Format.DefaultAsset,
		AssetMap:      cfg.Format.AssetMap,
		Templates: fileTemplates{
			Details:   cfg.Format.Templates.Details,
			State:     cfg.Format.Templates.State,
			LargeText: cfg.Format.Templates.LargeText,
		},
		Backoff: fileBackoff{MaxInterval: cfg.MaxBackoff.String()},
		CoverArt: fileCoverArt{
			Enabled: cfg.CoverArt.Enabled,
			Timeout: cfg.CoverArt.Timeout.String(),
		},
	}
	if fc.AssetMap == nil {
		fc.AssetMap = map[string]string{}
	}

	data, err := toml.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
