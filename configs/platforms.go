package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// PlatformPolicy holds the per-platform token and pacing rules.
type PlatformPolicy struct {
	// RefreshWindow: a token expiring within this window is due for refresh.
	RefreshWindow time.Duration
	// MinRefreshInterval: refreshes closer together than this are never attempted.
	MinRefreshInterval time.Duration
	// NoExpiry marks platforms whose tokens never expire.
	NoExpiry          bool
	RequestsPerSecond float64
	SequenceDelay     time.Duration
}

func DefaultPlatformPolicies() map[string]PlatformPolicy {
	return map[string]PlatformPolicy{
		"instagram": {RefreshWindow: 7 * 24 * time.Hour, MinRefreshInterval: 24 * time.Hour, RequestsPerSecond: 5},
		"threads":   {RefreshWindow: 7 * 24 * time.Hour, MinRefreshInterval: 24 * time.Hour, RequestsPerSecond: 5, SequenceDelay: 3 * time.Second},
		"tiktok":    {RefreshWindow: 2 * time.Hour, MinRefreshInterval: time.Hour, RequestsPerSecond: 2},
		"youtube":   {RefreshWindow: 10 * time.Minute, RequestsPerSecond: 2},
		"pinterest": {RefreshWindow: 2 * 24 * time.Hour, MinRefreshInterval: 24 * time.Hour, RequestsPerSecond: 5},
		"mastodon":  {NoExpiry: true, RequestsPerSecond: 5, SequenceDelay: 2 * time.Second},
	}
}

type platformFile struct {
	Platforms map[string]platformEntry `yaml:"platforms"`
}

type platformEntry struct {
	RefreshWindow      string  `yaml:"refresh_window"`
	MinRefreshInterval string  `yaml:"min_refresh_interval"`
	NoExpiry           *bool   `yaml:"no_expiry"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	SequenceDelay      string  `yaml:"sequence_delay"`
}

// LoadPlatformPolicies returns the built-in policies overridden by the YAML file
// at path. An empty path returns the defaults.
func LoadPlatformPolicies(path string) (map[string]PlatformPolicy, error) {
	policies := DefaultPlatformPolicies()
	if strings.TrimSpace(path) == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	return ParsePlatformPolicies(data, policies)
}

func ParsePlatformPolicies(data []byte, base map[string]PlatformPolicy) (map[string]PlatformPolicy, error) {
	var f platformFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	out := make(map[string]PlatformPolicy, len(base))
	for k, v := range base {
		out[k] = v
	}

	for name, e := range f.Platforms {
		name = strings.ToLower(strings.TrimSpace(name))
		p := out[name]
		var err error
		if p.RefreshWindow, err = parseDuration(name+".refresh_window", e.RefreshWindow, p.RefreshWindow); err != nil {
			return nil, err
		}
		if p.MinRefreshInterval, err = parseDuration(name+".min_refresh_interval", e.MinRefreshInterval, p.MinRefreshInterval); err != nil {
			return nil, err
		}
		if p.SequenceDelay, err = parseDuration(name+".sequence_delay", e.SequenceDelay, p.SequenceDelay); err != nil {
			return nil, err
		}
		if e.NoExpiry != nil {
			p.NoExpiry = *e.NoExpiry
		}
		if e.RequestsPerSecond > 0 {
			p.RequestsPerSecond = e.RequestsPerSecond
		}
		out[name] = p
	}
	return out, nil
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
