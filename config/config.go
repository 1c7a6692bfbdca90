/*
File Name:  config.go
Copyright:  2024 Fluxon Contributors

Config load/save, adapted from the teacher's Config.go / Config
Default.yaml pair: same //go:embed default document, same (status, err)
exit-code contract, with LoadConfig also returning the parsed Config
(cfg, status, err). FluxonApp has no listen-address/seed-list concerns (the
BLE transport is provided externally, §6), so those fields are replaced
with the group/store/relay tunables this spec actually exposes.
*/
package config

import (
	_ "embed"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Exit status codes mirror the teacher's LoadConfig contract.
const (
	ExitUnknownError = 0
	ExitReadError    = 1
	ExitParseError   = 2
	ExitSuccess      = 3
)

// Version is the current core library version.
const Version = "0.1"

// Config holds every FluxonApp core tunable that a host application may
// want to override. All fields have sane spec-mandated defaults; an empty
// or missing file falls back to defaultConfig entirely.
type Config struct {
	LogFile  string `yaml:"LogFile"`
	LogLevel string `yaml:"LogLevel"`

	DisplayName string `yaml:"DisplayName"`

	Relay RelayConfig `yaml:"Relay"`
	Store StoreConfig `yaml:"Store"`

	// LocationBroadcastIntervalSeconds is how often this device announces
	// its own position while location sharing is enabled (spec §4.6,
	// default 30s). Durations are expressed in whole seconds in the file
	// itself -- yaml.v3 has no native time.Duration support, matching the
	// teacher's own config, which sticks to plain scalar types throughout.
	LocationBroadcastIntervalSeconds int `yaml:"LocationBroadcastIntervalSeconds"`

	// EmergencyRebroadcastCount and EmergencyMaxRetries tune the
	// emergency repository's flood and retry behavior (spec §4.6).
	EmergencyRebroadcastCount int `yaml:"EmergencyRebroadcastCount"`
	EmergencyMaxRetries       int `yaml:"EmergencyMaxRetries"`
}

// LocationBroadcastInterval converts the configured seconds value to a
// time.Duration, for direct use by repository.LocationRepository.
func (c Config) LocationBroadcastInterval() time.Duration {
	return time.Duration(c.LocationBroadcastIntervalSeconds) * time.Second
}

// RelayConfig tunes the mesh relay engine's dedup cache and clock-skew
// tolerance (spec §4.4).
type RelayConfig struct {
	DedupCapacity      int `yaml:"DedupCapacity"`
	DedupTTLSeconds    int `yaml:"DedupTTLSeconds"`
	MaxClockSkewSeconds int `yaml:"MaxClockSkewSeconds"`
}

// DedupTTL and MaxClockSkew convert the configured seconds values to
// time.Duration, for direct use by relay.Config.
func (r RelayConfig) DedupTTL() time.Duration     { return time.Duration(r.DedupTTLSeconds) * time.Second }
func (r RelayConfig) MaxClockSkew() time.Duration { return time.Duration(r.MaxClockSkewSeconds) * time.Second }

// StoreConfig tunes the message-at-rest store's debounce policy (spec
// §4.7).
type StoreConfig struct {
	Dir                    string `yaml:"Dir"`
	DebounceWindowSeconds  int    `yaml:"DebounceWindowSeconds"`
	FlushThreshold         int    `yaml:"FlushThreshold"`
}

// DebounceWindow converts the configured seconds value to a time.Duration.
func (s StoreConfig) DebounceWindow() time.Duration {
	return time.Duration(s.DebounceWindowSeconds) * time.Second
}

var configFile string

//go:embed "Config Default.yaml"
var defaultConfig []byte

// LoadConfig reads the YAML configuration file at filename. A missing or
// empty file falls back to the embedded default document, matching the
// teacher's LoadConfig behavior.
func LoadConfig(filename string) (cfg Config, status int, err error) {
	var configData []byte
	configFile = filename

	stats, statErr := os.Stat(filename)
	switch {
	case statErr != nil && os.IsNotExist(statErr):
		configData = defaultConfig
	case statErr == nil && stats.Size() == 0:
		configData = defaultConfig
	case statErr != nil:
		return cfg, ExitUnknownError, statErr
	default:
		if configData, err = os.ReadFile(filename); err != nil {
			return cfg, ExitReadError, err
		}
	}

	if err := yaml.Unmarshal(configData, &cfg); err != nil {
		return cfg, ExitParseError, err
	}

	return cfg, ExitSuccess, nil
}

// SaveConfig writes cfg back to the file LoadConfig was given.
func SaveConfig(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, data, 0o644)
}
