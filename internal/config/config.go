// Package config provides tool settings for contentlayer using Viper for
// loading from a settings file, environment variables, and command-line flags.
//
// Settings are separate from the content configuration that declares
// document types: they control where output goes, how the cache is
// persisted, debounce windows, and the worker pool. Environment overrides
// use the CONTENTLAYER_ prefix (CONTENTLAYER_WORKERS_COUNT=4).
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Worker modes.
const (
	WorkerModeLocal   = "local"
	WorkerModeProcess = "process"
)

// Settings is the full tool configuration.
type Settings struct {
	Output  OutputSettings `mapstructure:"output"`
	Cache   CacheSettings  `mapstructure:"cache"`
	Build   BuildSettings  `mapstructure:"build"`
	Workers WorkerSettings `mapstructure:"workers"`
	Log     LogSettings    `mapstructure:"log"`
}

type OutputSettings struct {
	Dir string `mapstructure:"dir"`
}

type CacheSettings struct {
	File       string        `mapstructure:"file"`
	WriteDelay time.Duration `mapstructure:"write_delay"`
}

type BuildSettings struct {
	IndexDebounce  time.Duration `mapstructure:"index_debounce"`
	ConfigDebounce time.Duration `mapstructure:"config_debounce"`
	SourceDebounce time.Duration `mapstructure:"source_debounce"`
}

type WorkerSettings struct {
	Count int    `mapstructure:"count"`
	Mode  string `mapstructure:"mode"`
	// IdleTTL is how long a worker keeps an unused configuration.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
	// RestartRate is the number of crashed workers replaced per second.
	RestartRate float64 `mapstructure:"restart_rate"`
}

// RestartInterval converts RestartRate into the spacing between respawns.
func (w WorkerSettings) RestartInterval() time.Duration {
	return time.Duration(float64(time.Second) / w.RestartRate)
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Output: OutputSettings{Dir: ".contentlayer"},
		Cache: CacheSettings{
			File:       filepath.Join(".contentlayer", "cache.json"),
			WriteDelay: time.Second,
		},
		Build: BuildSettings{
			IndexDebounce:  500 * time.Millisecond,
			ConfigDebounce: 200 * time.Millisecond,
			SourceDebounce: 50 * time.Millisecond,
		},
		Workers: WorkerSettings{
			Count:       runtime.GOMAXPROCS(0),
			Mode:        WorkerModeLocal,
			IdleTTL:     time.Minute,
			RestartRate: 1,
		},
		Log: LogSettings{Level: "info", Format: "text"},
	}
}

// Keys lists every settings key.
var Keys = []string{
	"output.dir",
	"cache.file",
	"cache.write_delay",
	"build.index_debounce",
	"build.config_debounce",
	"build.source_debounce",
	"workers.count",
	"workers.mode",
	"workers.idle_ttl",
	"workers.restart_rate",
	"log.level",
	"log.format",
}

// BindEnv binds every settings key to its environment variable. Call after
// SetEnvPrefix.
func BindEnv(v *viper.Viper) {
	for _, key := range Keys {
		_ = v.BindEnv(key)
	}
}

// Load reads settings from the global viper instance, fills unset values
// from Defaults and validates the result.
func Load() (*Settings, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load for an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Settings, error) {
	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &settings, nil
}

func applyDefaults(s *Settings) {
	d := Defaults()
	if s.Output.Dir == "" {
		s.Output.Dir = d.Output.Dir
	}
	if s.Cache.File == "" {
		s.Cache.File = filepath.Join(s.Output.Dir, "cache.json")
	}
	if s.Cache.WriteDelay == 0 {
		s.Cache.WriteDelay = d.Cache.WriteDelay
	}
	if s.Build.IndexDebounce == 0 {
		s.Build.IndexDebounce = d.Build.IndexDebounce
	}
	if s.Build.ConfigDebounce == 0 {
		s.Build.ConfigDebounce = d.Build.ConfigDebounce
	}
	if s.Build.SourceDebounce == 0 {
		s.Build.SourceDebounce = d.Build.SourceDebounce
	}
	if s.Workers.Count == 0 {
		s.Workers.Count = d.Workers.Count
	}
	if s.Workers.Mode == "" {
		s.Workers.Mode = d.Workers.Mode
	}
	if s.Workers.IdleTTL == 0 {
		s.Workers.IdleTTL = d.Workers.IdleTTL
	}
	if s.Workers.RestartRate == 0 {
		s.Workers.RestartRate = d.Workers.RestartRate
	}
	if s.Log.Level == "" {
		s.Log.Level = d.Log.Level
	}
	if s.Log.Format == "" {
		s.Log.Format = d.Log.Format
	}
	s.Workers.Mode = strings.ToLower(s.Workers.Mode)
	s.Log.Level = strings.ToLower(s.Log.Level)
	s.Log.Format = strings.ToLower(s.Log.Format)
}

// validateSettings validates settings values for safety and correctness.
func validateSettings(s *Settings) error {
	if err := validatePath(s.Output.Dir); err != nil {
		return fmt.Errorf("output.dir: %w", err)
	}
	if err := validatePath(s.Cache.File); err != nil {
		return fmt.Errorf("cache.file: %w", err)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"cache.write_delay", s.Cache.WriteDelay},
		{"build.index_debounce", s.Build.IndexDebounce},
		{"build.config_debounce", s.Build.ConfigDebounce},
		{"build.source_debounce", s.Build.SourceDebounce},
		{"workers.idle_ttl", s.Workers.IdleTTL},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}

	if s.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", s.Workers.Count)
	}
	if s.Workers.RestartRate < 0 {
		return fmt.Errorf("workers.restart_rate must be positive, got %g", s.Workers.RestartRate)
	}
	switch s.Workers.Mode {
	case WorkerModeLocal, WorkerModeProcess:
	default:
		return fmt.Errorf("workers.mode %q is not one of %s, %s", s.Workers.Mode, WorkerModeLocal, WorkerModeProcess)
	}

	switch s.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", s.Log.Level)
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", s.Log.Format)
	}

	return nil
}

// validatePath rejects empty, absolute and traversing paths. Output stays
// inside the project.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)
	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("should be a relative path: %s", path)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
