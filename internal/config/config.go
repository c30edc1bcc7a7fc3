// Package config loads the boot-time mount table and tunables: a typed
// struct decoded via spf13/viper + mitchellh/mapstructure, with CLI
// overrides bound through spf13/pflag, YAML on disk via gopkg.in/yaml.v3.
//
// Grounded on gcsfuse's cfg package (cfg/types.go's LogSeverity /
// severityRanking pattern, and cmd/root.go's BindFlags + viper.Unmarshal
// sequence) and cfg/constants.go's TRACE/DEBUG/INFO/WARNING/ERROR/OFF
// string constants, generalized from "one GCS mount" to "a boot-time list
// of VFS mounts".
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Severity is a log level name, spec-grounded on gcsfuse's
// cfg.LogSeverity.
type Severity string

const (
	TRACE   Severity = "TRACE"
	DEBUG   Severity = "DEBUG"
	INFO    Severity = "INFO"
	WARNING Severity = "WARNING"
	ERROR   Severity = "ERROR"
	OFF     Severity = "OFF"
)

var severityRank = map[Severity]int{
	TRACE: 0, DEBUG: 1, INFO: 2, WARNING: 3, ERROR: 4, OFF: 5,
}

func (s *Severity) UnmarshalText(text []byte) error {
	v := Severity(strings.ToUpper(string(text)))
	if _, ok := severityRank[v]; !ok {
		return fmt.Errorf("invalid log severity %q: must be one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF", text)
	}
	*s = v
	return nil
}

// MountSpec is one entry of the boot mount table (spec §4.6.4's mount
// operation, expressed declaratively for boot-time wiring).
type MountSpec struct {
	Type     string `mapstructure:"type" yaml:"type"`
	Source   string `mapstructure:"source" yaml:"source"`
	Target   string `mapstructure:"target" yaml:"target"`
	ReadOnly bool   `mapstructure:"read_only" yaml:"read_only"`
}

// CacheConfig controls internal/blockcache sizing policy.
type CacheConfig struct {
	BlockSizeBytes   int `mapstructure:"block_size_bytes" yaml:"block_size_bytes"`
	MaxEntries       int `mapstructure:"max_entries" yaml:"max_entries"`
	SyncIntervalSecs int `mapstructure:"sync_interval_secs" yaml:"sync_interval_secs"`
}

// LogRotateConfig controls lumberjack.v2 rotation of the log file.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	BackupFileCount int  `mapstructure:"backup_file_count" yaml:"backup_file_count"`
	Compress        bool `mapstructure:"compress" yaml:"compress"`
}

// DefaultLogRotateConfig mirrors gcsfuse's default rotation policy.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

// LogConfig controls internal/logger output, mirroring gcsfuse's
// LogConfig.File/Format/Severity trio.
type LogConfig struct {
	File            string          `mapstructure:"file" yaml:"file"`
	Format          string          `mapstructure:"format" yaml:"format"`
	Severity        Severity        `mapstructure:"severity" yaml:"severity"`
	LogRotateConfig LogRotateConfig `mapstructure:"log_rotate" yaml:"log_rotate"`
}

// DebugConfig mirrors gcsfuse's cfg.DebugConfig debug toggles.
type DebugConfig struct {
	ExitOnInvariantViolation bool   `mapstructure:"exit_on_invariant_violation" yaml:"exit_on_invariant_violation"`
	LogMutexContention       bool   `mapstructure:"log_mutex_contention" yaml:"log_mutex_contention"`
	EnableTracing            bool   `mapstructure:"enable_tracing" yaml:"enable_tracing"`
	ListenAddr               string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// MountConfig is the full decoded configuration for one badgerfs boot.
type MountConfig struct {
	Mounts []MountSpec `mapstructure:"mounts" yaml:"mounts"`
	Cache  CacheConfig `mapstructure:"cache" yaml:"cache"`
	Log    LogConfig   `mapstructure:"log" yaml:"log"`
	Debug  DebugConfig `mapstructure:"debug" yaml:"debug"`
}

// Default returns the baseline configuration applied before flags, env,
// or file overrides.
func Default() MountConfig {
	return MountConfig{
		Cache: CacheConfig{BlockSizeBytes: 512, MaxEntries: 4096, SyncIntervalSecs: 5},
		Log:   LogConfig{Format: "text", Severity: INFO, LogRotateConfig: DefaultLogRotateConfig()},
	}
}

// BindFlags registers the pflag surface that overlays MountConfig,
// following gcsfuse's cfg.BindFlags/cmd.root.go pattern: each flag is
// bound to the dotted viper key matching its struct's yaml path (not the
// flag's own name) via individual viper.BindPFlag calls, so
// viper.Unmarshal sees CLI overrides layered correctly onto the nested
// config struct instead of landing as flat top-level keys.
func BindFlags(flags *pflag.FlagSet) error {
	d := Default()

	flags.String("config-file", "", "path to a YAML mount configuration")
	flags.Int("cache-block-size-bytes", d.Cache.BlockSizeBytes, "block cache page size")
	flags.Int("cache-max-entries", d.Cache.MaxEntries, "block cache capacity")
	flags.Int("cache-sync-interval-secs", d.Cache.SyncIntervalSecs, "periodic cache writeback interval")
	flags.String("log-file", d.Log.File, "log file path (empty: stderr)")
	flags.String("log-format", d.Log.Format, "log format: text or json")
	flags.String("log-severity", string(d.Log.Severity), "minimum log severity")
	flags.Bool("debug-exit-on-invariant-violation", d.Debug.ExitOnInvariantViolation, "panic on invariant check failure")
	flags.Bool("debug-log-mutex-contention", d.Debug.LogMutexContention, "log mutex acquisitions that suspend the caller")
	flags.Bool("debug-enable-tracing", d.Debug.EnableTracing, "emit otel spans for walk/mount/unmount")
	flags.String("debug-listen-addr", d.Debug.ListenAddr, "address to serve /metrics and /debug/pprof on (empty: disabled)")

	binds := map[string]string{
		"cache.block_size_bytes":            "cache-block-size-bytes",
		"cache.max_entries":                 "cache-max-entries",
		"cache.sync_interval_secs":          "cache-sync-interval-secs",
		"log.file":                          "log-file",
		"log.format":                        "log-format",
		"log.severity":                      "log-severity",
		"debug.exit_on_invariant_violation": "debug-exit-on-invariant-violation",
		"debug.log_mutex_contention":        "debug-log-mutex-contention",
		"debug.enable_tracing":              "debug-enable-tracing",
		"debug.listen_addr":                 "debug-listen-addr",
	}
	for key, flagName := range binds {
		if err := viper.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return fmt.Errorf("config: binding flag %q: %w", flagName, err)
		}
	}
	if err := viper.BindPFlag("config-file", flags.Lookup("config-file")); err != nil {
		return fmt.Errorf("config: binding flag %q: %w", "config-file", err)
	}

	return nil
}

// Load reads viper's merged configuration (flags + env + optional YAML
// file set via --config-file) into a MountConfig.
func Load(v *viper.Viper) (MountConfig, error) {
	cfg := Default()

	v.SetConfigType("yaml")
	if path := v.GetString("config-file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return MountConfig{}, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	decoderOpt := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decoderOpt); err != nil {
		return MountConfig{}, fmt.Errorf("config: decoding: %w", err)
	}

	if err := validate(cfg); err != nil {
		return MountConfig{}, err
	}
	return cfg, nil
}

func validate(cfg MountConfig) error {
	if len(cfg.Mounts) > 0 && cfg.Mounts[0].Target != "/" {
		return fmt.Errorf("config: first mount entry must target \"/\", got %q", cfg.Mounts[0].Target)
	}
	if _, ok := severityRank[cfg.Log.Severity]; !ok {
		return fmt.Errorf("config: invalid log severity %q", cfg.Log.Severity)
	}
	return nil
}
