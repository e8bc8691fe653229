// Package config loads the options a Postbox needs to open: where it
// stores its data, how its worker is sized, and how aggressively it
// syncs to disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the scale the teacher stack uses for its own ingest
// worker pool, scaled down to a single embedded store.
const (
	defaultWorkerQueueCapacity = 1024
	defaultLogLevel            = "info"
	defaultMaintenanceCron     = "0 3 * * *" // daily at 03:00
)

// Options configures Postbox.Open.
type Options struct {
	// Path is the directory the underlying ValueBox stores its files in.
	Path string `yaml:"path"`
	// WorkerQueueCapacity bounds the number of in-flight submitted
	// transactions before Transaction() blocks the caller.
	WorkerQueueCapacity int `yaml:"worker_queue_capacity"`
	// SyncWrites forces an fsync on every transaction commit when true.
	SyncWrites bool `yaml:"sync_writes"`
	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log_level"`
	// MetricsEnabled toggles Prometheus collector registration.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// TelemetryEnabled toggles per-transaction trace files under the
	// store's telemetry directory.
	TelemetryEnabled bool `yaml:"telemetry_enabled"`
	// MaintenanceCron schedules the temporary-account reclamation sweep;
	// Validate replaces an empty value with the daily 03:00 default.
	MaintenanceCron string `yaml:"maintenance_cron"`
	// MaxTransactionsPerSecond throttles how fast Transaction() submits
	// work to the worker; zero or negative means unlimited.
	MaxTransactionsPerSecond float64 `yaml:"max_transactions_per_second"`
}

// Load reads YAML configuration from path (if non-empty and present) and
// layers POSTBOX_* environment variables on top, then validates the
// result and fills in defaults.
func Load(path string) (Options, error) {
	var opts Options
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Options{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(b, &opts); err != nil {
			return Options{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&opts)
	if err := Validate(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func applyEnv(opts *Options) {
	if v := os.Getenv("POSTBOX_PATH"); v != "" {
		opts.Path = v
	}
	if v := os.Getenv("POSTBOX_WORKER_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.WorkerQueueCapacity = n
		}
	}
	if v := os.Getenv("POSTBOX_SYNC_WRITES"); v != "" {
		opts.SyncWrites = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("POSTBOX_LOG_LEVEL"); v != "" {
		opts.LogLevel = v
	}
	if v := os.Getenv("POSTBOX_METRICS_ENABLED"); v != "" {
		opts.MetricsEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("POSTBOX_TELEMETRY_ENABLED"); v != "" {
		opts.TelemetryEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("POSTBOX_MAINTENANCE_CRON"); v != "" {
		opts.MaintenanceCron = v
	}
	if v := os.Getenv("POSTBOX_MAX_TRANSACTIONS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.MaxTransactionsPerSecond = f
		}
	}
}

// Validate fails fast on an unusable configuration and fills in defaults
// for everything left unset.
func Validate(opts *Options) error {
	if strings.TrimSpace(opts.Path) == "" {
		return fmt.Errorf("config: path is empty")
	}
	if opts.WorkerQueueCapacity <= 0 {
		opts.WorkerQueueCapacity = defaultWorkerQueueCapacity
	}
	if strings.TrimSpace(opts.LogLevel) == "" {
		opts.LogLevel = defaultLogLevel
	}
	if strings.TrimSpace(opts.MaintenanceCron) == "" {
		opts.MaintenanceCron = defaultMaintenanceCron
	}
	if !gronx.IsValid(opts.MaintenanceCron) {
		return fmt.Errorf("config: invalid maintenance_cron expression %q", opts.MaintenanceCron)
	}
	return nil
}
