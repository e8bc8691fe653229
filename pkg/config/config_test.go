package config

import (
	"os"
	"testing"
)

func TestValidateFillsDefaults(t *testing.T) {
	opts := Options{Path: "/tmp/postbox-test"}
	if err := Validate(&opts); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if opts.WorkerQueueCapacity != defaultWorkerQueueCapacity {
		t.Fatalf("WorkerQueueCapacity = %d, want %d", opts.WorkerQueueCapacity, defaultWorkerQueueCapacity)
	}
	if opts.LogLevel != defaultLogLevel {
		t.Fatalf("LogLevel = %q, want %q", opts.LogLevel, defaultLogLevel)
	}
	if opts.MaintenanceCron != defaultMaintenanceCron {
		t.Fatalf("MaintenanceCron = %q, want %q", opts.MaintenanceCron, defaultMaintenanceCron)
	}
}

func TestValidateRejectsEmptyPath(t *testing.T) {
	opts := Options{}
	if err := Validate(&opts); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestValidateRejectsInvalidCron(t *testing.T) {
	opts := Options{Path: "/tmp/postbox-test", MaintenanceCron: "not a cron"}
	if err := Validate(&opts); err == nil {
		t.Fatalf("expected error for invalid maintenance cron")
	}
}

func TestApplyEnvOverridesFields(t *testing.T) {
	os.Setenv("POSTBOX_PATH", "/tmp/from-env")
	os.Setenv("POSTBOX_WORKER_QUEUE_CAPACITY", "42")
	os.Setenv("POSTBOX_SYNC_WRITES", "true")
	os.Setenv("POSTBOX_METRICS_ENABLED", "1")
	os.Setenv("POSTBOX_TELEMETRY_ENABLED", "true")
	os.Setenv("POSTBOX_MAX_TRANSACTIONS_PER_SECOND", "100.5")
	defer func() {
		for _, k := range []string{
			"POSTBOX_PATH", "POSTBOX_WORKER_QUEUE_CAPACITY", "POSTBOX_SYNC_WRITES",
			"POSTBOX_METRICS_ENABLED", "POSTBOX_TELEMETRY_ENABLED", "POSTBOX_MAX_TRANSACTIONS_PER_SECOND",
		} {
			os.Unsetenv(k)
		}
	}()

	var opts Options
	applyEnv(&opts)

	if opts.Path != "/tmp/from-env" {
		t.Fatalf("Path = %q", opts.Path)
	}
	if opts.WorkerQueueCapacity != 42 {
		t.Fatalf("WorkerQueueCapacity = %d", opts.WorkerQueueCapacity)
	}
	if !opts.SyncWrites {
		t.Fatalf("SyncWrites = false")
	}
	if !opts.MetricsEnabled {
		t.Fatalf("MetricsEnabled = false")
	}
	if !opts.TelemetryEnabled {
		t.Fatalf("TelemetryEnabled = false")
	}
	if opts.MaxTransactionsPerSecond != 100.5 {
		t.Fatalf("MaxTransactionsPerSecond = %v", opts.MaxTransactionsPerSecond)
	}
}

func TestLoadMissingFileFallsBackToEnvAndDefaults(t *testing.T) {
	os.Setenv("POSTBOX_PATH", "/tmp/postbox-load-test")
	defer os.Unsetenv("POSTBOX_PATH")

	opts, err := Load("/nonexistent/path/to/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.WorkerQueueCapacity != defaultWorkerQueueCapacity {
		t.Fatalf("WorkerQueueCapacity = %d, want default", opts.WorkerQueueCapacity)
	}
}
