package config

import (
	"testing"
	"time"

	"github.com/marmos91/gridftp/internal/bytesize"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected default log output 'stderr', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Client(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Client.Mode != "extended_block" {
		t.Errorf("Expected default mode 'extended_block', got %q", cfg.Client.Mode)
	}
	if cfg.Client.Parallelism != 4 {
		t.Errorf("Expected default parallelism 4, got %d", cfg.Client.Parallelism)
	}
	if cfg.Client.BlockSize != bytesize.MiB {
		t.Errorf("Expected default block size 1Mi, got %v", cfg.Client.BlockSize)
	}
	if cfg.Client.TCPBuffer != 0 {
		t.Errorf("Expected tcp buffer to stay unset, got %v", cfg.Client.TCPBuffer)
	}
	if cfg.Client.AbortTimeout != 10*time.Second {
		t.Errorf("Expected default abort timeout 10s, got %v", cfg.Client.AbortTimeout)
	}
	if cfg.Client.Timeout != 0 {
		t.Errorf("Expected no default timeout, got %v", cfg.Client.Timeout)
	}
}

func TestApplyDefaults_Metrics(t *testing.T) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)

	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Metrics.Port)
	}

	cfg = &Config{}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 0 {
		t.Errorf("Expected no metrics port when disabled, got %d", cfg.Metrics.Port)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "DEBUG",
			Format: "json",
			Output: "/var/log/gridftp.log",
		},
		Client: ClientConfig{
			Mode:        "Stream",
			Type:        "ASCII",
			Parallelism: 2,
			BlockSize:   64 * bytesize.KiB,
		},
	}

	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected explicit level 'DEBUG' to be preserved, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "/var/log/gridftp.log" {
		t.Errorf("Expected explicit output to be preserved, got %q", cfg.Logging.Output)
	}
	if cfg.Client.Mode != "stream" {
		t.Errorf("Expected mode normalized to 'stream', got %q", cfg.Client.Mode)
	}
	if cfg.Client.Type != "ascii" {
		t.Errorf("Expected type normalized to 'ascii', got %q", cfg.Client.Type)
	}
	if cfg.Client.Parallelism != 2 {
		t.Errorf("Expected explicit parallelism 2 to be preserved, got %d", cfg.Client.Parallelism)
	}
	if cfg.Client.BlockSize != 64*bytesize.KiB {
		t.Errorf("Expected explicit block size to be preserved, got %v", cfg.Client.BlockSize)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("Default config should be valid, got error: %v", err)
	}
}
