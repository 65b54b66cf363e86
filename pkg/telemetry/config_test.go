package telemetry

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no service name", func(c *Config) { c.ServiceName = "" }},
		{"no service version", func(c *Config) { c.ServiceVersion = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad trace exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }},
		{"sampling rate out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }},
		{"events without buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewLoggerLevel(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if got := log.Zerolog().GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %s, want warn", got)
	}

	log, err = NewLogger(LoggingConfig{Level: "nonsense", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if got := log.Zerolog().GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("unknown level = %s, want info default", got)
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := t.TempDir() + "/engine.log"
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("hello")
}
