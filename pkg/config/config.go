// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads perfkit settings.
//
// Values are layered, later layers winning:
//
//  1. Default()
//  2. the YAML file given to Load, if any
//  3. environment variables (PERFKIT_* and the standard OTEL_* names)
//  4. command-line flags, applied by the caller
//
// The result is validated with struct tags before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every load and validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete perfkit configuration.
type Config struct {
	Wave      WaveConfig      `yaml:"wave" envPrefix:"PERFKIT_WAVE_"`
	Profiler  ProfilerConfig  `yaml:"profiler" envPrefix:"PERFKIT_PROFILER_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"PERFKIT_LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Baseline  BaselineConfig  `yaml:"baseline" envPrefix:"PERFKIT_BASELINE_"`
	Report    ReportConfig    `yaml:"report" envPrefix:"PERFKIT_REPORT_"`
}

// WaveConfig controls the repetition tester and built-in workloads.
type WaveConfig struct {
	// Budget is how long a wave keeps running without a new minimum.
	Budget time.Duration `yaml:"budget" env:"BUDGET" validate:"gte=0"`

	// Rounds is the number of passes over all cases. 0 runs until interrupted.
	Rounds int `yaml:"rounds" env:"ROUNDS" validate:"gte=0"`

	// File is the input file for read workloads. Empty creates a temp file.
	File string `yaml:"file" env:"FILE"`

	// Size is the byte size of generated inputs and write buffers.
	Size int64 `yaml:"size" env:"SIZE" validate:"gt=0"`

	// ChunkSize is the read size of the buffered workload.
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE" validate:"gt=0"`

	// Workloads selects cases by name. Empty runs all.
	Workloads []string `yaml:"workloads,omitempty" env:"WORKLOADS" envSeparator:","`

	// PageFaults enables the OS page-fault counter.
	PageFaults bool `yaml:"page_faults" env:"PAGE_FAULTS"`
}

// ProfilerConfig toggles the span profiler.
type ProfilerConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// LoggingConfig mirrors logging.Config in file form.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// TelemetryConfig selects metric and trace destinations.
type TelemetryConfig struct {
	ServiceName    string       `yaml:"service_name" env:"OTEL_SERVICE_NAME" validate:"required"`
	TraceExporter  string       `yaml:"trace_exporter" env:"PERFKIT_TRACE_EXPORTER" validate:"oneof=none stdout otlp"`
	MetricExporter string       `yaml:"metric_exporter" env:"PERFKIT_METRIC_EXPORTER" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string       `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure   bool         `yaml:"otlp_insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Prometheus     bool         `yaml:"prometheus" env:"PERFKIT_PROMETHEUS"`
	Listen         string       `yaml:"listen" env:"PERFKIT_LISTEN" validate:"omitempty,hostname_port"`
	Influx         InfluxConfig `yaml:"influx" envPrefix:"PERFKIT_INFLUX_"`
}

// InfluxConfig enables the InfluxDB sink when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" env:"URL" validate:"omitempty,url"`
	Token  string `yaml:"token" env:"TOKEN"`
	Org    string `yaml:"org" env:"ORG" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" env:"BUCKET" validate:"required_with=URL"`
}

// BaselineConfig locates the baseline store.
type BaselineConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH" validate:"required_if=Enabled true"`
}

// ReportConfig controls exported summaries.
type ReportConfig struct {
	Markdown string `yaml:"markdown" env:"MARKDOWN"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Wave: WaveConfig{
			Budget:     10 * time.Second,
			Rounds:     1,
			Size:       64 << 20,
			ChunkSize:  800 << 10,
			PageFaults: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "perfkit",
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Baseline: BaselineConfig{
			Path: filepath.Join(".perfkit", "baseline"),
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path and the
// environment, then validates it.
//
// Inputs:
//   - path: YAML file to overlay. Empty skips the file layer.
//
// Outputs:
//   - *Config: The merged configuration.
//   - error: Wraps ErrInvalidConfig on read, parse or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

var validate = validator.New()

// Validate checks struct-tag constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// WriteDefault writes Default() as YAML to path, creating parent
// directories. An existing file is left untouched and reported as an error.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
