package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of securewipe.
type Config struct {
	Security    SecurityConfig    `yaml:"security"`
	Erase       EraseConfig       `yaml:"erase"`
	Verify      VerifyConfig      `yaml:"verify"`
	Logging     LoggingConfig     `yaml:"logging"`
	Certificate CertificateConfig `yaml:"certificate"`
	Reporting   ReportingConfig   `yaml:"reporting"`
}

type SecurityConfig struct {
	RequireAdmin        bool     `yaml:"require_admin"`
	RequireConfirmation bool     `yaml:"require_confirmation"`
	AllowSystemDisk     bool     `yaml:"allow_system_disk"`
	AllowMounted        bool     `yaml:"allow_mounted"`
	ExcludedDevices     []string `yaml:"excluded_devices"`
}

type EraseConfig struct {
	// DefaultMethod is "auto" or a method kind such as "overwrite".
	DefaultMethod       string   `yaml:"default_method"`
	OverwritePattern    string   `yaml:"overwrite_pattern"`
	ChunkSize           int64    `yaml:"chunk_size"`
	MaxSpeedMBps        float64  `yaml:"max_speed_mbps"`
	IORetries           int      `yaml:"io_retries"`
	HardwareTimeout     string   `yaml:"hardware_timeout"`
	PollInterval        string   `yaml:"poll_interval"`
	AllowMasterPassword bool     `yaml:"allow_master_password"`
	ExcludeMethods      []string `yaml:"exclude_methods"`
	SedutilPath         string   `yaml:"sedutil_path"`
	ProgressBuffer      int      `yaml:"progress_buffer"`
}

type VerifyConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"`
	SamplePercent float64 `yaml:"sample_percent"`
	RegionBytes   int64   `yaml:"region_bytes"`
	Fingerprint   int     `yaml:"fingerprint_sectors"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	Structured bool   `yaml:"structured"`
}

type CertificateConfig struct {
	Enabled      bool     `yaml:"enabled"`
	OutputDir    string   `yaml:"output_dir"`
	Formats      []string `yaml:"formats"`
	KeyFile      string   `yaml:"key_file"`
	LedgerPath   string   `yaml:"ledger_path"`
	Operator     string   `yaml:"operator"`
	Organization string   `yaml:"organization"`
}

type ReportingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	LocalPath string `yaml:"local_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			RequireAdmin:        true,
			RequireConfirmation: true,
			AllowSystemDisk:     false,
			AllowMounted:        false,
			ExcludedDevices:     []string{},
		},
		Erase: EraseConfig{
			DefaultMethod:    "auto",
			OverwritePattern: "random",
			ChunkSize:        4 * 1024 * 1024, // 4MB
			MaxSpeedMBps:     0,
			IORetries:        3,
			HardwareTimeout:  "8h",
			PollInterval:     "2s",
			SedutilPath:      "sedutil-cli",
			ProgressBuffer:   64,
		},
		Verify: VerifyConfig{
			Enabled:       true,
			Mode:          "sample",
			SamplePercent: 0.1,
			RegionBytes:   1024 * 1024,
			Fingerprint:   256,
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			File:       "",
			Structured: false,
		},
		Certificate: CertificateConfig{
			Enabled:    true,
			OutputDir:  "./certificates",
			Formats:    []string{"json"},
			KeyFile:    "./certificates/signing.key",
			LedgerPath: "./certificates/ledger.db",
		},
		Reporting: ReportingConfig{
			Enabled:   true,
			LocalPath: "./reports",
		},
	}
}

// Load reads the configuration at path. An empty path or a missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

var (
	validMethods  = map[string]bool{"auto": true, "overwrite": true, "ata-secure-erase": true, "nvme-sanitize": true, "nvme-format": true, "crypto-erase": true}
	validPatterns = map[string]bool{"zero": true, "random": true, "dod": true, "gutmann": true}
	validLevels   = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
	validFormats  = map[string]bool{"json": true, "yaml": true, "cbor": true}
)

// Validate checks ranges and enumerations in config.
func Validate(config *Config) error {
	e := config.Erase
	if !validMethods[e.DefaultMethod] {
		return fmt.Errorf("invalid default method: %s", e.DefaultMethod)
	}
	for _, m := range e.ExcludeMethods {
		if !validMethods[m] || m == "auto" || m == "overwrite" {
			return fmt.Errorf("method cannot be excluded: %s", m)
		}
	}
	if !validPatterns[e.OverwritePattern] {
		return fmt.Errorf("invalid overwrite pattern: %s", e.OverwritePattern)
	}
	if e.ChunkSize < 4096 || e.ChunkSize%4096 != 0 {
		return fmt.Errorf("chunk size must be a positive multiple of 4096, got %d", e.ChunkSize)
	}
	if e.ChunkSize > 256*1024*1024 {
		return fmt.Errorf("chunk size too large (max 256MB), got %d", e.ChunkSize)
	}
	if e.MaxSpeedMBps < 0 {
		return fmt.Errorf("max speed cannot be negative, got %f", e.MaxSpeedMBps)
	}
	if e.IORetries < 0 || e.IORetries > 10 {
		return fmt.Errorf("io retries must be between 0 and 10, got %d", e.IORetries)
	}
	for name, v := range map[string]string{"hardware_timeout": e.HardwareTimeout, "poll_interval": e.PollInterval} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %s", name, v)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if e.ProgressBuffer <= 0 {
		return fmt.Errorf("progress buffer must be positive, got %d", e.ProgressBuffer)
	}

	v := config.Verify
	if v.Mode != "sample" && v.Mode != "full" {
		return fmt.Errorf("invalid verify mode: %s", v.Mode)
	}
	if v.SamplePercent <= 0 || v.SamplePercent > 100 {
		return fmt.Errorf("sample percent must be in (0, 100], got %f", v.SamplePercent)
	}
	if v.RegionBytes < 4096 {
		return fmt.Errorf("region bytes must be at least 4096, got %d", v.RegionBytes)
	}
	if v.Fingerprint <= 0 {
		return fmt.Errorf("fingerprint sectors must be positive, got %d", v.Fingerprint)
	}

	if !validLevels[config.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	if config.Certificate.Enabled {
		if len(config.Certificate.Formats) == 0 {
			return fmt.Errorf("at least one certificate format is required")
		}
		for _, f := range config.Certificate.Formats {
			if !validFormats[f] {
				return fmt.Errorf("invalid certificate format: %s", f)
			}
		}
	}

	for _, dev := range config.Security.ExcludedDevices {
		if dev == "" {
			return fmt.Errorf("empty excluded device")
		}
	}

	return nil
}

// Save validates config and writes it to path.
func Save(config *Config, path string) error {
	if err := Validate(config); err != nil {
		return fmt.Errorf("cannot save invalid config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// HardwareTimeout is the fallback timeout for hardware commands whose
// device reports no duration estimate.
func (config *Config) HardwareTimeout() time.Duration {
	d, err := time.ParseDuration(config.Erase.HardwareTimeout)
	if err != nil || d <= 0 {
		return 8 * time.Hour
	}
	return d
}

// PollInterval is the NVMe sanitize status polling period.
func (config *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(config.Erase.PollInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
