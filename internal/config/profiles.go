package config

import (
	"fmt"
)

// ApplyProfile adjusts cfg for a named erase profile.
func ApplyProfile(cfg *Config, profile string) error {
	switch profile {
	case "quick":
		cfg.Erase.OverwritePattern = "zero"
		cfg.Erase.ChunkSize = 16 * 1024 * 1024 // 16MB
		cfg.Verify.Mode = "sample"
		cfg.Verify.SamplePercent = 0.01
	case "standard":
		cfg.Erase.OverwritePattern = "random"
		cfg.Erase.ChunkSize = 4 * 1024 * 1024
		cfg.Verify.Enabled = true
		cfg.Verify.Mode = "sample"
		cfg.Verify.SamplePercent = 0.1
	case "nist":
		// NIST 800-88 purge: hardware methods first, one overwrite pass as fallback.
		cfg.Erase.DefaultMethod = "auto"
		cfg.Erase.OverwritePattern = "random"
		cfg.Verify.Enabled = true
		cfg.Verify.SamplePercent = 1
	case "paranoid":
		cfg.Erase.OverwritePattern = "gutmann"
		cfg.Verify.Enabled = true
		cfg.Verify.Mode = "full"
		cfg.Erase.MaxSpeedMBps = 0
	case "dod":
		cfg.Erase.DefaultMethod = "overwrite"
		cfg.Erase.OverwritePattern = "dod"
		cfg.Verify.Enabled = true
	default:
		return fmt.Errorf("unknown profile: %s", profile)
	}
	return nil
}
