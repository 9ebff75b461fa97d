package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"securewipe/internal/config"
	"securewipe/internal/failure"
	"securewipe/internal/logging"
)

const (
	Version = "1.0.0"
	AppName = "securewipe"

	EXIT_SUCCESS = 0
)

var (
	verbose    bool
	configPath string
	profile    string
)

var rootCmd = &cobra.Command{
	Use:           "securewipe",
	Short:         "securewipe - certified storage erasure",
	Long:          "Erase whole drives with overwrite, ATA/NVMe hardware commands or Opal crypto erase, verify the result and issue a signed certificate",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Erase profile (quick/standard/nist/paranoid/dod)")

	rootCmd.AddCommand(listCmd, probeCmd, eraseCmd, certificateCmd, configCmd, diagnoseCmd)
}

// exitError carries an exit code that is not derived from an error kind,
// such as the first failed job of a multi-device run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// loadConfig reads the configuration, applies --profile and validates the
// result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if profile != "" {
		if err := config.ApplyProfile(cfg, profile); err != nil {
			return nil, fmt.Errorf("apply profile %s: %w", profile, err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.EnterpriseLogger, error) {
	logger, err := logging.NewEnterpriseLogger(cfg, verbose)
	if err != nil {
		return nil, fmt.Errorf("initialise logger: %w", err)
	}
	return logger, nil
}

func exitCode(err error) int {
	if err == nil {
		return EXIT_SUCCESS
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return failure.ExitCode(err)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, h := range failure.Hints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", h)
		}
	}
	os.Exit(exitCode(err))
}
