package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"securewipe/internal/system"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check that this host can run erasures",
	Args:  cobra.NoArgs,
	RunE:  runDiagnose,
}

func init() {
	diagnoseCmd.Flags().Bool("full", false, "Also check external tools and output paths")
	diagnoseCmd.Flags().String("test", "", "Run a single test (permissions/sysfs/disks/tools/paths)")
	diagnoseCmd.Flags().String("output", "", "Save the report to this file")
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	full, _ := cmd.Flags().GetBool("full")
	testName, _ := cmd.Flags().GetString("test")
	output, _ := cmd.Flags().GetString("output")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := system.LevelQuick
	if full {
		level = system.LevelFull
	}
	var test system.DiagnosticTest
	if testName != "" {
		switch t := system.DiagnosticTest(testName); t {
		case system.TestPermissions, system.TestSysfs, system.TestDisks, system.TestTools, system.TestPaths:
			test = t
		default:
			return fmt.Errorf("unknown test: %s", testName)
		}
	}

	runner := system.NewSystemDiagnosticsRunner(level, verbose, test)
	runner.Tools = []string{cfg.Erase.SedutilPath}
	runner.Paths = []string{cfg.Certificate.OutputDir, cfg.Reporting.LocalPath}
	if cfg.Certificate.LedgerPath != "" {
		runner.Paths = append(runner.Paths, filepath.Dir(cfg.Certificate.LedgerPath))
	}

	fmt.Println("securewipe diagnostics")
	fmt.Printf("Level: %s\n", level)
	if test != "" {
		fmt.Printf("Test: %s\n", test)
	}
	fmt.Println()

	diagnostics, err := runner.RunDiagnostics(context.Background())
	if err != nil {
		return err
	}

	for _, r := range diagnostics.Results {
		fmt.Printf("[%s] %-12s %s\n", r.Status, r.Test, r.Message)
	}
	fmt.Println()
	fmt.Printf("Overall: %s (%d passed, %d warnings, %d failed) in %s\n",
		diagnostics.Overall, diagnostics.Summary.Passed, diagnostics.Summary.Warnings, diagnostics.Summary.Failed, diagnostics.Duration)
	fmt.Printf("Host: %s %s/%s, euid %d\n", diagnostics.Environment.Hostname,
		diagnostics.Environment.OS, diagnostics.Environment.Architecture, diagnostics.Environment.EUID)

	if output != "" || verbose {
		path, err := system.SaveDiagnostics(diagnostics, output)
		if err != nil {
			return err
		}
		fmt.Printf("Report saved to %s\n", path)
	}

	if diagnostics.Overall == "CRITICAL" {
		return &exitError{code: 2, err: fmt.Errorf("%d diagnostic test(s) failed", diagnostics.Summary.Failed)}
	}
	return nil
}
