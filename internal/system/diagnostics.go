package system

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// DiagnosticLevel selects how many checks run.
type DiagnosticLevel string

const (
	LevelQuick DiagnosticLevel = "quick"
	LevelFull  DiagnosticLevel = "full"
)

// DiagnosticTest names one environment check.
type DiagnosticTest string

const (
	TestPermissions DiagnosticTest = "permissions"
	TestSysfs       DiagnosticTest = "sysfs"
	TestDisks       DiagnosticTest = "disks"
	TestTools       DiagnosticTest = "tools"
	TestPaths       DiagnosticTest = "paths"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

// DiagnosticResult is the outcome of one check.
type DiagnosticResult struct {
	Test      DiagnosticTest `json:"test"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Details   interface{}    `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// SystemDiagnostics is a full self-check run.
type SystemDiagnostics struct {
	Level       DiagnosticLevel    `json:"level"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	Duration    time.Duration      `json:"duration"`
	Overall     string             `json:"overall"` // HEALTHY, WARNING, CRITICAL
	Results     []DiagnosticResult `json:"results"`
	Summary     DiagnosticSummary  `json:"summary"`
	Environment SystemEnvironment  `json:"environment"`
}

type DiagnosticSummary struct {
	TotalTests int `json:"total_tests"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Warnings   int `json:"warnings"`
}

type SystemEnvironment struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Hostname     string `json:"hostname"`
	EUID         int    `json:"euid"`
	CPUCount     int    `json:"cpu_count"`
}

// SystemDiagnosticsRunner checks that the host can run erase jobs: root
// access, sysfs enumeration, external tools and writable output paths.
type SystemDiagnosticsRunner struct {
	Level      DiagnosticLevel
	Test       DiagnosticTest
	Enumerator *Enumerator
	// Tools are executables looked up on PATH, e.g. sedutil-cli.
	Tools []string
	// Paths are directories the run will write to.
	Paths   []string
	Geteuid func() int
	Verbose bool
}

func NewSystemDiagnosticsRunner(level DiagnosticLevel, verbose bool, test DiagnosticTest) *SystemDiagnosticsRunner {
	return &SystemDiagnosticsRunner{
		Level:      level,
		Test:       test,
		Enumerator: DefaultEnumerator(),
		Geteuid:    os.Geteuid,
		Verbose:    verbose,
	}
}

// RunDiagnostics runs the checks for the configured level.
func (sdr *SystemDiagnosticsRunner) RunDiagnostics(ctx context.Context) (*SystemDiagnostics, error) {
	startTime := time.Now()

	diagnostics := &SystemDiagnostics{
		Level:       sdr.Level,
		StartTime:   startTime,
		Results:     make([]DiagnosticResult, 0),
		Environment: sdr.collectEnvironmentInfo(),
	}

	for _, test := range sdr.testsForLevel() {
		select {
		case <-ctx.Done():
			return diagnostics, ctx.Err()
		default:
		}
		diagnostics.Results = append(diagnostics.Results, sdr.runTest(test))
	}

	diagnostics.EndTime = time.Now()
	diagnostics.Duration = diagnostics.EndTime.Sub(diagnostics.StartTime)
	diagnostics.Summary = calculateSummary(diagnostics.Results)
	diagnostics.Overall = overallStatus(diagnostics.Summary)
	return diagnostics, nil
}

func (sdr *SystemDiagnosticsRunner) testsForLevel() []DiagnosticTest {
	if sdr.Test != "" {
		return []DiagnosticTest{sdr.Test}
	}
	if sdr.Level == LevelFull {
		return []DiagnosticTest{TestPermissions, TestSysfs, TestDisks, TestTools, TestPaths}
	}
	return []DiagnosticTest{TestPermissions, TestSysfs, TestDisks}
}

func (sdr *SystemDiagnosticsRunner) runTest(test DiagnosticTest) DiagnosticResult {
	startTime := time.Now()
	result := DiagnosticResult{Test: test, Timestamp: startTime}

	switch test {
	case TestPermissions:
		result.Status, result.Message, result.Details = sdr.testPermissions()
	case TestSysfs:
		result.Status, result.Message, result.Details = sdr.testSysfs()
	case TestDisks:
		result.Status, result.Message, result.Details = sdr.testDisks()
	case TestTools:
		result.Status, result.Message, result.Details = sdr.testTools()
	case TestPaths:
		result.Status, result.Message, result.Details = sdr.testPaths()
	default:
		result.Status, result.Message = StatusFail, fmt.Sprintf("unknown test %q", test)
	}
	result.Duration = time.Since(startTime)

	if sdr.Verbose {
		fmt.Printf("[TEST] %s: %s - %s (%v)\n", result.Test, result.Status, result.Message, result.Duration)
	}
	return result
}

func (sdr *SystemDiagnosticsRunner) euid() int {
	if sdr.Geteuid != nil {
		return sdr.Geteuid()
	}
	return os.Geteuid()
}

func (sdr *SystemDiagnosticsRunner) testPermissions() (string, string, interface{}) {
	euid := sdr.euid()
	details := map[string]interface{}{"euid": euid}
	if euid == 0 {
		return StatusPass, "running as root", details
	}
	return StatusWarn, "not running as root; device access and passthrough commands will be refused", details
}

func (sdr *SystemDiagnosticsRunner) testSysfs() (string, string, interface{}) {
	dir := filepath.Join(sdr.Enumerator.SysRoot, "block")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return StatusFail, fmt.Sprintf("cannot read %s: %v", dir, err), nil
	}
	return StatusPass, fmt.Sprintf("%s lists %d block devices", dir, len(entries)), nil
}

func (sdr *SystemDiagnosticsRunner) testDisks() (string, string, interface{}) {
	disks, err := sdr.Enumerator.Disks()
	if err != nil {
		return StatusFail, fmt.Sprintf("enumeration failed: %v", err), nil
	}

	details := make([]map[string]interface{}, len(disks))
	for i, disk := range disks {
		details[i] = map[string]interface{}{
			"path":      disk.Path,
			"type":      disk.Type,
			"size":      FormatSize(disk.TotalSize),
			"status":    disk.Status,
			"is_system": disk.IsSystem,
		}
	}
	if len(disks) == 0 {
		return StatusWarn, "no physical disks found", details
	}
	return StatusPass, fmt.Sprintf("found %d disks", len(disks)), details
}

func (sdr *SystemDiagnosticsRunner) testTools() (string, string, interface{}) {
	details := map[string]string{}
	missing := 0
	for _, tool := range sdr.Tools {
		path, err := exec.LookPath(tool)
		if err != nil {
			details[tool] = "missing"
			missing++
			continue
		}
		details[tool] = path
	}
	if missing > 0 {
		return StatusWarn, fmt.Sprintf("%d of %d tools missing; methods depending on them are unavailable", missing, len(sdr.Tools)), details
	}
	return StatusPass, "all tools found", details
}

func (sdr *SystemDiagnosticsRunner) testPaths() (string, string, interface{}) {
	details := map[string]string{}
	failed := 0
	for _, dir := range sdr.Paths {
		if err := writable(dir); err != nil {
			details[dir] = err.Error()
			failed++
			continue
		}
		details[dir] = "writable"
	}
	if failed > 0 {
		return StatusFail, fmt.Sprintf("%d output directories are not writable", failed), details
	}
	return StatusPass, "output directories are writable", details
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".securewipe-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (sdr *SystemDiagnosticsRunner) collectEnvironmentInfo() SystemEnvironment {
	host, _ := os.Hostname()
	return SystemEnvironment{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Hostname:     host,
		EUID:         sdr.euid(),
		CPUCount:     runtime.NumCPU(),
	}
}

func calculateSummary(results []DiagnosticResult) DiagnosticSummary {
	summary := DiagnosticSummary{TotalTests: len(results)}
	for _, result := range results {
		switch result.Status {
		case StatusPass:
			summary.Passed++
		case StatusFail:
			summary.Failed++
		case StatusWarn:
			summary.Warnings++
		}
	}
	return summary
}

func overallStatus(summary DiagnosticSummary) string {
	if summary.Failed > 0 {
		return "CRITICAL"
	}
	if summary.Warnings > 0 {
		return "WARNING"
	}
	return "HEALTHY"
}

// SaveDiagnostics writes the run as indented JSON. An empty path writes
// securewipe_diagnostics_<time>.json in the temp directory.
func SaveDiagnostics(diagnostics *SystemDiagnostics, outputPath string) (string, error) {
	if outputPath == "" {
		timestamp := diagnostics.StartTime.Format("20060102_150405")
		outputPath = filepath.Join(os.TempDir(), fmt.Sprintf("securewipe_diagnostics_%s.json", timestamp))
	}

	data, err := json.MarshalIndent(diagnostics, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diagnostics: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write diagnostics: %w", err)
	}
	return outputPath, nil
}
