// Package reporting persists certificates and writes the session report
// that summarises every device handled in one invocation.
package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"securewipe/internal/system"
)

// Report is the session report of one run.
type Report struct {
	RunID      string            `json:"run_id"`
	Version    string            `json:"version"`
	Host       string            `json:"host"`
	Operator   string            `json:"operator,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Profile    string            `json:"profile,omitempty"`
	Operations []OperationReport `json:"operations"`
	Summary    SummaryReport     `json:"summary"`
	ExitCode   int               `json:"exit_code"`
	Duration   string            `json:"duration"`
}

// OperationReport is one erase job.
type OperationReport struct {
	JobID         string     `json:"job_id"`
	Device        string     `json:"device"`
	Model         string     `json:"model,omitempty"`
	Serial        string     `json:"serial,omitempty"`
	Method        string     `json:"method,omitempty"`
	State         string     `json:"state"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	CapacityBytes uint64     `json:"capacity_bytes"`
	BytesWritten  uint64     `json:"bytes_written,omitempty"`
	Verified      bool       `json:"verified"`
	CertificateID string     `json:"certificate_id,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	Error         string     `json:"error,omitempty"`
	Hints         []string   `json:"hints,omitempty"`
	Dropped       uint64     `json:"dropped_progress,omitempty"`
}

// SummaryReport counts outcomes across the session.
type SummaryReport struct {
	TotalDevices int     `json:"total_devices"`
	Completed    int     `json:"completed"`
	Cancelled    int     `json:"cancelled"`
	Failed       int     `json:"failed"`
	TotalBytes   uint64  `json:"total_bytes"`
	SuccessRate  float64 `json:"success_rate"`
}

// Operation states as they appear in the report.
const (
	StateCompleted = "completed"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

// GenerateReport summarises operations.
func GenerateReport(operations []OperationReport, version, operator, profile string, startTime, endTime time.Time, exitCode int) *Report {
	host, _ := os.Hostname()
	report := &Report{
		RunID:      uuid.NewString(),
		Version:    version,
		Host:       host,
		Operator:   operator,
		Timestamp:  startTime,
		Profile:    profile,
		Operations: operations,
		ExitCode:   exitCode,
		Duration:   endTime.Sub(startTime).String(),
	}
	if report.Operations == nil {
		report.Operations = []OperationReport{}
	}

	s := &report.Summary
	s.TotalDevices = len(operations)
	for _, op := range operations {
		switch op.State {
		case StateCompleted:
			s.Completed++
			s.TotalBytes += op.CapacityBytes
		case StateCancelled:
			s.Cancelled++
		default:
			s.Failed++
		}
	}
	if s.TotalDevices > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.TotalDevices) * 100
	}
	return report
}

// SaveReport writes report into dir as "json" or "txt" and returns the path.
func SaveReport(report *Report, dir, format string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	filename := fmt.Sprintf("securewipe_report_%s.%s", report.Timestamp.Format("20060102_150405"), format)
	path := filepath.Join(dir, filename)

	var data []byte
	switch format {
	case "json":
		var err error
		if data, err = json.MarshalIndent(report, "", "  "); err != nil {
			return "", fmt.Errorf("marshal report: %w", err)
		}
	case "txt":
		data = []byte(FormatText(report))
	default:
		return "", fmt.Errorf("unsupported report format: %s", format)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// FormatText renders report for people.
func FormatText(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "securewipe %s - erase session report\n", report.Version)
	fmt.Fprintf(&b, "Run ID:    %s\n", report.RunID)
	fmt.Fprintf(&b, "Host:      %s\n", report.Host)
	if report.Operator != "" {
		fmt.Fprintf(&b, "Operator:  %s\n", report.Operator)
	}
	fmt.Fprintf(&b, "Started:   %s\n", report.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Duration:  %s\n", report.Duration)
	b.WriteString(strings.Repeat("=", 72) + "\n\n")

	s := report.Summary
	b.WriteString("SUMMARY\n")
	b.WriteString(strings.Repeat("-", 40) + "\n")
	fmt.Fprintf(&b, "Devices:   %d\n", s.TotalDevices)
	fmt.Fprintf(&b, "Completed: %d\n", s.Completed)
	fmt.Fprintf(&b, "Cancelled: %d\n", s.Cancelled)
	fmt.Fprintf(&b, "Failed:    %d\n", s.Failed)
	fmt.Fprintf(&b, "Erased:    %s\n", system.FormatSize(s.TotalBytes))
	fmt.Fprintf(&b, "Success:   %.1f%%\n\n", s.SuccessRate)

	for _, op := range report.Operations {
		fmt.Fprintf(&b, "%s  [%s]\n", op.Device, strings.ToUpper(op.State))
		if op.Model != "" || op.Serial != "" {
			fmt.Fprintf(&b, "  Drive:       %s (serial %s), %s\n", op.Model, op.Serial, system.FormatSize(op.CapacityBytes))
		}
		if op.Method != "" {
			fmt.Fprintf(&b, "  Method:      %s\n", op.Method)
		}
		fmt.Fprintf(&b, "  Verified:    %t\n", op.Verified)
		if op.CertificateID != "" {
			fmt.Fprintf(&b, "  Certificate: %s\n", op.CertificateID)
		}
		if op.Error != "" {
			fmt.Fprintf(&b, "  Error:       %s (%s)\n", op.Error, op.ErrorKind)
		}
		for _, h := range op.Hints {
			fmt.Fprintf(&b, "  Hint:        %s\n", h)
		}
		b.WriteString("\n")
	}
	return b.String()
}
