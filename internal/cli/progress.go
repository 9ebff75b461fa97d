// Package cli holds the terminal side of securewipe: progress rendering,
// credential prompts, confirmation and tables.
package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"securewipe/internal/engine"
	wprogress "securewipe/internal/progress"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	phaseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// ProgressPrinter renders job snapshots as one-line progress bars.
type ProgressPrinter struct {
	Out io.Writer
	// Live redraws a single line with carriage returns; otherwise every
	// rendered snapshot is its own line.
	Live bool
	// Interval throttles redraws. State changes are always drawn.
	Interval time.Duration

	mu  sync.Mutex
	bar progress.Model
}

func NewProgressPrinter(out io.Writer, live bool) *ProgressPrinter {
	return &ProgressPrinter{
		Out:      out,
		Live:     live,
		Interval: 250 * time.Millisecond,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
	}
}

// Render formats s without writing it.
func (p *ProgressPrinter) Render(label string, s engine.ProgressSnapshot) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(label))
	b.WriteString(" ")
	b.WriteString(stateLabel(s.State))

	if s.Unit == "" {
		return b.String()
	}
	b.WriteString(" ")
	b.WriteString(phaseStyle.Render(s.Phase))
	b.WriteString(" ")
	p.mu.Lock()
	b.WriteString(p.bar.ViewAs(s.Fraction()))
	p.mu.Unlock()
	b.WriteString(" ")
	b.WriteString(detail(s))
	if s.Estimate > 0 {
		fmt.Fprintf(&b, " est. %s", s.Estimate.Round(time.Second))
	}
	return b.String()
}

func stateLabel(s engine.State) string {
	switch s {
	case engine.StateCompleted:
		return doneStyle.Render(s.String())
	case engine.StateFailed, engine.StateCancelled:
		return failStyle.Render(s.String())
	}
	return s.String()
}

func detail(s engine.ProgressSnapshot) string {
	switch s.Unit {
	case wprogress.Bytes:
		out := fmt.Sprintf("%s / %s", humanize.IBytes(s.Done), humanize.IBytes(s.Total))
		if s.Passes > 1 {
			out += fmt.Sprintf(" pass %d/%d", s.Pass, s.Passes)
		}
		if secs := s.Elapsed.Seconds(); secs > 0 && s.Done > 0 {
			out += fmt.Sprintf(" %s/s", humanize.IBytes(uint64(float64(s.Done)/secs)))
		}
		return out
	case wprogress.Steps:
		return fmt.Sprintf("step %d/%d", s.Done, s.Total)
	case wprogress.Percent:
		return fmt.Sprintf("%d%%", s.Done)
	}
	return ""
}

// Watch draws snapshots from ch until it is closed.
func (p *ProgressPrinter) Watch(label string, ch <-chan engine.ProgressSnapshot) {
	var last time.Time
	var lastState engine.State = -1
	drawn := false
	for s := range ch {
		now := time.Now()
		if s.State == lastState && now.Sub(last) < p.Interval {
			continue
		}
		last, lastState = now, s.State
		line := p.Render(label, s)
		if p.Live {
			fmt.Fprintf(p.Out, "\r\033[K%s", line)
		} else {
			fmt.Fprintln(p.Out, line)
		}
		drawn = true
	}
	if p.Live && drawn {
		fmt.Fprintln(p.Out)
	}
}
