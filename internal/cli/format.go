package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"securewipe/internal/engine"
	"securewipe/internal/failure"
	"securewipe/internal/probe"
	"securewipe/internal/reporting"
	"securewipe/internal/system"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func render(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

// PrintDevices writes the device listing.
func PrintDevices(w io.Writer, disks []system.DiskInfo) {
	if len(disks) == 0 {
		fmt.Fprintln(w, "No disks found.")
		return
	}
	rows := make([][]string, 0, len(disks))
	for _, d := range disks {
		sys := ""
		if d.IsSystem {
			sys = "yes"
		}
		rows = append(rows, []string{d.Path, d.Type, d.Transport, system.FormatSize(d.TotalSize), d.Model, d.Serial, d.Status, sys})
	}
	fmt.Fprintln(w, render([]string{"DEVICE", "TYPE", "BUS", "SIZE", "MODEL", "SERIAL", "STATUS", "SYSTEM"}, rows))
}

// PrintPlan writes a capability record and the methods that apply to it.
func PrintPlan(w io.Writer, p *engine.Plan) {
	r := p.Record
	fmt.Fprintf(w, "%s  %s %s  (%s, %s, %d x %d-byte sectors)\n",
		labelStyle.Render(r.Path), r.Vendor, r.Model, r.Class, humanize.IBytes(r.Size()), r.SectorCount, r.SectorSize)
	if r.Serial != "" {
		fmt.Fprintf(w, "  serial %s  firmware %s\n", r.Serial, r.Firmware)
	}

	rows := capabilityRows(r)
	if len(rows) > 0 {
		fmt.Fprintln(w, render([]string{"FEATURE", "STATE"}, rows))
	}

	fmt.Fprintln(w, "Eligible methods (best first):")
	usable := map[string]bool{}
	for _, m := range p.Usable {
		usable[m] = true
	}
	for _, m := range p.Eligible {
		note := ""
		if !usable[m] {
			note = "  (needs operator action)"
		}
		fmt.Fprintf(w, "  - %s%s\n", m, note)
	}
	if p.Selected != "" {
		fmt.Fprintf(w, "Selected: %s\n", doneStyle.Render(p.Selected))
	}
	if p.SelectionError != "" {
		fmt.Fprintf(w, "Selection: %s\n", failStyle.Render(p.SelectionError))
	}
}

func capabilityRows(r *probe.CapabilityRecord) [][]string {
	var rows [][]string
	yes := strconv.FormatBool
	if a := r.ATA; a != nil {
		rows = append(rows,
			[]string{"ATA security", yes(a.Supported)},
			[]string{"ATA enabled/locked/frozen", fmt.Sprintf("%t/%t/%t", a.Enabled, a.Locked, a.Frozen)},
			[]string{"ATA enhanced erase", yes(a.EnhancedErase)},
		)
		if a.EraseEstimate > 0 {
			rows = append(rows, []string{"ATA erase estimate", a.EraseEstimate.String()})
		}
	}
	if n := r.NVMe; n != nil {
		rows = append(rows,
			[]string{"NVMe format (crypto)", fmt.Sprintf("%t (%t)", n.Format, n.FormatCryptoErase)},
			[]string{"NVMe sanitize crypto/block/overwrite", fmt.Sprintf("%t/%t/%t", n.SanitizeCrypto, n.SanitizeBlock, n.SanitizeOverwrite)},
		)
	}
	if s := r.SED; s != nil {
		rows = append(rows,
			[]string{"TCG " + s.SSC, fmt.Sprintf("locking enabled=%t locked=%t", s.LockingEnabled, s.Locked)},
			[]string{"PSID revert", yes(s.PSIDAvailable)},
		)
	}
	return rows
}

// PrintOutcome writes a one-job summary.
func PrintOutcome(w io.Writer, o *engine.Outcome) {
	method := "-"
	if o.Method != nil {
		method = o.Method.String()
	}
	fmt.Fprintf(w, "%s %s  method=%s  duration=%s\n", labelStyle.Render(o.Device), stateLabel(o.State), method, o.EndTime.Sub(o.StartTime).Round(time.Millisecond))
	if o.Overwrite != nil {
		fmt.Fprintf(w, "  written %s at %.1f MB/s\n", humanize.IBytes(o.Overwrite.BytesWritten), o.Overwrite.SpeedMBps)
	}
	if v := o.Verification; v != nil && v.Performed {
		fmt.Fprintf(w, "  verification %s: %d sectors, %d discrepancies\n", passFail(v.Passed), v.SectorsChecked, v.Discrepancies)
		for _, c := range v.Checks {
			fmt.Fprintf(w, "    %s %s %s\n", passFail(c.Passed), c.Name, c.Detail)
		}
	}
	if o.Certificate != nil {
		fmt.Fprintf(w, "  certificate %s\n", o.Certificate.ID)
	}
	if o.SinkErr != nil {
		fmt.Fprintf(w, "  certificate not stored: %v\n", o.SinkErr)
	}
	if o.Err != nil {
		fmt.Fprintf(w, "  %s: %v\n", o.Kind(), o.Err)
		for _, h := range failure.Hints(o.Err) {
			fmt.Fprintf(w, "  hint: %s\n", h)
		}
	}
	if o.Dropped > 0 {
		fmt.Fprintf(w, "  %d progress updates dropped\n", o.Dropped)
	}
}

// PrintLedger writes certificate ledger entries, newest first.
func PrintLedger(w io.Writer, entries []reporting.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No certificates recorded.")
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID, e.IssuedAt.Local().Format("2006-01-02 15:04"), e.Device, e.Model, e.Serial,
			e.Method, strconv.FormatBool(e.Verified), e.KeyID,
		})
	}
	fmt.Fprintln(w, render([]string{"ID", "ISSUED", "DEVICE", "MODEL", "SERIAL", "METHOD", "VERIFIED", "KEY"}, rows))
}

func passFail(ok bool) string {
	if ok {
		return doneStyle.Render("PASS")
	}
	return failStyle.Render("FAIL")
}

// Confirm lists the disks and asks the operator to type yes.
func Confirm(in io.Reader, out io.Writer, disks []system.DiskInfo) bool {
	fmt.Fprintf(out, "WARNING: all data on the following %d disk(s) will be destroyed:\n", len(disks))
	for _, d := range disks {
		fmt.Fprintf(out, "  %s  %s %s  %s\n", d.Path, d.Model, d.Serial, humanize.IBytes(d.TotalSize))
	}
	fmt.Fprint(out, "Type 'yes' to continue: ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
