package system

import (
	"github.com/dustin/go-humanize"
)

// FormatSize renders a byte count with binary units, e.g. "931 GiB".
func FormatSize(bytes uint64) string {
	return humanize.IBytes(bytes)
}
