// Package format renders numbers, sizes and rates for terminal output.
package format

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes formats a byte count with binary units: Bytes(1536) => "1.5 KiB".
func Bytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// Number adds thousand separators: Number(1234567) => "1,234,567".
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Bitrate formats bits per second: Bitrate(128000) => "128 kb/s".
func Bitrate(bps int64) string {
	switch {
	case bps <= 0:
		return "unknown"
	case bps >= 1_000_000:
		return strconv.FormatFloat(float64(bps)/1_000_000, 'f', -1, 64) + " Mb/s"
	case bps >= 1_000:
		return strconv.FormatFloat(float64(bps)/1_000, 'f', -1, 64) + " kb/s"
	default:
		return strconv.FormatInt(bps, 10) + " b/s"
	}
}

// Rate formats a per-mille playback rate as a speed multiplier:
// Rate(1500) => "1.5x", Rate(-2000) => "-2x".
func Rate(perMille int32) string {
	return strconv.FormatFloat(float64(perMille)/1000, 'f', -1, 64) + "x"
}

// Percentage formats a percentage: Percentage(45.678, 1) => "45.7%".
func Percentage(value float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, value)
}

// Ago formats t relative to now: "3 hours ago".
func Ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
