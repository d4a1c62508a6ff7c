package results

import (
	"fmt"
	"math"
)

// FormatTimestamp renders seconds as mm:ss.fff. Minutes are not wrapped into hours.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	totalMs := int64(math.Round(seconds * 1000))
	minutes := totalMs / 60000
	secs := (totalMs % 60000) / 1000
	ms := totalMs % 1000
	return fmt.Sprintf("%02d:%02d.%03d", minutes, secs, ms)
}
