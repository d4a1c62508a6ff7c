package frames

import (
	"sort"
	"strconv"
	"strings"
)

// ReconstructTimestamps maps each extracted frame to a presentation time in the source video.
//
// With fewer probed timestamps than frames, frame times are spread evenly between the first
// and last probed timestamp. Otherwise each frame gets the probed timestamp nearest to its
// evenly spread target; a tie goes to the earlier timestamp. probed must be sorted ascending.
func ReconstructTimestamps(probed []float64, framesEmitted int) []float64 {
	if framesEmitted <= 0 || len(probed) == 0 {
		return []float64{}
	}

	first, last := probed[0], probed[len(probed)-1]
	interval := 0.0
	if framesEmitted > 1 {
		interval = (last - first) / float64(framesEmitted-1)
	}

	out := make([]float64, framesEmitted)
	if len(probed) < framesEmitted {
		for i := range out {
			out[i] = first + float64(i)*interval
		}
		return out
	}

	for i := range out {
		out[i] = nearest(probed, first+float64(i)*interval)
	}
	return out
}

func nearest(sorted []float64, target float64) float64 {
	idx := sort.SearchFloat64s(sorted, target)
	if idx == 0 {
		return sorted[0]
	}
	if idx == len(sorted) {
		return sorted[len(sorted)-1]
	}
	before, after := sorted[idx-1], sorted[idx]
	if after-target < target-before {
		return after
	}
	return before
}

// ParseProbeOutput reads one timestamp per line, skipping blank and N/A entries,
// and returns them sorted ascending.
func ParseProbeOutput(out []byte) []float64 {
	var timestamps []float64
	for _, line := range strings.Split(string(out), "\n") {
		field := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line), ","))
		if field == "" || strings.EqualFold(field, "N/A") {
			continue
		}
		ts, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		timestamps = append(timestamps, ts)
	}
	sort.Float64s(timestamps)
	return timestamps
}
