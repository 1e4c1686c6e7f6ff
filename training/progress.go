package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProgressBar provides tqdm-style progress output for a phase
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out. A nil writer
// discards output.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		out = io.Discard
	}
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.line(time.Since(pb.startTime)))
}

func (pb *ProgressBar) line(elapsed time.Duration) string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}
	fmt.Fprintf(&sb, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	if pb.current > 0 && elapsed > 0 {
		fmt.Fprintf(&sb, ", %.2fit/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, ", %s=%.4f", k, pb.metrics[k])
	}
	sb.WriteString("]")
	return sb.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
