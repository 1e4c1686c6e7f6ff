package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressBarLine(t *testing.T) {
	pb := NewProgressBar(nil, "epoch: 0, train", 4)
	pb.current = 2
	pb.metrics = map[string]float64{"loss": 0.25, "dsc": 0.5}

	line := pb.line(90 * time.Second)
	assert.True(t, strings.HasPrefix(line, "epoch: 0, train:  50%|"), line)
	assert.Contains(t, line, " 2/4 [01:30<01:30")
	// metrics are sorted by name
	assert.Contains(t, line, "dsc=0.5000, loss=0.2500]")
}

func TestProgressBarFinish(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "valid", 3)
	pb.Update(1, nil)
	pb.Finish()

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "\r"))
	assert.True(t, strings.HasSuffix(out, "]\n"))
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "3/3")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(-time.Second))
	assert.Equal(t, "02:05", formatDuration(125*time.Second))
	assert.Equal(t, "61:01", formatDuration(time.Hour+time.Minute+time.Second))
}
