package tracking

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWallclockTickerNeverZero(t *testing.T) {
	assert.Equal(t, 1, WallclockTicker(0))
	assert.Equal(t, 1, WallclockTicker(299))
	assert.Equal(t, 1, WallclockTicker(300))
	assert.Equal(t, 2, WallclockTicker(600))
	assert.Equal(t, 12, WallclockTicker(3700))
}

func TestReporterFormat(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)
	r.Report(3, 0.5, 700)

	assert.Equal(t, "epoch=3 loss=0.5 wallclock_ticker=2\n", buf.String())
}

func TestNoopSinkIsInert(t *testing.T) {
	var s Sink = NoopSink{}
	s.LogMetric("loss", 1.0, 1)
	s.LogParams(map[string]interface{}{"a": 1})
	s.SetTag("k", "v")
	s.Close()
}
