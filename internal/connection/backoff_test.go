package connection_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"arquiz/internal/connection"
)

func TestExpectedDelayGrowsMonotonically(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	previous := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := connection.ExpectedDelay(base, max, 2.0, attempt)
		assert.GreaterOrEqual(t, d, previous, "delay shrank at attempt %d", attempt)
		assert.LessOrEqual(t, d, max)
		previous = d
	}
}

func TestExpectedDelayClampsAtMax(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	assert.Equal(t, time.Second, connection.ExpectedDelay(base, max, 2.0, 0))
	assert.Equal(t, 4*time.Second, connection.ExpectedDelay(base, max, 2.0, 2))
	assert.Equal(t, max, connection.ExpectedDelay(base, max, 2.0, 3))
	assert.Equal(t, max, connection.ExpectedDelay(base, max, 2.0, 50))
}

func TestRetryDelayStaysWithinJitterBand(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	for attempt := 0; attempt < 6; attempt++ {
		expected := connection.ExpectedDelay(base, max, 2.0, attempt)
		low := time.Duration(float64(expected) * 0.75)
		high := time.Duration(float64(expected) * 1.25)

		for i := 0; i < 200; i++ {
			d := connection.RetryDelay(base, max, 2.0, attempt)
			assert.GreaterOrEqual(t, d, low, "attempt %d below jitter band", attempt)
			assert.LessOrEqual(t, d, high, "attempt %d above jitter band", attempt)
		}
	}
}
