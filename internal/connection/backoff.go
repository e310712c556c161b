package connection

import (
	"math"
	"math/rand"
	"time"
)

// jitterBand randomizes retry delays within ±25% so many clients recovering
// from the same outage do not retry in lockstep.
const jitterBand = 0.25

// ExpectedDelay computes the un-jittered exponential delay for an attempt:
// clamp(base × multiplier^attempt, max).
func ExpectedDelay(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base) * math.Pow(multiplier, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}

// RetryDelay returns the jittered delay scheduled before reconnect attempt n.
func RetryDelay(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(ExpectedDelay(base, max, multiplier, attempt))
	factor := 1 + (rand.Float64()*2-1)*jitterBand
	return time.Duration(d * factor)
}
