// Package scanloop drives periodic fleet maintenance on a jittered timer so
// that masters restarted together do not probe their children in lockstep.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared cadence
	// for health scan loops.
	DefaultMinInterval = 13 * time.Second
	DefaultJitterRange = 4 * time.Second
)

// Run calls fn every minInterval plus random([0, jitterRange)) until stopCh
// closes. The first call waits one full interval; callers that need an
// immediate pass invoke fn themselves before starting the loop.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}
	next := func() time.Duration {
		if jitterRange == 0 {
			return minInterval
		}
		return minInterval + time.Duration(rand.Int64N(int64(jitterRange)))
	}

	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
		timer.Reset(next())
	}
}
