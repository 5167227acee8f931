package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/engage/config"
)

// RetryDelay is the wait before attempt number retry (1-based). Delays double
// from InitialBackoff up to MaxBackoff, without jitter.
func RetryDelay(conf config.DispatchConfig, retry int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(conf.InitialBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(conf.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	d := conf.InitialBackoff
	for i := 0; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

// window returns the daily-cap window containing now, in loc.
func window(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}
