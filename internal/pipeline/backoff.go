package pipeline

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy describes bounded exponential backoff. The same policy object is
// shared by the uploader and the record source reconnect loop.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
}

// Delay returns the pause before the given retry. Attempts are 1-based;
// the first retry waits Base, each further retry multiplies, capped at Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
