package clock

import (
	"errors"
	"fmt"
	"time"
)

// BuildEpoch is the earliest wall-clock time this build accepts, in RFC 3339.
// Release builds stamp it with:
//
//	go build -ldflags "-X github.com/roach88/lifeboat/internal/clock.BuildEpoch=2026-03-01T00:00:00Z"
var BuildEpoch = "2025-01-01T00:00:00Z"

// DefaultEpoch parses BuildEpoch. A malformed stamp falls back to the Unix
// epoch so a bad build flag never blocks every write.
func DefaultEpoch() time.Time {
	t, err := time.Parse(time.RFC3339, BuildEpoch)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// TimeValidityError reports a system clock set before the build epoch.
// Identifier and HLC generation halt until the clock is corrected.
type TimeValidityError struct {
	Now   time.Time
	Epoch time.Time
}

func (e *TimeValidityError) Error() string {
	return fmt.Sprintf("system clock %s predates build epoch %s",
		e.Now.UTC().Format(time.RFC3339), e.Epoch.UTC().Format(time.RFC3339))
}

// IsTimeValidityError returns true if err is or wraps a TimeValidityError.
func IsTimeValidityError(err error) bool {
	var te *TimeValidityError
	return errors.As(err, &te)
}

// Gate refuses wall-clock readings earlier than Epoch.
type Gate struct {
	Epoch time.Time
	Now   func() time.Time
}

// NewGate returns a gate on the build epoch reading the given clock.
// A nil now uses time.Now.
func NewGate(now func() time.Time) Gate {
	if now == nil {
		now = time.Now
	}
	return Gate{Epoch: DefaultEpoch(), Now: now}
}

// Check returns the current time, or a *TimeValidityError when it is earlier
// than the epoch.
func (g Gate) Check() (time.Time, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	epoch := g.Epoch
	if epoch.IsZero() {
		epoch = DefaultEpoch()
	}

	t := now()
	if t.Before(epoch) {
		return time.Time{}, &TimeValidityError{Now: t, Epoch: epoch}
	}
	return t, nil
}
