package util

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the part of clock.Clock the engine uses. Tests pass a *clock.Mock.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return clock.New() }
