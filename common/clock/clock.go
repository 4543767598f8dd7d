// Package clock abstracts time and id generation so the executor and its
// tests can run against a fake clock instead of wall time.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock provides the current time and fresh ids. The production
// implementation wraps time.Now/uuid.NewString; tests substitute a fake
// with a controllable NowUTC.
type Clock interface {
	NowUTC() time.Time
	NewID() string
	Sleep(d time.Duration)
}

// System is the production Clock backed by the real wall clock.
type System struct{}

func (System) NowUTC() time.Time       { return time.Now().UTC() }
func (System) NewID() string           { return uuid.NewString() }
func (System) Sleep(d time.Duration)   { time.Sleep(d) }
