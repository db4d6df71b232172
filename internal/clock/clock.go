// Package clock provides an injectable source of time and sleeps so the
// governor, dispatcher, and inbox poller can be tested without actually
// waiting out their backoffs and humanized delays.
package clock

import "time"

// Clock abstracts time.Now and time.Sleep.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// NowUTCMilli formats c.Now() as the UTC ISO-8601-with-milliseconds-and-Z
// timestamp mandated for every persisted timestamp in this system.
func NowUTCMilli(c Clock) string {
	return c.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
