package outbox

import "time"

// Clock supplies timestamps for records, leases and backoff.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC at database precision.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
