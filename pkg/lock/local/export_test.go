package local

import "time"

// SetTimeNow replaces the clock of the package and returns a function restoring it.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}
