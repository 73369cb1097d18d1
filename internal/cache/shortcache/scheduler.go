package shortcache

import "time"

// Timer is a pending one-shot callback that can be cancelled
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Scheduler runs deferred callbacks. The default implementation uses
// time.AfterFunc; tests inject a manual one to control time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
