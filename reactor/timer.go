package reactor

import (
	"time"

	"github.com/ehrlich-b/rxnet/internal/slab"
)

// timerEntry is a registered timeout. cb returning true reschedules the
// entry period from now; returning false clears the registration.
type timerEntry struct {
	deadline time.Time
	period   time.Duration
	cb       func(*Reactor) bool
}

// nextDeadline returns the soonest pending timer deadline and whether
// any timer is pending at all.
func (r *Reactor) nextDeadline() (time.Time, bool) {
	var soonest time.Time
	found := false
	r.mu.Lock()
	r.timers.Each(func(_ slab.Token, t *timerEntry) {
		if !found || t.deadline.Before(soonest) {
			soonest = t.deadline
			found = true
		}
	})
	r.mu.Unlock()
	return soonest, found
}
