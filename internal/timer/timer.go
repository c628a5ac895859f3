// Package timer implements the virtual-clock timer scheduler.
//
// Timers are owned by a Manager from Add until they are popped. Cancellation
// is lazy: a cancelled timer keeps its queue slot and is discarded without
// firing when it reaches the front.
package timer

import (
	"fmt"
	"time"
)

// Func is the deferred action. final is true when the timer is drained at
// shutdown rather than reached by an orderly Advance.
type Func func(now time.Time, final bool)

// Timer is one deferred, kinded action.
type Timer struct {
	kind   Kind
	at     time.Time
	fn     Func
	active bool

	owned bool   // held by a Manager queue
	seq   uint64 // insertion order, breaks heap ties
}

// New creates an active timer firing at the given virtual time.
func New(kind Kind, at time.Time, fn Func) *Timer {
	return &Timer{
		kind:   kind,
		at:     at,
		fn:     fn,
		active: true,
	}
}

// Kind returns the timer kind.
func (t *Timer) Kind() Kind { return t.kind }

// Time returns the fire time.
func (t *Timer) Time() time.Time { return t.at }

// Active reports whether the timer has not been cancelled.
func (t *Timer) Active() bool { return t.active }

func (t *Timer) String() string {
	return fmt.Sprintf("%s at %.6f", t.kind, float64(t.at.UnixNano())/1e9)
}

func (t *Timer) dispatch(now time.Time, final bool) {
	if t.fn != nil {
		t.fn(now, final)
	}
}
