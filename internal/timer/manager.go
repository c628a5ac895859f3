package timer

import (
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/metrics"
)

// DefaultFixedDelays are the delays served by FIFO queues unless overridden.
var DefaultFixedDelays = []time.Duration{5 * time.Second, 6 * time.Second}

// Option configures a Manager.
type Option func(*Manager)

// WithFixedDelays replaces the set of delays that get a dedicated FIFO queue.
// Queues are consulted in the given order when fire times tie.
func WithFixedDelays(delays ...time.Duration) Option {
	return func(m *Manager) {
		m.fixed = m.fixed[:0]
		for _, d := range delays {
			if d <= 0 || m.hasFixed(d) {
				continue
			}
			m.fixed = append(m.fixed, &fifo{delay: d})
		}
	}
}

// Manager schedules timers against a virtual clock advanced by the host loop.
//
// Timers whose delay from "now" at insertion equals one of the fixed delays go
// to that delay's FIFO queue; everything else goes to a min-heap. The earliest
// timer is the minimum over all queue fronts. Manager is not safe for
// concurrent use; the host loop owns it.
type Manager struct {
	now           time.Time
	lastTimestamp time.Time
	lastAdvance   time.Time

	fixed []*fifo
	heap  timerHeap
	seq   uint64

	numExpired int
	peakSize   int
	cumulative uint64
	current    [NumKinds]int
}

// NewManager creates a scheduler with the virtual clock at the zero time.
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	WithFixedDelays(DefaultFixedDelays...)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) hasFixed(d time.Duration) bool {
	for _, q := range m.fixed {
		if q.delay == d {
			return true
		}
	}
	return false
}

// Time returns the current virtual time.
func (m *Manager) Time() time.Time { return m.now }

// LastTimestamp returns the fire time of the last timer popped by Advance.
func (m *Manager) LastTimestamp() time.Time { return m.lastTimestamp }

// LastAdvance returns the virtual time before the most recent Advance.
func (m *Manager) LastAdvance() time.Time { return m.lastAdvance }

// NumExpired returns how many timers the most recent Advance dispatched.
func (m *Manager) NumExpired() int { return m.numExpired }

// Size returns the number of timers held, cancelled ones included.
func (m *Manager) Size() int {
	n := m.heap.Len()
	for _, q := range m.fixed {
		n += q.len()
	}
	return n
}

// PeakSize returns the largest Size observed.
func (m *Manager) PeakSize() int { return m.peakSize }

// CumulativeNum returns the number of timers ever added.
func (m *Manager) CumulativeNum() uint64 { return m.cumulative }

// Current returns the number of held timers of the given kind.
func (m *Manager) Current(kind Kind) int {
	if kind >= NumKinds {
		return 0
	}
	return m.current[kind]
}

// Add inserts t. Timers already due are accepted so that several of them
// added together still fire in deadline order.
func (m *Manager) Add(t *Timer) {
	if t.owned {
		panic(fmt.Sprintf("timer: %s added twice", t))
	}

	slog.Debug("adding timer", "timer", t.kind.String(), "at", t.at)

	t.owned = true
	t.seq = m.seq
	m.seq++

	delay := t.at.Sub(m.now)
	queued := false
	for _, q := range m.fixed {
		if delay == q.delay {
			q.push(t)
			queued = true
			break
		}
	}
	if !queued {
		m.heap.add(t)
	}

	m.cumulative++
	if size := m.Size(); size > m.peakSize {
		m.peakSize = size
		metrics.TimersPeak.Set(float64(size))
	}
	m.current[t.kind]++
	metrics.TimersPending.WithLabelValues(t.kind.String()).Inc()
}

// Cancel marks t inactive. The timer keeps its slot and is discarded when it
// reaches the front of its queue.
func (m *Manager) Cancel(t *Timer) error {
	if t == nil || !t.owned {
		slog.Error("asked to cancel a timer the manager does not hold", "timer", fmt.Sprint(t))
		return core.ErrUnknownTimer
	}
	t.active = false
	return nil
}

// Advance moves the virtual clock to now and dispatches due timers in
// deadline order until maxExpire of them have fired. Cancelled timers are
// discarded without counting against the budget. The clock never moves
// backwards. Returns the number of timers dispatched.
func (m *Manager) Advance(now time.Time, maxExpire int) int {
	m.lastAdvance = m.now
	if now.After(m.now) {
		m.now = now
	}
	m.lastTimestamp = time.Time{}
	m.numExpired = 0

	for m.numExpired < maxExpire {
		idx, t := m.top()
		if t == nil || t.at.After(m.now) {
			break
		}

		m.lastTimestamp = t.at
		// Pop before dispatch: the action may add timers.
		m.pop(idx)

		if !t.active {
			metrics.TimersCancelledTotal.WithLabelValues(t.kind.String()).Inc()
			continue
		}

		slog.Debug("dispatching timer", "timer", t.kind.String(), "at", t.at)
		t.dispatch(m.now, false)
		metrics.TimersDispatchedTotal.WithLabelValues(t.kind.String(), "advance").Inc()
		m.numExpired++
	}

	return m.numExpired
}

// ExpireAll drains every held timer regardless of fire time, dispatching the
// active ones with final set. Used at shutdown.
func (m *Manager) ExpireAll() int {
	n := 0
	for {
		idx, t := m.top()
		if t == nil {
			return n
		}
		m.pop(idx)

		if !t.active {
			metrics.TimersCancelledTotal.WithLabelValues(t.kind.String()).Inc()
			continue
		}

		slog.Debug("dispatching timer at shutdown", "timer", t.kind.String(), "at", t.at)
		t.dispatch(m.now, true)
		metrics.TimersDispatchedTotal.WithLabelValues(t.kind.String(), "final").Inc()
		n++
	}
}

// Top returns the earliest timer without removing it, or nil.
func (m *Manager) Top() *Timer {
	_, t := m.top()
	return t
}

// NextTimeout returns how long until the earliest timer is due, clamped at
// zero. ok is false when no timer is pending.
func (m *Manager) NextTimeout() (d time.Duration, ok bool) {
	t := m.Top()
	if t == nil {
		return 0, false
	}
	d = t.at.Sub(m.now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// heapIndex marks the general queue in top/pop; fixed queues use their slice
// index.
const heapIndex = -1

// top finds the minimum across all queues. Fixed queues come first and win
// ties, as the heap only replaces a candidate that is strictly later.
func (m *Manager) top() (int, *Timer) {
	var best *Timer
	idx := heapIndex

	for i, q := range m.fixed {
		t := q.front()
		if t == nil {
			continue
		}
		if best == nil || t.at.Before(best.at) {
			best = t
			idx = i
		}
	}

	if t := m.heap.top(); t != nil {
		if best == nil || t.at.Before(best.at) {
			best = t
			idx = heapIndex
		}
	}

	return idx, best
}

func (m *Manager) pop(idx int) *Timer {
	var t *Timer
	if idx == heapIndex {
		t = m.heap.remove()
	} else {
		t = m.fixed[idx].pop()
	}
	t.owned = false
	m.current[t.kind]--
	metrics.TimersPending.WithLabelValues(t.kind.String()).Dec()
	return t
}
