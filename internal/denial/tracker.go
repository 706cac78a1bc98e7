package denial

import (
	"fmt"
	"sync"
	"time"
)

// Default policy values.
const (
	defaultWarningThreshold  = 2
	defaultDelayThreshold    = 3
	defaultFailFastThreshold = 4
	defaultWarningWindow     = 30 * time.Second
	defaultWindow            = 120 * time.Second
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithWarningThreshold sets the count at which a denial is classified warn.
func WithWarningThreshold(n int) Option {
	return func(t *Tracker) { t.warningThreshold = n }
}

// WithDelayThreshold sets the count at which a denial is classified delay.
func WithDelayThreshold(n int) Option {
	return func(t *Tracker) { t.delayThreshold = n }
}

// WithFailFastThreshold sets the count at or above which a denial is
// classified fail-fast.
func WithFailFastThreshold(n int) Option {
	return func(t *Tracker) { t.failFastThreshold = n }
}

// WithWarningWindow sets the window within which the warningThreshold-th
// denial must land to be classified warn rather than none.
func WithWarningWindow(d time.Duration) Option {
	return func(t *Tracker) { t.warningWindow = d }
}

// WithWindow sets the rolling window after which a target's counter resets.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) { t.window = d }
}

type counter struct {
	count       int
	firstSeenAt time.Time
	lastSeenAt  time.Time
}

// key identifies one (operation,target) pair.
type key struct {
	operation Operation
	target    string
}

// Tracker classifies repeated sandbox-denial events per (operation,target)
// into none/warn/delay/fail-fast. It is safe for
// concurrent use.
type Tracker struct {
	mu                sync.Mutex
	warningThreshold  int
	delayThreshold    int
	failFastThreshold int
	warningWindow     time.Duration
	window            time.Duration
	counters          map[key]*counter
}

// NewTracker creates a Tracker with the given options. Unset options use
// the package defaults.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		warningThreshold:  defaultWarningThreshold,
		delayThreshold:    defaultDelayThreshold,
		failFastThreshold: defaultFailFastThreshold,
		warningWindow:     defaultWarningWindow,
		window:            defaultWindow,
		counters:          make(map[key]*counter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record classifies a denial event observed at now against the target's
// rolling counter and returns the resulting Decision.
func (t *Tracker) Record(event Event, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{operation: event.Operation, target: event.Target}
	c, ok := t.counters[k]

	if !ok || now.Sub(c.firstSeenAt) > t.window {
		t.counters[k] = &counter{count: 1, firstSeenAt: now, lastSeenAt: now}
		return Decision{
			Action: ActionNone,
			Count:  1,
			Reason: fmt.Sprintf("first denial for %s %s", event.Operation, event.Target),
		}
	}

	c.count++
	c.lastSeenAt = now

	switch {
	case c.count == 1:
		return Decision{Action: ActionNone, Count: c.count, Reason: "first denial in window"}

	case c.count == t.warningThreshold:
		if now.Sub(c.firstSeenAt) <= t.warningWindow {
			return Decision{
				Action: ActionWarn,
				Count:  c.count,
				Reason: fmt.Sprintf("%d denials for %s %s within %s", c.count, event.Operation, event.Target, t.warningWindow),
			}
		}
		return Decision{Action: ActionNone, Count: c.count, Reason: "warning threshold reached outside warning window"}

	case c.count == t.delayThreshold:
		return Decision{
			Action: ActionDelay,
			Count:  c.count,
			Reason: fmt.Sprintf("%d denials for %s %s within %s", c.count, event.Operation, event.Target, t.window),
		}

	case c.count >= t.failFastThreshold:
		return Decision{
			Action: ActionFailFast,
			Count:  c.count,
			Reason: fmt.Sprintf("%d denials for %s %s, exceeding fail-fast threshold %d", c.count, event.Operation, event.Target, t.failFastThreshold),
		}

	default:
		return Decision{Action: ActionNone, Count: c.count, Reason: "below warning threshold"}
	}
}

// Reset clears the counter for a single (operation,target) pair.
func (t *Tracker) Reset(operation Operation, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counters, key{operation: operation, target: target})
}
