package session

import (
	"errors"
	"fmt"
	"time"
)

// Default restart parameters.
const (
	defaultRestartDelay    = 500 * time.Millisecond
	defaultMaxRestartDelay = 8 * time.Second
	defaultMaxRestarts     = 10
)

// ErrRestartsExhausted is surfaced when a recognition session keeps ending
// and the restart budget is used up.
var ErrRestartsExhausted = errors.New("recognition restarts exhausted")

// Timer is a pending callback created by a Clock.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Clock creates timers. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RestartPolicy controls automatic restarts after a session ends while the
// user still wants to listen.
type RestartPolicy struct {
	// Enabled turns automatic restarts on.
	Enabled bool

	// Delay is the debounce before the first restart. Doubles on every
	// consecutive restart up to MaxDelay. Defaults to 500ms if zero.
	Delay time.Duration

	// MaxDelay caps the backoff. Defaults to 8s if zero.
	MaxDelay time.Duration

	// MaxRestarts is the number of consecutive restarts without a result
	// before giving up. Zero means the default of 10; negative means
	// unlimited.
	MaxRestarts int
}

// DefaultRestartPolicy returns an enabled policy with default parameters.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Enabled:     true,
		Delay:       defaultRestartDelay,
		MaxDelay:    defaultMaxRestartDelay,
		MaxRestarts: defaultMaxRestarts,
	}
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.Delay <= 0 {
		p.Delay = defaultRestartDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxRestartDelay
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	if p.MaxRestarts == 0 {
		p.MaxRestarts = defaultMaxRestarts
	}
	return p
}

// Validate reports every problem with p.
func (p RestartPolicy) Validate() error {
	var errs []error
	if p.Delay < 0 {
		errs = append(errs, fmt.Errorf("session: restart delay must be >= 0, got %s", p.Delay))
	}
	if p.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("session: max restart delay must be >= 0, got %s", p.MaxDelay))
	}
	return errors.Join(errs...)
}

// restarter schedules debounced restarts. It is guarded by the controller's
// mutex; the generation counter lets a fired callback detect that it was
// cancelled or superseded while it waited for the lock.
type restarter struct {
	clock  Clock
	policy RestartPolicy

	attempts   int
	generation uint64
	timer      Timer
}

func newRestarter(clock Clock, policy RestartPolicy) *restarter {
	if clock == nil {
		clock = realClock{}
	}
	return &restarter{clock: clock, policy: policy.withDefaults()}
}

// nextDelay returns the backoff for the upcoming attempt.
func (r *restarter) nextDelay() time.Duration {
	d := r.policy.Delay
	for i := 0; i < r.attempts && d < r.policy.MaxDelay; i++ {
		d *= 2
	}
	return min(d, r.policy.MaxDelay)
}

// exhausted reports whether no further attempt is allowed.
func (r *restarter) exhausted() bool {
	return r.policy.MaxRestarts >= 0 && r.attempts >= r.policy.MaxRestarts
}

// schedule arms the timer for the next attempt and returns the delay used.
// fire receives the generation it was scheduled with.
func (r *restarter) schedule(fire func(gen uint64)) time.Duration {
	r.cancel()
	d := r.nextDelay()
	r.attempts++
	gen := r.generation
	r.timer = r.clock.AfterFunc(d, func() { fire(gen) })
	return d
}

// cancel stops a pending timer and invalidates callbacks already in flight.
// It reports whether a restart was pending.
func (r *restarter) cancel() bool {
	r.generation++
	if r.timer == nil {
		return false
	}
	r.timer.Stop()
	r.timer = nil
	return true
}

// claim consumes the pending timer if gen is still current.
func (r *restarter) claim(gen uint64) bool {
	if gen != r.generation || r.timer == nil {
		return false
	}
	r.timer = nil
	return true
}

func (r *restarter) pending() bool { return r.timer != nil }

// succeeded resets the consecutive attempt counter.
func (r *restarter) succeeded() { r.attempts = 0 }

func (r *restarter) setPolicy(p RestartPolicy) { r.policy = p.withDefaults() }
