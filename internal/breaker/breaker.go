package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/metrics"
)

// State enumerates the breaker positions.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Execute when the breaker refuses the call.
var ErrOpen = errors.New("circuit breaker open")

// ErrProbeInFlight is returned by Execute when a half-open probe is already
// running; half-open permits one call at a time.
var ErrProbeInFlight = errors.New("half-open probe already in flight")

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// Transition records one state change for the audit trail.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	State         State        `json:"state"`
	Failures      int          `json:"failures"`
	Successes     int          `json:"successes"`
	LastFailureAt time.Time    `json:"lastFailureAt"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	Transitions   []Transition `json:"transitions"`
}

// Breaker is a three-state failure isolation primitive guarding an external
// dependency. All mutation is serialized behind one mutex.
type Breaker struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state         State
	failures      int
	successes     int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	probeInFlight bool

	// transitions is a ring of the last ten state changes.
	transitions []Transition
}

const transitionHistory = 10

// New constructs a closed Breaker. Zero config fields fall back to the
// 5/2/60s defaults.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// CanExecute reports whether a call may proceed. In the open state it also
// performs the cooldown check, moving to half-open once the next attempt
// time has passed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if !b.now().Before(b.nextAttemptAt) {
			b.transition(StateHalfOpen, "cooldown elapsed")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess advances the breaker after a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed, "success threshold reached")
		}
	}
}

// RecordFailure advances the breaker after a failed call.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	b.lastFailureAt = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open("failure threshold reached", err)
		}
	case StateHalfOpen:
		b.failures++
		b.open("probe failed", err)
	}
}

// Execute runs fn under breaker protection. The call itself runs without
// the lock held; only the permission check and the outcome recording
// acquire it.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			b.mu.Unlock()
			return ErrOpen
		}
		b.transition(StateHalfOpen, "cooldown elapsed")
		fallthrough
	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return ErrProbeInFlight
		}
		b.probeInFlight = true
	}
	b.mu.Unlock()

	err := fn()
	if err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.nextAttemptAt = time.Time{}
	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
	}
}

// Trip forces the breaker open, starting a fresh cooldown.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		b.open("manual trip", nil)
	} else {
		b.nextAttemptAt = b.now().Add(b.cfg.Timeout)
	}
}

// Status returns a snapshot including the transition audit trail.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	trail := make([]Transition, len(b.transitions))
	copy(trail, b.transitions)
	return Status{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		LastFailureAt: b.lastFailureAt,
		NextAttemptAt: b.nextAttemptAt,
		Transitions:   trail,
	}
}

// State returns the current state without the audit copy.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// open moves to the open state; caller holds the lock.
func (b *Breaker) open(reason string, err error) {
	b.nextAttemptAt = b.now().Add(b.cfg.Timeout)
	b.successes = 0
	if err != nil {
		b.logger.Warn("circuit breaker opening",
			slog.String("reason", reason),
			slog.Any("error", err),
			slog.Time("next_attempt_at", b.nextAttemptAt))
	}
	b.transition(StateOpen, reason)
}

// transition records a state change; caller holds the lock.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	b.transitions = append(b.transitions, Transition{From: from, To: to, Reason: reason, At: b.now()})
	if len(b.transitions) > transitionHistory {
		b.transitions = b.transitions[len(b.transitions)-transitionHistory:]
	}
	b.logger.Info("circuit breaker transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	metrics.SetBreakerState(stateGaugeValue(to))
}

func stateGaugeValue(s State) int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
