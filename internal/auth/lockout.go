package auth

import (
	"context"
	"sync"
	"time"
)

// Policy configures the progressive lockout.
type Policy struct {
	// MaxAttempts consecutive failures trigger a lock.
	MaxAttempts int `yaml:"max_attempts"`
	// Periods are the successive lock durations; the last one repeats.
	Periods []time.Duration `yaml:"periods"`
	// Forget drops the failure history of a username idle this long.
	Forget time.Duration `yaml:"forget"`
}

// DefaultPolicy locks after 3 failures for 1, 2, 5 and then 15 minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Periods:     []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute},
		Forget:      24 * time.Hour,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if len(p.Periods) == 0 {
		p.Periods = d.Periods
	}
	if p.Forget <= 0 {
		p.Forget = d.Forget
	}
	return p
}

// period returns the duration of the n-th lock (1-based).
func (p Policy) period(n int) time.Duration {
	i := n - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Periods) {
		i = len(p.Periods) - 1
	}
	return p.Periods[i]
}

// Attempt is the outcome of recording one failed login.
type Attempt struct {
	// AttemptsLeft before the next lock; zero when this failure locked.
	AttemptsLeft int
	// LockedFor is the lock just applied, or zero.
	LockedFor time.Duration
}

// LockoutStore keeps per-username failure state.
type LockoutStore interface {
	// Remaining returns how long key stays locked, or zero.
	Remaining(ctx context.Context, key string) (time.Duration, error)
	// Fail records a failed attempt for key.
	Fail(ctx context.Context, key string) (Attempt, error)
	// Reset clears all state for key after a successful login.
	Reset(ctx context.Context, key string) error
}

type lockState struct {
	failures int
	locks    int
	until    time.Time
	touched  time.Time
}

// MemoryLockout is a process-local LockoutStore.
type MemoryLockout struct {
	policy Policy
	now    func() time.Time

	mu    sync.Mutex
	state map[string]*lockState
}

// NewMemoryLockout creates an empty in-memory store.
func NewMemoryLockout(p Policy) *MemoryLockout {
	return &MemoryLockout{policy: p.normalized(), now: time.Now, state: make(map[string]*lockState)}
}

// idle reports whether st is unlocked and untouched for the forget period.
func (m *MemoryLockout) idle(st *lockState, now time.Time) bool {
	return now.Sub(st.touched) > m.policy.Forget && !now.Before(st.until)
}

func (m *MemoryLockout) get(key string, now time.Time) *lockState {
	st, ok := m.state[key]
	if ok && m.idle(st, now) {
		delete(m.state, key)
		ok = false
	}
	if !ok {
		st = &lockState{}
		m.state[key] = st
	}
	return st
}

func (m *MemoryLockout) Remaining(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[key]
	if !ok {
		return 0, nil
	}
	now := m.now()
	if m.idle(st, now) {
		delete(m.state, key)
		return 0, nil
	}
	if d := st.until.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}

// Sweep drops the state of every idle username and returns how many
// entries were removed.
func (m *MemoryLockout) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for key, st := range m.state {
		if m.idle(st, now) {
			delete(m.state, key)
			n++
		}
	}
	return n
}

func (m *MemoryLockout) Fail(_ context.Context, key string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.get(key, now)
	st.touched = now
	st.failures++
	if st.failures < m.policy.MaxAttempts {
		return Attempt{AttemptsLeft: m.policy.MaxAttempts - st.failures}, nil
	}
	st.failures = 0
	st.locks++
	period := m.policy.period(st.locks)
	st.until = now.Add(period)
	return Attempt{LockedFor: period}, nil
}

func (m *MemoryLockout) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
	return nil
}
