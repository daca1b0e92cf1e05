package queue

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config limits polling for one task type.
type Config struct {
	// TaskType is the task type the limits apply to.
	TaskType string

	// RateLimit is the sustained number of entries per second that may be
	// leased. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit is
	// set.
	RateBurst int

	// MaxInFlight caps how many entries of this type may be leased at the
	// same time through this manager. Zero means no cap.
	MaxInFlight int
}

type typeState struct {
	config   Config
	limiter  *rate.Limiter
	inFlight int
}

// Manager admits polls against per-task-type and per-tenant limits. It is
// safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	types   map[string]*typeState
	tenants map[string]*tenantState
}

// NewManager creates a Manager. Task types not configured here are not
// limited.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		types:   make(map[string]*typeState, len(configs)),
		tenants: make(map[string]*tenantState),
	}
	for _, cfg := range configs {
		m.types[cfg.TaskType] = newTypeState(cfg)
	}
	return m
}

func newTypeState(cfg Config) *typeState {
	return &typeState{config: cfg, limiter: newLimiter(cfg.RateLimit, cfg.RateBurst)}
}

func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Admission is the outcome of Admit. Capacity is held from Admit until
// Commit, which must be called once the poll has finished.
type Admission struct {
	m         *Manager
	taskType  string
	n         int
	limiters  []*rate.Limiter
	committed bool
}

// N is how many entries the caller may lease.
func (a *Admission) N() int { return a.n }

// Commit charges the rate limiters for the used entries that were actually
// leased and hands back the capacity held for the rest.
func (a *Admission) Commit(used int) {
	if a == nil || a.committed {
		return
	}
	a.committed = true
	used = min(max(used, 0), a.n)

	now := time.Now()
	for _, l := range a.limiters {
		if used > 0 {
			l.ReserveN(now, used)
		}
	}

	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if ts := a.m.types[a.taskType]; ts != nil {
		ts.inFlight = max(ts.inFlight-(a.n-used), 0)
	}
}

// Admit decides how many of want entries of taskType a poller in tenantID
// may lease right now. An empty tenantID skips tenant limits.
func (m *Manager) Admit(taskType, tenantID string, want int) *Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	adm := &Admission{m: m, taskType: taskType}
	if want <= 0 {
		return adm
	}

	ts := m.types[taskType]
	if ts != nil && ts.limiter != nil {
		adm.limiters = append(adm.limiters, ts.limiter)
	}
	if tenantID != "" {
		if tn := m.tenants[tenantKey(taskType, tenantID)]; tn != nil && tn.limiter != nil {
			adm.limiters = append(adm.limiters, tn.limiter)
		}
	}

	n := want
	if ts != nil && ts.config.MaxInFlight > 0 {
		n = min(n, max(ts.config.MaxInFlight-ts.inFlight, 0))
	}
	now := time.Now()
	for _, l := range adm.limiters {
		n = min(n, max(int(math.Floor(l.TokensAt(now))), 0))
	}

	adm.n = n
	if ts != nil {
		ts.inFlight += n
	}
	return adm
}

// Release returns in-flight capacity for an entry that was acked, removed,
// or reaped.
func (m *Manager) Release(taskType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.types[taskType]; ts != nil && ts.inFlight > 0 {
		ts.inFlight--
	}
}

// SetConfig adds or replaces the limits of a task type, keeping its
// in-flight count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := newTypeState(cfg)
	if existing := m.types[cfg.TaskType]; existing != nil {
		ts.inFlight = existing.inFlight
	}
	m.types[cfg.TaskType] = ts
}

// InFlight returns how many entries of taskType are currently leased
// through this manager.
func (m *Manager) InFlight(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.types[taskType]; ts != nil {
		return ts.inFlight
	}
	return 0
}
