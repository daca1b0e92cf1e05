package queue

import "golang.org/x/time/rate"

// TenantConfig rate-limits polling of one task type by one tenant (the
// forge organization of the polling worker).
type TenantConfig struct {
	TaskType  string
	TenantID  string
	RateLimit float64
	RateBurst int
}

type tenantState struct {
	limiter *rate.Limiter
}

func tenantKey(taskType, tenantID string) string {
	return taskType + ":" + tenantID
}

// SetTenantConfig adds or replaces a tenant's limits on a task type.
func (m *Manager) SetTenantConfig(cfg TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantKey(cfg.TaskType, cfg.TenantID)] = &tenantState{
		limiter: newLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}
