package health

import (
	"sort"
	"sync"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// UnhealthyAfter is the number of consecutive failures after which an
// observed component is reported unhealthy instead of degraded.
const UnhealthyAfter = 3

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Failures  int       `json:"consecutiveFailures,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Report is the snapshot folded into the session status.
type Report struct {
	Status     Status  `json:"status"`
	Components []Check `json:"components"`
}

// Monitor tracks health checks for the engine, transport and other components.
// A nil *Monitor ignores updates and reports healthy.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
	}
}

// Update records the health status for a named component.
func (m *Monitor) Update(name string, status Status, message string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.checks[name]
	failures := 0
	if status != Healthy {
		failures = prev.Failures + 1
	}
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		Failures:  failures,
		UpdatedAt: time.Now(),
	}

	if status != Healthy && prev.Status != status {
		log.Warn("health check degraded", "component", name, "status", string(status), "message", message)
	} else if status == Healthy && prev.Status != "" && prev.Status != Healthy {
		log.Info("health check recovered", "component", name)
	}
}

// Observe derives a status from the outcome of an operation against a
// component: nil is healthy, an error is degraded until it has repeated
// UnhealthyAfter times in a row.
func (m *Monitor) Observe(name string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.Update(name, Healthy, "")
		return
	}

	m.mu.RLock()
	failures := m.checks[name].Failures
	m.mu.RUnlock()

	status := Degraded
	if failures+1 >= UnhealthyAfter {
		status = Unhealthy
	}
	m.Update(name, status, err.Error())
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	if m == nil {
		return Check{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks.
func (m *Monitor) Overall() Status {
	if m == nil {
		return Healthy
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// Report returns every check sorted by name together with the overall status.
func (m *Monitor) Report() Report {
	if m == nil {
		return Report{Status: Healthy}
	}
	m.mu.RLock()
	checks := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return Report{Status: m.Overall(), Components: checks}
}

func statusRank(s Status) int {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 0
	}
}
