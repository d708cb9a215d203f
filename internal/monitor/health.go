package monitor

import (
	"sort"
	"sync"
	"time"
)

// Status of a component or of the whole system.
type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusDegraded Status = "DEGRADED"
	StatusOffline  Status = "OFFLINE"
)

// Components the trader reports on.
const (
	ComponentFeed           = "feed"
	ComponentVenue          = "venue"
	ComponentDatabase       = "database"
	ComponentReconciliation = "reconciliation"
)

// ComponentHealth is the last known state of one component.
type ComponentHealth struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	LastOK    time.Time `json:"last_ok,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthReport summarizes every component.
type HealthReport struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Uptime     string            `json:"uptime"`
}

// Health tracks component outcomes. A component goes DEGRADED on its first
// failure and OFFLINE after OfflineAfter consecutive failures.
type Health struct {
	mu           sync.RWMutex
	components   map[string]*ComponentHealth
	started      time.Time
	now          func() time.Time
	OfflineAfter int
}

func NewHealth() *Health {
	return &Health{
		components:   make(map[string]*ComponentHealth),
		started:      time.Now(),
		now:          time.Now,
		OfflineAfter: 3,
	}
}

// SetClock replaces the wall clock, for tests.
func (h *Health) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
	h.started = now()
}

// Observe records the outcome of one call to a component.
func (h *Health) Observe(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.components[name]
	if !ok {
		c = &ComponentHealth{Name: name}
		h.components[name] = c
	}
	now := h.now().UTC()
	c.CheckedAt = now
	if err == nil {
		c.Status = StatusOnline
		c.LastOK = now
		c.LastError = ""
		c.Failures = 0
		return
	}
	c.Failures++
	c.LastError = err.Error()
	if c.Failures >= h.OfflineAfter {
		c.Status = StatusOffline
	} else {
		c.Status = StatusDegraded
	}
}

// Report returns the components sorted by name and the worst status.
func (h *Health) Report() HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := HealthReport{Status: StatusOnline, Uptime: h.now().Sub(h.started).Truncate(time.Second).String()}
	for _, c := range h.components {
		r.Components = append(r.Components, *c)
		switch {
		case c.Status == StatusOffline:
			r.Status = StatusOffline
		case c.Status == StatusDegraded && r.Status == StatusOnline:
			r.Status = StatusDegraded
		}
	}
	sort.Slice(r.Components, func(i, j int) bool { return r.Components[i].Name < r.Components[j].Name })
	return r
}
