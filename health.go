package statsdaemon

import (
	"fmt"
	"sync/atomic"
)

// HealthStatus is the health reported by the management console and the web healthcheck.
type HealthStatus int32

const (
	// HealthUp means the daemon accepts traffic.
	HealthUp HealthStatus = iota
	// HealthDown means the daemon has been taken out of rotation.
	HealthDown
)

func (h HealthStatus) String() string {
	if h == HealthDown {
		return "down"
	}
	return "up"
}

// ParseHealthStatus parses "up" or "down".
func ParseHealthStatus(s string) (HealthStatus, error) {
	switch s {
	case "up":
		return HealthUp, nil
	case "down":
		return HealthDown, nil
	}
	return HealthUp, fmt.Errorf("invalid health status %q", s)
}

// Health holds a HealthStatus. Safe for concurrent use.
type Health struct {
	status int32
}

// NewHealth creates a Health with the given initial status.
func NewHealth(status HealthStatus) *Health {
	return &Health{status: int32(status)}
}

// Get returns the current status.
func (h *Health) Get() HealthStatus {
	return HealthStatus(atomic.LoadInt32(&h.status))
}

// Set replaces the current status.
func (h *Health) Set(status HealthStatus) {
	atomic.StoreInt32(&h.status, int32(status))
}
