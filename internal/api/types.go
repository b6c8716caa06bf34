package api

import (
	"github.com/bulwarkhq/bulwark/internal/metrics"
)

// EntityStatus is the externally visible state of one managed entity.
type EntityStatus struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind"` // plugin | target
	State    string          `json:"state,omitempty"`
	Healthy  bool            `json:"healthy"`
	Breaker  string          `json:"breaker"`
	Critical bool            `json:"critical,omitempty"`
	Weight   int             `json:"weight,omitempty"`
	InFlight int64           `json:"in_flight"`
	Metrics  metrics.Summary `json:"metrics"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Entities      int    `json:"entities"`
	OpenBreakers  int    `json:"open_breakers"`
}

// SystemHealthResponse is returned by GET /system/health.
type SystemHealthResponse struct {
	Status        string         `json:"status"` // ok | degraded
	UptimeSeconds int64          `json:"uptime_seconds"`
	Entities      []EntityStatus `json:"entities"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
