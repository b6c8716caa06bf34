package plugin

import (
	"context"
	"time"

	"github.com/bulwarkhq/bulwark/internal/protocol"
)

// Health is a plugin's self-reported health status.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Handler is the capability set every plugin exposes to the host. An
// implementation may live in-process or behind a subprocess boundary; the
// orchestrator treats both uniformly and never branches on the kind.
// Implementations behind a boundary must convert every fault into an error
// return - nothing may leak into the host uncaught.
type Handler interface {
	// Name returns the plugin identifier.
	Name() string

	// Initialize prepares the plugin with its configuration blob. Called
	// once before the plugin becomes active.
	Initialize(ctx context.Context, config map[string]any) error

	// Shutdown releases plugin resources. Called once when the plugin is
	// unregistered or replaced.
	Shutdown(ctx context.Context) error

	// HealthCheck reports liveness. Probed in the background, never on the
	// request path.
	HealthCheck(ctx context.Context) (Health, error)

	// BeforeRequest may mutate the request before routing.
	BeforeRequest(ctx context.Context, req *protocol.HTTPRequest) error

	// AfterResponse may mutate the response before it is returned.
	AfterResponse(ctx context.Context, res *protocol.HTTPResponse) error

	// MaxExecutionTime is the plugin's declared call deadline. Config may
	// override it per entity.
	MaxExecutionTime() time.Duration

	// Critical reports whether this plugin's failure aborts the request.
	Critical() bool
}
