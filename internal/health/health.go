// Package health exposes liveness and readiness endpoints.
//
// The handler serves:
//   - /live: goroutine count below threshold
//   - /ready: liveness plus every registered readiness probe
//
// Append ?full=1 for per-check results.
package health

import (
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxGoroutines bounds the liveness goroutine check. Every open
// connection holds one read loop goroutine.
const DefaultMaxGoroutines = 100000

// CheckTimeout bounds a single readiness probe.
const CheckTimeout = time.Second

// Probe reports nil when the component can serve requests.
type Probe func() error

// Options configures the handler.
type Options struct {
	// Registry, when set, receives a status gauge per check.
	Registry  prometheus.Registerer
	Namespace string

	MaxGoroutines int
	Readiness     map[string]Probe
}

// NewHandler builds the health handler.
func NewHandler(opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registry != nil {
		h = healthcheck.NewMetricsHandler(opts.Registry, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}

	maxGoroutines := opts.MaxGoroutines
	if maxGoroutines <= 0 {
		maxGoroutines = DefaultMaxGoroutines
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	for name, probe := range opts.Readiness {
		h.AddReadinessCheck(name, healthcheck.Timeout(healthcheck.Check(probe), CheckTimeout))
	}
	return h
}
