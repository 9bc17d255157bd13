// Package httpsurface exposes the health, readiness, and metrics endpoints a
// running controller serves on its -health-addr / -metrics-addr listeners.
package httpsurface

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wanshape/autoratectl/engine/telemetry/health"
	"github.com/wanshape/autoratectl/engine/telemetry/metrics"
)

// HealthHandlerOptions configures NewHealthHandler/NewReadinessHandler.
type HealthHandlerOptions struct {
	Evaluator     *health.Evaluator
	IncludeProbes bool
	Clock         func() time.Time
}

type healthResponse struct {
	Overall   health.Status        `json:"overall"`
	Probes    []health.ProbeResult `json:"probes,omitempty"`
	Generated time.Time            `json:"generated"`
	Ready     *bool                `json:"ready,omitempty"`
	Previous  string               `json:"previous,omitempty"`
	ChangedAt *time.Time           `json:"changed_at,omitempty"`
}

// readinessTracker records the last-seen overall status so responses can
// report when and from what it last changed, useful for watchdog log lines.
type readinessTracker struct {
	lastStatus atomic.Value
	changedAt  atomic.Value
}

func (rt *readinessTracker) update(cur string, now time.Time) (prev string, changedAt *time.Time) {
	if raw := rt.lastStatus.Load(); raw != nil {
		prev = raw.(string)
	}
	if prev != cur {
		rt.lastStatus.Store(cur)
		nowCopy := now
		rt.changedAt.Store(nowCopy)
		return prev, &nowCopy
	}
	if raw := rt.changedAt.Load(); raw != nil {
		cc := raw.(time.Time)
		changedAt = &cc
	}
	return prev, changedAt
}

var defaultTracker readinessTracker

// NewHealthHandler serves the rollup health snapshot with a 200 whatever its
// status (503 only when no Evaluator is configured), for dashboards and log
// scraping.
func NewHealthHandler(opts HealthHandlerOptions) http.Handler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Evaluator == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "health evaluator not configured"})
			return
		}
		snap := opts.Evaluator.Evaluate(r.Context())
		prev, changedAt := defaultTracker.update(string(snap.Overall), opts.Clock())
		resp := healthResponse{Overall: snap.Overall, Generated: snap.At}
		if opts.IncludeProbes {
			resp.Probes = snap.Probes
		}
		if prev != "" && prev != string(snap.Overall) {
			resp.Previous = prev
		}
		resp.ChangedAt = changedAt
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// NewReadinessHandler serves 503 when the rollup is unhealthy or unknown,
// for external watchdogs or orchestrators deciding whether to restart.
func NewReadinessHandler(opts HealthHandlerOptions) http.Handler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Evaluator == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "health evaluator not configured"})
			return
		}
		snap := opts.Evaluator.Evaluate(r.Context())
		prev, changedAt := defaultTracker.update(string(snap.Overall), opts.Clock())
		ready := snap.Overall == health.StatusHealthy || snap.Overall == health.StatusDegraded
		resp := healthResponse{Overall: snap.Overall, Generated: snap.At, Ready: &ready}
		if opts.IncludeProbes {
			resp.Probes = snap.Probes
		}
		if prev != "" && prev != string(snap.Overall) {
			resp.Previous = prev
		}
		resp.ChangedAt = changedAt
		w.Header().Set("Content-Type", "application/json")
		if !ready || snap.Overall == health.StatusUnknown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// NewMetricsHandler serves p's scrape endpoint when p supports one
// (PrometheusProvider does); otherwise it reports 501, and a nil p gets 404.
func NewMetricsHandler(p metrics.Provider) http.Handler {
	if p == nil {
		return http.HandlerFunc(http.NotFound)
	}
	if scraper, ok := p.(interface{ MetricsHandler() http.Handler }); ok {
		return scraper.MetricsHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics handler unavailable for this backend", http.StatusNotImplemented)
	})
}
