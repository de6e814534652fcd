package handlers

import (
	"encoding/json"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"promptlab/internal/cache"
	"promptlab/internal/experiment"
)

var (
	routeDecisionsTotal *prometheus.CounterVec
	resultsTotal        *prometheus.CounterVec
	resultDuration      *prometheus.HistogramVec
)

func InitPrometheusMetrics() {
	routeDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptlab",
			Name:      "route_decisions_total",
			Help:      "Total routing decisions, by prompt and chosen version.",
		},
		[]string{"prompt", "version", "experiment"},
	)
	resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptlab",
			Name:      "results_total",
			Help:      "Total reported experiment results, by prompt, version and outcome.",
		},
		[]string{"prompt", "version", "success"},
	)
	resultDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptlab",
			Name:      "result_duration_seconds",
			Help:      "Histogram of reported prompt execution durations in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"prompt", "version"},
	)
	prometheus.MustRegister(routeDecisionsTotal, resultsTotal, resultDuration)
}

// RouteHandler answers "which version should I use right now". With a
// running experiment it returns the routed version; otherwise it falls
// back to the cached active version. The routed version carries no
// template: consumers fetch it via the version lookup endpoint so the
// active cache never serves an override.
func RouteHandler(ctrl *experiment.Controller, vc *cache.VersionCache) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, ok := pathString(ctx, "name")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt name required")
			return
		}

		version, routed, err := ctrl.RouteRequest(name)
		if err != nil {
			storeError(ctx, err)
			return
		}

		if !routed {
			active, err := vc.Get(name)
			if err != nil {
				storeError(ctx, err)
				return
			}
			routeDecisionsTotal.WithLabelValues(name, strconv.Itoa(active.Version), "false").Inc()
			jsonResponse(ctx, map[string]any{
				"prompt":     name,
				"version":    active.Version,
				"experiment": false,
			})
			return
		}

		routeDecisionsTotal.WithLabelValues(name, strconv.Itoa(version), "true").Inc()
		jsonResponse(ctx, map[string]any{
			"prompt":     name,
			"version":    version,
			"experiment": true,
		})
	}
}

type recordResultRequest struct {
	PromptName      string   `json:"prompt_name"`
	Version         int      `json:"version"`
	CorrelationID   string   `json:"correlation_id,omitempty"`
	Success         bool     `json:"success"`
	DurationSeconds float64  `json:"duration_seconds"`
	Cost            *float64 `json:"cost,omitempty"`
}

// RecordResultHandler accepts one outcome from the execution harness.
// The correlation ID is stored opaque for out-of-band joins with the
// external tracing pipeline. Reports with no active experiment are
// accepted and dropped, matching the controller's no-op semantics.
func RecordResultHandler(ctrl *experiment.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req recordResultRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.PromptName == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt_name required")
			return
		}

		if err := ctrl.RecordResult(req.PromptName, req.Version, req.CorrelationID, req.Success, req.DurationSeconds, req.Cost); err != nil {
			storeError(ctx, err)
			return
		}

		resultsTotal.WithLabelValues(req.PromptName, strconv.Itoa(req.Version), strconv.FormatBool(req.Success)).Inc()
		resultDuration.WithLabelValues(req.PromptName, strconv.Itoa(req.Version)).Observe(req.DurationSeconds)

		ctx.SetStatusCode(fasthttp.StatusAccepted)
		jsonResponse(ctx, map[string]any{"status": "accepted"})
	}
}
