package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/cycle"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace        = "credits"
	sweepResultReset = "reset"
	sweepResultKept  = "unchanged"
	sweepResultError = "error"
	unknownRoute     = "unknown"
)

// Metrics owns the Prometheus collectors for the credit service.
type Metrics struct {
	gatherer prometheus.Gatherer

	operationsTotal     *prometheus.CounterVec
	deductedTotal       *prometheus.CounterVec
	sweepAccountsTotal  *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) *Metrics {
	metrics := &Metrics{
		gatherer: registry,
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Ledger operations by outcome",
			},
			[]string{"operation", "status"},
		),
		deductedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deducted_total",
				Help:      "Credits deducted per priced operation",
			},
			[]string{"operation"},
		),
		sweepAccountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_accounts_total",
				Help:      "Accounts visited by reset sweeps",
			},
			[]string{"result"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path", "status"},
		),
	}
	registry.MustRegister(
		metrics.operationsTotal,
		metrics.deductedTotal,
		metrics.sweepAccountsTotal,
		metrics.httpRequestDuration,
	)
	return metrics
}

// LogOperation implements credits.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry credits.OperationLog) {
	metrics.operationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Operation == credits.OperationDeduct && entry.Status == credits.StatusOK {
		metrics.deductedTotal.WithLabelValues(entry.Subject).Add(float64(entry.Amount.Int64()))
	}
}

// RecordSweep implements cycle.SweepRecorder.
func (metrics *Metrics) RecordSweep(report cycle.SweepReport) {
	failed := 0
	for _, accountErr := range report.Errors {
		if !accountErr.UserID.IsZero() {
			failed++
		}
	}
	unchanged := report.AccountsChecked - report.AccountsReset - failed
	metrics.sweepAccountsTotal.WithLabelValues(sweepResultReset).Add(float64(report.AccountsReset))
	metrics.sweepAccountsTotal.WithLabelValues(sweepResultError).Add(float64(failed))
	if unchanged > 0 {
		metrics.sweepAccountsTotal.WithLabelValues(sweepResultKept).Add(float64(unchanged))
	}
}

// GinMiddleware records request duration labelled by the matched route.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = unknownRoute
		}
		status := strconv.Itoa(ctx.Writer.Status())
		metrics.httpRequestDuration.WithLabelValues(ctx.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.gatherer, promhttp.HandlerOpts{})
}
