package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event counters updated inline by the services. They are usable before
// Register is called; registration only exposes them.
var (
	PushAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "damso",
			Subsystem: "push",
			Name:      "attempts_total",
			Help:      "Push delivery attempts by kind and outcome (sent, failed, invalid)",
		},
		[]string{"kind", "outcome"},
	)

	InvitesDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "damso",
		Subsystem: "calls",
		Name:      "invites_deduped_total",
		Help:      "Invites answered with an existing ringing call",
	})

	AnalysisFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "damso",
			Subsystem: "analysis",
			Name:      "fallback_total",
			Help:      "Call analyses that used the canned result instead of the model",
		},
		[]string{"reason"},
	)

	AnalysisLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "damso",
		Subsystem: "analysis",
		Name:      "openai_latency_seconds",
		Help:      "Latency of OpenAI chat completions",
		Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30},
	})

	WorkerTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "damso",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Background tasks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "damso",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-IP rate limiter",
		},
		[]string{"limiter"},
	)
)

// Register exposes the event counters on reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(PushAttempts, InvitesDeduped, AnalysisFallbacks, AnalysisLatency, WorkerTasks, RateLimited)
}

// CallStateCounter returns call counts grouped by state.
type CallStateCounter interface {
	CountByState(ctx context.Context) (map[string]int64, error)
}

// EmergencyCounter returns the number of unresolved emergencies.
type EmergencyCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// WorkerStatsProvider exposes background worker queue state.
type WorkerStatsProvider interface {
	QueueDepth() int
	DeadLetterCount(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers damso gauges at scrape time.
type Collector struct {
	calls       CallStateCounter
	emergencies EmergencyCounter
	worker      WorkerStatsProvider
	startTime   time.Time

	callsDesc           *prometheus.Desc
	activeEmergencyDesc *prometheus.Desc
	queueDepthDesc      *prometheus.Desc
	deadLettersDesc     *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	calls CallStateCounter,
	emergencies EmergencyCounter,
	worker WorkerStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:       calls,
		emergencies: emergencies,
		worker:      worker,
		startTime:   startTime,

		callsDesc: prometheus.NewDesc(
			"damso_calls",
			"Number of calls by state",
			[]string{"state"}, nil,
		),
		activeEmergencyDesc: prometheus.NewDesc(
			"damso_emergencies_active",
			"Number of unresolved emergencies",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"damso_worker_queue_depth",
			"Tasks waiting in the background worker queue",
			nil, nil,
		),
		deadLettersDesc: prometheus.NewDesc(
			"damso_worker_dead_letters",
			"Failed background tasks held for replay",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"damso_uptime_seconds",
			"Seconds since the damso process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsDesc
	ch <- c.activeEmergencyDesc
	ch <- c.queueDepthDesc
	ch <- c.deadLettersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		counts, err := c.calls.CountByState(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by state", "error", err)
		} else {
			for _, state := range []string{"ringing", "answered", "ended"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsDesc, prometheus.GaugeValue,
					float64(counts[state]), state,
				)
			}
		}
	}

	if c.emergencies != nil {
		n, err := c.emergencies.CountActive(ctx)
		if err != nil {
			slog.Error("metrics: failed to count active emergencies", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.activeEmergencyDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.worker != nil {
		ch <- prometheus.MustNewConstMetric(
			c.queueDepthDesc, prometheus.GaugeValue,
			float64(c.worker.QueueDepth()),
		)
		n, err := c.worker.DeadLetterCount(ctx)
		if err != nil {
			slog.Error("metrics: failed to count dead letters", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.deadLettersDesc, prometheus.GaugeValue, float64(n))
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
