package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	hookInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flexmodel",
			Subsystem: "hook",
			Name:      "invocations_total",
			Help:      "Hook function invocations.",
		},
		[]string{"module", "kind", "outcome"},
	)
	hookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flexmodel",
			Subsystem: "hook",
			Name:      "duration_seconds",
			Help:      "Hook pipeline duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"module", "kind"},
	)
	collectiveOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flexmodel",
			Subsystem: "collective",
			Name:      "ops_total",
			Help:      "Collective operations issued by this rank.",
		},
		[]string{"op", "group_size"},
	)
	collectiveBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flexmodel",
			Subsystem: "collective",
			Name:      "bytes_total",
			Help:      "Tensor bytes contributed to collectives by this rank.",
		},
		[]string{"op"},
	)
	offloadedTensors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flexmodel",
			Subsystem: "offload",
			Name:      "tensors_total",
			Help:      "Activation tensors captured into the output sink.",
		},
		[]string{"module", "mode"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flexmodel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"admin", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flexmodel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"admin", "method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			hookInvocations,
			hookDuration,
			collectiveOps,
			collectiveBytes,
			offloadedTensors,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordHookInvocation(module, kind string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	hookInvocations.WithLabelValues(module, kind, outcome).Inc()
	hookDuration.WithLabelValues(module, kind).Observe(duration.Seconds())
}

func RecordCollective(op string, groupSize, bytes int) {
	RegisterMetrics()
	collectiveOps.WithLabelValues(op, strconv.Itoa(groupSize)).Inc()
	collectiveBytes.WithLabelValues(op).Add(float64(bytes))
}

func RecordOffload(module, mode string) {
	RegisterMetrics()
	offloadedTensors.WithLabelValues(module, mode).Inc()
}

func RecordHTTPRequest(admin, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(admin, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(admin, method, route, statusLabel).Observe(duration.Seconds())
}
