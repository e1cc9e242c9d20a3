// Package metrics holds the Prometheus counters shared by the HTTP layer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

var (
	LogsIngested     *prometheus.CounterVec
	IngestRejected   *prometheus.CounterVec
	ProvisioningRuns *prometheus.CounterVec

	initOnce sync.Once
)

// Init registers the counters with the default registry. Until it is
// called the count helpers do nothing.
func Init() {
	initOnce.Do(func() {
		LogsIngested = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsdash",
				Name:      "logs_ingested_total",
				Help:      "Canonical logs persisted, by source.",
			},
			[]string{"user", "source"},
		)
		IngestRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsdash",
				Name:      "ingest_rejected_total",
				Help:      "Ingestion requests rejected before persistence, by route and status.",
			},
			[]string{"route", "status"},
		)
		ProvisioningRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opsdash",
				Name:      "provisioning_operations_total",
				Help:      "Pipeline setup and teardown calls, by outcome.",
			},
			[]string{"user", "operation", "outcome"},
		)
		prometheus.MustRegister(LogsIngested, IngestRejected, ProvisioningRuns)
	})
}

func Ingested(userID, source string) {
	if LogsIngested != nil {
		LogsIngested.WithLabelValues(userID, source).Inc()
	}
}

func Rejected(route string, status int) {
	if IngestRejected != nil {
		IngestRejected.WithLabelValues(route, fasthttp.StatusMessage(status)).Inc()
	}
}

func Provisioning(userID, op string, err error) {
	if ProvisioningRuns == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ProvisioningRuns.WithLabelValues(userID, op, outcome).Inc()
}
