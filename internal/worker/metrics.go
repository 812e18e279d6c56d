package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job families used as the metric label.
const (
	familyKitchen   = "kitchen"
	familyFiscal    = "fiscal"
	familyNonFiscal = "non_fiscal"
)

var (
	metricJobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sushiamo_jobs_claimed_total",
		Help: "Print jobs claimed from the cloud queue.",
	}, []string{"family"})

	metricJobsPrinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sushiamo_jobs_printed_total",
		Help: "Print jobs delivered and acked successfully.",
	}, []string{"family"})

	metricJobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sushiamo_jobs_failed_total",
		Help: "Print jobs acked as failed.",
	}, []string{"family"})

	metricServiceRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sushiamo_service_running",
		Help: "Whether the print service loop is running.",
	})
)
