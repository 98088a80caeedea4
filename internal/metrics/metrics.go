package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement metrics exported at /metrics.
var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamtip_settlements_total",
		Help: "Distribution events processed, by source type and outcome.",
	}, []string{"source_type", "status"})

	TokensDistributedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamtip_tokens_distributed_total",
		Help: "Gross token amount settled, by source type.",
	}, []string{"source_type"})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamtip_settlement_duration_seconds",
		Help:    "Wall time of a full settle() call, commit included.",
		Buckets: prometheus.DefBuckets,
	})

	LevelUpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamtip_level_ups_total",
		Help: "Level transitions granted by the experience engine.",
	})

	RealtimePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamtip_realtime_publish_failures_total",
		Help: "Best-effort realtime publishes that returned an error.",
	})
)
