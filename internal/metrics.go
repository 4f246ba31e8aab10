package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Metric_DispatchLatenciesMicro = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_latencies_micro",
		Help:    "Latencies for OnEvents dispatch in microseconds, per partition.",
		Buckets: []float64{100, 200, 300, 400, 500, 750, 1000, 1250, 1500, 2000, 2500, 3000},
	}, []string{"partition"})
	Metric_LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_operations",
		Help: "Lease store operations by type and outcome.",
	}, []string{"operation", "outcome"})
	Metric_OwnedPartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "owned_partitions",
		Help: "Number of partitions this host currently pumps.",
	})
	Metric_StolenLeases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stolen_leases",
		Help: "Leases this host stole to rebalance.",
	})
)
