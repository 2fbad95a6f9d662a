package settler

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_orders_total",
			Help: "Orders that reached a status, by status",
		},
		[]string{"status"},
	)

	MessagesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_messages_dispatched_total",
			Help: "Settle and refund batches sent to remote domains",
		},
		[]string{"kind", "domain"},
	)

	MessagesHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_messages_handled_total",
			Help: "Inbound settle and refund batches, by result",
		},
		[]string{"kind", "result"},
	)

	OrdersSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_orders_skipped_total",
			Help: "Orders in inbound batches that were not in a state to be settled or refunded",
		},
	)

	NoncesClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_nonces_claimed_total",
			Help: "Order nonces consumed by opens and explicit invalidations",
		},
	)

	GasPaidTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_gas_paid_total",
			Help: "Interchain gas paid, in native token units",
		},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settler_http_request_duration_seconds",
			Help:    "Read API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(OrdersTotal)
		prometheus.MustRegister(MessagesDispatchedTotal)
		prometheus.MustRegister(MessagesHandledTotal)
		prometheus.MustRegister(OrdersSkippedTotal)
		prometheus.MustRegister(NoncesClaimedTotal)
		prometheus.MustRegister(GasPaidTotal)
		prometheus.MustRegister(HTTPRequestDuration)
	})
}

func observeGasPaid(wei *big.Int) {
	paid, _ := decimal.NewFromBigInt(wei, -18).Float64()
	GasPaidTotal.Add(paid)
}
