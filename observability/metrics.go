package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/interest-protocol/interest-borrow/core/events"
)

type marketMetrics struct {
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *marketMetrics
)

// Markets returns the metrics registry tracking market operations.
func Markets() *marketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &marketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "interest",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Count of committed market operations segmented by kind.",
			}, []string{"market", "operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "interest",
				Subsystem: "market",
				Name:      "liquidated_accounts_total",
				Help:      "Count of accounts resolved by liquidation batches.",
			}, []string{"market"}),
		}
		prometheus.MustRegister(marketRegistry.operations, marketRegistry.liquidations)
	})
	return marketRegistry
}

// RecordOperation increments the operation counter for a market.
func (m *marketMetrics) RecordOperation(market, operation string) {
	if m == nil || market == "" || operation == "" {
		return
	}
	m.operations.WithLabelValues(market, operation).Inc()
}

// RecordLiquidatedAccount increments the per-account liquidation counter.
func (m *marketMetrics) RecordLiquidatedAccount(market string) {
	if m == nil || market == "" {
		return
	}
	m.liquidations.WithLabelValues(market).Inc()
}

// MeteredEmitter decorates an event emitter with Prometheus counters so
// every committed operation is visible without touching engine code.
type MeteredEmitter struct {
	next events.Emitter
}

// NewMeteredEmitter wraps the supplied emitter. A nil emitter meters into
// the void, which is still useful for counters.
func NewMeteredEmitter(next events.Emitter) *MeteredEmitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &MeteredEmitter{next: next}
}

// Emit records the event in the metrics registry and forwards it.
func (m *MeteredEmitter) Emit(ev events.Event) {
	if m == nil {
		return
	}
	registry := Markets()
	switch typed := ev.(type) {
	case events.Deposit:
		registry.RecordOperation(typed.Market, "deposit")
	case events.Withdraw:
		registry.RecordOperation(typed.Market, "withdraw")
	case events.Borrow:
		registry.RecordOperation(typed.Market, "borrow")
	case events.Repay:
		registry.RecordOperation(typed.Market, "repay")
	case events.Liquidated:
		registry.RecordLiquidatedAccount(typed.Market)
	case events.Liquidation:
		registry.RecordOperation(typed.Market, "liquidate")
	case events.RewardsClaimed:
		registry.RecordOperation(typed.Market, "claimRewards")
	case events.FeesCollected:
		registry.RecordOperation(typed.Market, "collectFees")
	}
	m.next.Emit(ev)
}
