package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_orders_created_total",
			Help: "Payment orders created, by payment method",
		},
		[]string{"method"},
	)

	WebhooksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_ingested_total",
			Help: "Inbound payment webhooks, by resolution outcome",
		},
		[]string{"outcome"},
	)

	AddressPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_address_polls_total",
			Help: "On-demand deposit address polls",
		},
	)

	SettlementsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_settlements_applied_total",
			Help: "Status transitions applied by the settlement state machine",
		},
		[]string{"status"},
	)

	FulfillmentFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_fulfillment_failures_total",
			Help: "Fulfillment attempts that failed after an order was paid",
		},
	)

	PriceSourceFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_price_source_fallbacks_total",
			Help: "Price strategy attempts that failed and fell through",
		},
	)

	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_provider_errors_total",
			Help: "Custodial provider call failures, by operation",
		},
		[]string{"op"},
	)

	FallbackAddresses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_fallback_addresses_total",
			Help: "Deposit addresses generated locally because the provider was unavailable",
		},
	)

	OrdersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_orders_reaped_total",
			Help: "Orders transitioned to expired by the reaper",
		},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		OrdersCreated,
		WebhooksIngested,
		AddressPolls,
		SettlementsApplied,
		FulfillmentFailures,
		PriceSourceFallbacks,
		ProviderErrors,
		FallbackAddresses,
		OrdersReaped,
	)
}
