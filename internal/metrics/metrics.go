package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts gate outcomes. reason is "ok", "dry_run", or the
	// failure class; it never reaches the client.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tollbot_decisions_total",
		Help: "Authorization decisions by outcome and reason.",
	}, []string{"outcome", "reason"})

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tollbot_tokens_issued_total",
		Help: "Payment tokens signed by this process.",
	})

	PriceCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tollbot_price_cache",
		Help: "Resolved-price memo lookups.",
	}, []string{"result"})

	PricingReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tollbot_pricing_reloads_total",
		Help: "Pricing cache reload attempts.",
	}, []string{"result"})
)
