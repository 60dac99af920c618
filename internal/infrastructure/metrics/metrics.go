package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReportsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lostfound",
		Name:      "reports_created_total",
		Help:      "Lost item reports created.",
	})

	ClaimsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lostfound",
		Name:      "claims_submitted_total",
		Help:      "Found claims submitted.",
	})

	ClaimsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lostfound",
		Name:      "claims_resolved_total",
		Help:      "Found claims resolved by the reporter.",
	}, []string{"outcome"})

	TokensReserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lostfound",
		Name:      "tokens_reserved_total",
		Help:      "Bounty tokens moved into escrow.",
	})

	TokensRewarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lostfound",
		Name:      "tokens_rewarded_total",
		Help:      "Bounty tokens released to finders.",
	})

	TokensRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lostfound",
		Name:      "tokens_refunded_total",
		Help:      "Reserved tokens returned to reporters by compensation.",
	})

	EscrowFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lostfound",
		Name:      "escrow_failures_total",
		Help:      "Escrow operations that ended in an error, by reason.",
	}, []string{"reason"})
)
