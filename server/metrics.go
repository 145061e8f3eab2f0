package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sovereign_proxy_requests_total",
		Help: "Proxied LLM requests by upstream dialect and outcome.",
	}, []string{"dialect", "outcome"})

	debitedMicroUSDC = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_proxy_debited_micro_usdc_total",
		Help: "Total amount charged to agents, in USDC smallest units.",
	})
)
