// Package metrics declares the Prometheus series exported by tokensync. They are served at /metrics when the
// service is started with the -m flag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerRecords counts Record calls by source (listener, backfill, token, airdrop) and result (stored,
	// existing, duplicate, unpersisted).
	LedgerRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensync",
		Subsystem: "ledger",
		Name:      "records_total",
		Help:      "Transfer records handled by the ledger",
	}, []string{"source", "result"})

	ListenerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensync",
		Subsystem: "listener",
		Name:      "events_total",
		Help:      "Live events received by the listener",
	}, []string{"event", "action"})

	BackfillEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensync",
		Subsystem: "listener",
		Name:      "backfill_events_total",
		Help:      "Historical events processed at start-up",
	}, []string{"result"})

	AirdropChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensync",
		Subsystem: "airdrop",
		Name:      "chunks_total",
		Help:      "Airdrop chunk status transitions",
	}, []string{"status"})

	JobHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokensync",
		Subsystem: "jobs",
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Last liveness extension reported by a running job",
	}, []string{"job"})

	ChainCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensync",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Calls to the blockchain node",
	}, []string{"method", "result"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensync",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "REST requests by route template and status code",
	}, []string{"route", "code"})
)

// Result returns "ok" or "error" for a chain call outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
