// Package types defines the messages carried by the message brokers.
package types

import (
	"time"
)

// Exchange names.
const (
	ExchangeEvents = "ee"   // ledger events: transfers recorded by the service
	ExchangeJobs   = "jobs" // job executions, routed by job name
)

// Job is an execution request of a named job. Payload is opaque to the broker.
type Job struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Payload  string    `json:"payload"`
	Enqueued time.Time `json:"enqueued"`
}
