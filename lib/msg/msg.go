// Package msg defines the interface for different message brokers.
package msg

import (
	"sync"

	"github.com/tarancss/tokensync/lib/msg/types"
	"github.com/tarancss/tokensync/lib/store"
)

// Message broker types.
const (
	AMQP  = "amqp"
	LOCAL = "local" // no broker: jobs run in process and transfers are not published
)

// MsgBroker is the message broker used to publish recorded transfers and to queue job executions.
type MsgBroker interface { //nolint:revive // kept for symmetry with the store and block interfaces
	Setup() error
	Close() error

	// SendTransfers publishes transfers recorded in the ledger for network net.
	SendTransfers(net string, ts []store.Transfer) error

	// SendJob queues an execution of job j.Name.
	SendJob(j types.Job) error
	// GetJobs consumes the executions queued for the job called name, one at a time. The Mutex pointer is
	// provided to ensure the consumed job has been fully dealt with by the caller, so the message consumed is only
	// acknowledged when the mutex is unlocked. The caller must hold mut before calling GetJobs. Consuming stops,
	// and the jobs channel is closed, when done is closed.
	GetJobs(name string, mut *sync.Mutex, done <-chan struct{}) (<-chan types.Job, <-chan error, error)
}
