// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/msg/types"
	"github.com/tarancss/tokensync/lib/store"
)

// Amqp implements a connection to a broker and a channel for reuse when publishing.
type Amqp struct {
	conn *amqp.Connection
	log  *zap.Logger

	l      sync.Mutex // guards ch, amqp channels are not safe for concurrent publishing
	ch     *amqp.Channel
	queues map[string]struct{} // job queues declared
}

// New instantiates a new amqp broker.
func New(uri string, log *zap.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to message broker: %w", err)
	}

	r := &Amqp{conn: conn, log: logging.OrNop(log).Named("amqp"), queues: make(map[string]struct{})}
	r.log.Info("connected to message broker")

	return r, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - ee ("explorer events"): recorded transfers are published to this exchange
//
// - jobs: job executions are published to this exchange, routed by job name
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	// declare exchanges
	if err = channel.ExchangeDeclare(types.ExchangeEvents, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(types.ExchangeJobs, amqp.ExchangeDirect, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.l.Lock()
	defer r.l.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("error closing amqp.Channel", zap.Error(err))
		}

		r.ch = nil
	}

	return r.conn.Close()
}

// publish sends body to exchange with the routing key. Must not be called with the lock held.
func (r *Amqp) publish(exchange, key string, headers amqp.Table, v interface{}) error {
	// marshal to JSON
	jsonDoc, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.l.Lock()
	defer r.l.Unlock()
	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		Headers:      headers,
		Body:         jsonDoc,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
	}

	if err = r.ch.Publish(exchange, key, false, false, msg); err != nil {
		// the channel is closed by the server on errors, get a new one next time
		r.ch = nil

		return fmt.Errorf("cannot publish to %s: %w", exchange, err)
	}

	return nil
}

// SendTransfers publishes transfer events to the "ee" exchange with routing key <net>.<kind>.<txId>.
func (r *Amqp) SendTransfers(net string, ts []store.Transfer) (err error) {
	for _, t := range ts {
		if errPub := r.publish(types.ExchangeEvents, net+"."+string(t.Kind)+"."+t.TxID,
			amqp.Table{"x-trans-name": net + "." + t.TxID}, t); errPub != nil {
			r.log.Error("cannot send transfer event", zap.String("net", net), zap.String("tx", t.TxID),
				zap.Error(errPub))

			err = errPub
		}
	}

	return err
}

// SendJob publishes a job execution to the "jobs" exchange. The queue of the job is declared on its first execution
// so executions published before anyone consumes them are kept.
func (r *Amqp) SendJob(j types.Job) error {
	r.l.Lock()
	_, ok := r.queues[j.Name]
	r.l.Unlock()

	if !ok {
		ch, err := r.conn.Channel()
		if err != nil {
			return err
		}

		err = declare(ch, j.Name)
		ch.Close()

		if err != nil {
			return fmt.Errorf("cannot declare queue for job %s: %w", j.Name, err)
		}

		r.l.Lock()
		r.queues[j.Name] = struct{}{}
		r.l.Unlock()
	}

	return r.publish(types.ExchangeJobs, j.Name, amqp.Table{"x-job-id": j.ID}, j)
}

// declare declares the durable queue of job name and binds it to the "jobs" exchange.
func declare(ch *amqp.Channel, name string) error {
	queue := types.ExchangeJobs + "." + name

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	return ch.QueueBind(queue, name, types.ExchangeJobs, false, nil)
}

// GetJobs consumes the executions of job name pushing them to the returned channel. The queue is durable and has a
// prefetch of one, so at most one execution is delivered and unacknowledged at any time. The Mutex pointer is
// provided to ensure the consumed job has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked. Consuming stops when done is closed.
func (r *Amqp) GetJobs(name string, mut *sync.Mutex, done <-chan struct{}) (<-chan types.Job, <-chan error, error) {
	// consumers get their own channel so Qos does not affect publishing
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	if err = declare(ch, name); err != nil {
		ch.Close()

		return nil, nil, err
	}

	if err = ch.Qos(1, 0, false); err != nil {
		ch.Close()

		return nil, nil, err
	}
	// create channel for receiving jobs
	msgs, err := ch.Consume(types.ExchangeJobs+"."+name, "tokensync-"+name, false, false, false, false, nil)
	if err != nil {
		ch.Close()

		return nil, nil, err
	}
	// define channels to return
	jobs := make(chan types.Job)
	errs := make(chan error)
	// start routine to consume messages from broker, closing the channel requeues the unacknowledged one
	go func() {
		r.deliver(name, msgs, mut, done, jobs, errs)

		if errC := ch.Close(); errC != nil {
			r.log.Debug("cannot close consumer channel", zap.String("job", name), zap.Error(errC))
		}
	}()

	return jobs, errs, nil
}

// deliver pushes the jobs of msgs to jobs, and acknowledges each once mut is unlocked, until msgs is closed or
// done is. A job not taken by the time done is closed goes back to the queue.
func (r *Amqp) deliver(name string, msgs <-chan amqp.Delivery, mut *sync.Mutex, done <-chan struct{},
	jobs chan<- types.Job, errs chan<- error) {
	defer close(jobs)

	for {
		var m amqp.Delivery

		select {
		case <-done:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}

			m = d
		}

		var j types.Job
		if err := json.Unmarshal(m.Body, &j); err != nil {
			_ = m.Nack(false, false) // malformed, drop it

			select {
			case errs <- err:
			case <-done:
				return
			}

			continue
		}

		select {
		case jobs <- j:
		case <-done:
			_ = m.Nack(false, true)

			return
		}

		mut.Lock() // wait for the job to finish
		if err := m.Ack(false); err != nil {
			r.log.Warn("cannot acknowledge job", zap.String("job", name), zap.String("id", j.ID), zap.Error(err))
		}
	}
}
