package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarancss/hd"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/ledger"
	"github.com/tarancss/tokensync/lib/block"
	"github.com/tarancss/tokensync/lib/config"
	"github.com/tarancss/tokensync/lib/directory"
	"github.com/tarancss/tokensync/lib/guard"
	"github.com/tarancss/tokensync/lib/jobs"
	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/msg"
	"github.com/tarancss/tokensync/lib/msg/amqp"
	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/lib/store/db"
)

// brokerRetry is the wait before the second and last attempt to connect to the broker.
const brokerRetry = 10 * time.Second

// app holds the components shared by the commands.
type app struct {
	conf   config.ServiceConfig
	log    *zap.Logger
	db     store.DB
	chain  block.Chain
	mb     msg.MsgBroker
	sched  jobs.Scheduler
	dir    directory.Resolver
	ledger *ledger.Ledger
	guard  *guard.Guard
}

// load reads the configuration and connects to the database and the blockchain. Only a serving app signs calls
// and uses the message broker; the maintenance commands run their jobs in process.
func load(opts *rootOptions, serving bool) (a *app, err error) {
	a = &app{guard: new(guard.Guard)}

	if a.conf, err = config.ExtractConfiguration(opts.confPath); err != nil {
		return nil, err
	}

	if err = a.conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if a.log, err = logging.New(a.conf.LogLevel, opts.dev); err != nil {
		return nil, err
	}

	if opts.monitor {
		go a.serveMetrics()
	}

	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.db, err = db.New(a.conf.DBType, a.conf.DBConn); err != nil {
		return a, fmt.Errorf("cannot connect to %s database: %w", a.conf.DBType, err)
	}

	a.log.Info("database connected", zap.String("type", a.conf.DBType))

	var key string

	if serving {
		if key, err = operatorKey(a.conf); err != nil {
			return a, err
		}
	}

	if a.chain, err = block.Init(a.conf.Bc, key, a.log); err != nil {
		return a, fmt.Errorf("cannot connect to %s: %w", a.conf.Bc.Name, err)
	}

	a.log.Info("blockchain client loaded", zap.String("net", a.conf.Bc.Name), zap.String("operator", a.chain.Operator()))

	a.sched = jobs.NewLocal(a.log)

	if serving && a.conf.MbType == msg.AMQP {
		if a.mb, err = broker(a.conf.MbConn, a.log); err != nil {
			return a, err
		}

		a.sched = jobs.NewBroker(a.mb, a.log)
	}

	a.dir = directory.New(a.db)
	a.ledger = ledger.New(a.conf.Bc.Name, a.db, a.chain, a.dir, a.mb, a.log)

	return a, nil
}

// broker connects to the AMQP broker and declares its exchanges.
func broker(uri string, log *zap.Logger) (msg.MsgBroker, error) {
	mb, err := amqp.New(uri, log)
	if err != nil {
		log.Warn("message broker not ready, retrying", zap.Duration("in", brokerRetry), zap.Error(err))
		time.Sleep(brokerRetry)

		if mb, err = amqp.New(uri, log); err != nil {
			return nil, fmt.Errorf("cannot connect to message broker: %w", err)
		}
	}

	if err = mb.Setup(); err != nil {
		_ = mb.Close()

		return nil, fmt.Errorf("cannot set up message broker: %w", err)
	}

	return mb, nil
}

// operatorKey derives the hex private key of the operator account from the HD wallet seed.
func operatorKey(conf config.ServiceConfig) (string, error) {
	seed, err := hex.DecodeString(conf.Seed)
	if err != nil {
		return "", fmt.Errorf("invalid hd seed: %w", err)
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		return "", fmt.Errorf("cannot initialise hd wallet: %w", err)
	}

	_, key, _, err := hdw.Address(conf.Operator.Wallet, conf.Operator.Change, conf.Operator.ID)
	if err != nil {
		return "", fmt.Errorf("cannot derive operator account %+v: %w", conf.Operator, err)
	}

	return hex.EncodeToString(key), nil
}

func (a *app) serveMetrics() {
	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())

	a.log.Info("serving metrics", zap.String("addr", ":9100"))

	if err := http.ListenAndServe(":9100", h); err != nil && !errors.Is(err, http.ErrServerClosed) { //nolint:gosec
		a.log.Error("metrics server stopped", zap.Error(err))
	}
}

// close releases the connections in reverse order of creation.
func (a *app) close() {
	if a.mb != nil {
		if err := a.mb.Close(); err != nil {
			a.log.Warn("cannot close message broker", zap.Error(err))
		}
	}

	block.End(a.chain)

	if err := db.Close(a.db); err != nil {
		a.log.Warn("cannot close database", zap.Error(err))
	}

	_ = a.log.Sync()
}

// signalContext returns a context cancelled at the first SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
