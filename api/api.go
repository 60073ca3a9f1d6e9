// Package api implements the RESTful surface of tokensync: ledger history, live balances, token operations and
// airdrop requests. There is no authorization, the API is meant to sit behind the platform gateway.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/airdrop"
	"github.com/tarancss/tokensync/ledger"
	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/token"
)

const timeout = 15

// API serves the REST requests.
type API struct {
	ledger  *ledger.Ledger
	token   *token.Service
	airdrop *airdrop.Engine
	log     *zap.Logger
	s       *http.Server
}

// New returns the API over the given services.
func New(l *ledger.Ledger, t *token.Service, a *airdrop.Engine, log *zap.Logger) *API {
	return &API{ledger: l, token: t, airdrop: a, log: logging.OrNop(log).Named("api")}
}

// Router returns the API definition.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", a.homeHandler)
	r.HandleFunc("/history/{address}", a.historyHandler).Methods("GET") // ledger history, ?kind=token|item
	r.HandleFunc("/balance/{address}", a.balanceHandler).Methods("GET") // live chain balances
	r.HandleFunc("/mint", a.mintHandler).Methods("POST")
	r.HandleFunc("/send", a.sendHandler).Methods("POST")
	r.HandleFunc("/burn", a.burnHandler).Methods("POST")
	r.HandleFunc("/airdrop", a.airdropHandler).Methods("POST")    // submit a request
	r.HandleFunc("/airdrop/{id}", a.statusHandler).Methods("GET") // status of a request

	return r
}

// Serve listens on endpoint:port and blocks until Stop is called.
func (a *API) Serve(endpoint, port string) error {
	a.s = &http.Server{
		Handler:      a.Router(),
		Addr:         endpoint + ":" + port,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	a.log.Info("listening to API requests", zap.String("addr", a.s.Addr))

	if err := a.s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop shuts down the http server gracefully.
func (a *API) Stop(ctx context.Context) error {
	if a.s == nil {
		return nil
	}

	return a.s.Shutdown(ctx)
}
