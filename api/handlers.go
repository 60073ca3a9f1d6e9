package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/airdrop"
	"github.com/tarancss/tokensync/lib/errs"
	"github.com/tarancss/tokensync/lib/metrics"
	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/token"
)

// Welcome is the body replied by the home page.
const Welcome = "Hello, this is tokensync!"

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  interface{} `json:"body,omitempty"`
	Error string      `json:"error,omitempty"`
}

// OpReq is the body of mint, send and burn requests. Burn ignores the target.
type OpReq struct {
	token.Target
	Quantity string `json:"quantity"`
}

// AirdropReq is the body of an airdrop request.
type AirdropReq struct {
	Destinations []airdrop.Destination `json:"destinations"`
	Quantity     string                `json:"quantity"`
}

// Submitted is replied when an airdrop request is accepted.
type Submitted struct {
	RequestID string `json:"requestId"`
}

// status maps an error kind to the http status replied.
func status(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Precondition, errs.Conflict:
		return http.StatusConflict
	case errs.Chain:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reply writes body, or err if set, to the client. ok is the status replied on success. It is meant to be deferred
// by every handler.
func (a *API) reply(rw http.ResponseWriter, r *http.Request, ok int, body *interface{}, err *error) {
	var res Response

	code := ok

	if *err != nil {
		code = status(*err)
		res.Error = (*err).Error()
	} else {
		res.Body = *body
	}

	route := "unknown"
	if cr := mux.CurrentRoute(r); cr != nil {
		if tpl, errT := cr.GetPathTemplate(); errT == nil {
			route = tpl
		}
	}

	metrics.APIRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()

	log := a.log.With(zap.String("from", r.RemoteAddr), zap.String("uri", r.RequestURI), zap.Int("code", code))
	if code >= http.StatusInternalServerError {
		log.Error("httpreq", zap.Error(*err))
	} else {
		log.Debug("httpreq", zap.Error(*err))
	}

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(&res)
}

// decode reads the json body of r into v.
func decode(op string, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.E(errs.Validation, op, fmt.Errorf("cannot decode request: %w", err))
	}

	return nil
}

// homeHandler just replies a welcome message to the client.
func (a *API) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body interface{} = Welcome

	a.reply(rw, r, http.StatusOK, &body, &err)
}

// historyHandler replies the ledger history of an address, optionally filtered by ?kind=token|item.
func (a *API) historyHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body interface{}

	defer func() { a.reply(rw, r, http.StatusOK, &body, &err) }()

	kind := store.Kind(r.URL.Query().Get("kind"))

	hs, err := a.ledger.History(r.Context(), mux.Vars(r)["address"], kind)
	if err != nil {
		return
	}

	body = hs
}

// balanceHandler replies the live chain balances of an address.
func (a *API) balanceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body interface{}

	defer func() { a.reply(rw, r, http.StatusOK, &body, &err) }()

	b, err := a.token.Balance(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		return
	}

	body = b
}

type opFunc func(req OpReq) (token.Result, error)

// operation decodes an OpReq and replies the result of f, once the call is confirmed.
func (a *API) operation(op string, f opFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var err error

		var body interface{}

		defer func() { a.reply(rw, r, http.StatusOK, &body, &err) }()

		var req OpReq
		if err = decode(op, r, &req); err != nil {
			return
		}

		res, err := f(req)
		if err != nil {
			return
		}

		body = res
	}
}

func (a *API) mintHandler(rw http.ResponseWriter, r *http.Request) {
	a.operation("api.mint", func(req OpReq) (token.Result, error) {
		return a.token.Mint(r.Context(), req.Target, req.Quantity)
	})(rw, r)
}

func (a *API) sendHandler(rw http.ResponseWriter, r *http.Request) {
	a.operation("api.send", func(req OpReq) (token.Result, error) {
		return a.token.Send(r.Context(), req.Target, req.Quantity)
	})(rw, r)
}

func (a *API) burnHandler(rw http.ResponseWriter, r *http.Request) {
	a.operation("api.burn", func(req OpReq) (token.Result, error) {
		return a.token.Burn(r.Context(), req.Quantity)
	})(rw, r)
}

// airdropHandler submits an airdrop request. It replies as soon as the request is persisted and queued: progress
// is polled at /airdrop/{id}.
func (a *API) airdropHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body interface{}

	defer func() { a.reply(rw, r, http.StatusAccepted, &body, &err) }()

	var req AirdropReq
	if err = decode("api.airdrop", r, &req); err != nil {
		return
	}

	id, err := a.airdrop.Submit(r.Context(), req.Destinations, req.Quantity)
	if err != nil {
		return
	}

	body = Submitted{RequestID: id}
}

// statusHandler replies the status of an airdrop request.
func (a *API) statusHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body interface{}

	defer func() { a.reply(rw, r, http.StatusOK, &body, &err) }()

	rep, err := a.airdrop.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return
	}

	body = rep
}
