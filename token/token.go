// Package token implements the single-shot operations of the platform token issued by the operator account:
// mint, send and burn. Each operation submits one contract call, waits for its confirmation with the guard
// engaged, and records the resulting transfers in the ledger.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/ledger"
	"github.com/tarancss/tokensync/lib/block"
	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/directory"
	"github.com/tarancss/tokensync/lib/errs"
	"github.com/tarancss/tokensync/lib/guard"
	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/store"
)

// ErrInsufficient is returned when the operator holds less tokens than requested.
var ErrInsufficient = errors.New("insufficient token balance")

// Target is the account an operation is addressed to: either a user of the directory or an address.
type Target struct {
	User    string `json:"user,omitempty"`
	Address string `json:"address,omitempty"`
}

// Result of a confirmed operation.
type Result struct {
	TxID      string           `json:"txId"`
	Block     uint64           `json:"block"`
	Transfers []store.Transfer `json:"transfers"`
}

// Balances of an account, base-10 integers.
type Balances struct {
	Address string `json:"address"`
	Ether   string `json:"ether"`
	Token   string `json:"token"`
}

// Service issues token operations.
type Service struct {
	chain  block.Chain
	ledger *ledger.Ledger
	dir    directory.Resolver
	guard  *guard.Guard
	log    *zap.Logger
}

// New returns a token service. g is the guard shared with the listener.
func New(c block.Chain, l *ledger.Ledger, dir directory.Resolver, g *guard.Guard, log *zap.Logger) *Service {
	return &Service{chain: c, ledger: l, dir: dir, guard: g, log: logging.OrNop(log).Named("token")}
}

// Mint creates quantity tokens for to.
func (s *Service) Mint(ctx context.Context, to Target, quantity string) (Result, error) {
	const op = "token.Mint"

	amount, err := parse(op, quantity)
	if err != nil {
		return Result{}, err
	}

	addr, err := s.resolve(ctx, op, to)
	if err != nil {
		return Result{}, err
	}

	return s.exec(ctx, op, types.Call{Method: types.MethodMint, Args: []interface{}{addr, amount}})
}

// Send transfers quantity tokens from the operator to to.
func (s *Service) Send(ctx context.Context, to Target, quantity string) (Result, error) {
	const op = "token.Send"

	amount, err := parse(op, quantity)
	if err != nil {
		return Result{}, err
	}

	addr, err := s.resolve(ctx, op, to)
	if err != nil {
		return Result{}, err
	}

	if err = s.funded(op, amount); err != nil {
		return Result{}, err
	}

	return s.exec(ctx, op, types.Call{Method: types.MethodTransfer, Args: []interface{}{addr, amount}})
}

// Burn destroys quantity tokens of the operator.
func (s *Service) Burn(ctx context.Context, quantity string) (Result, error) {
	const op = "token.Burn"

	amount, err := parse(op, quantity)
	if err != nil {
		return Result{}, err
	}

	if err = s.funded(op, amount); err != nil {
		return Result{}, err
	}

	return s.exec(ctx, op, types.Call{Method: types.MethodBurn, Args: []interface{}{amount}})
}

// Balance reads the live balances of address from the chain.
func (s *Service) Balance(_ context.Context, address string) (Balances, error) {
	const op = "token.Balance"

	if !common.IsHexAddress(address) {
		return Balances{}, errs.Errorf(errs.Validation, op, "invalid address %q", address)
	}

	address = strings.ToLower(address)
	bal, tok := new(big.Int), new(big.Int)

	if err := s.chain.Balance(address, bal, tok); err != nil {
		return Balances{}, errs.E(errs.Chain, op, err)
	}

	return Balances{Address: address, Ether: bal.String(), Token: tok.String()}, nil
}

// exec submits call and, with the guard engaged, waits for it and records its events. A ledger failure never fails
// the operation: the chain is authoritative.
func (s *Service) exec(ctx context.Context, op string, call types.Call) (res Result, err error) {
	hash, err := s.chain.Submit(ctx, call)
	if err != nil {
		return res, errs.E(errs.Chain, op, err)
	}

	log := s.log.With(zap.String("op", op), zap.String("tx", hash))
	log.Info("submitted")

	err = s.guard.Do(func() error {
		r, errAw := s.chain.Await(ctx, hash)
		if errAw != nil {
			return errs.E(errs.Chain, op, fmt.Errorf("cannot confirm %s: %w", hash, errAw))
		}

		if !r.Success {
			return errs.E(errs.Chain, op, fmt.Errorf("%w: %s", types.ErrReverted, hash))
		}

		res = Result{TxID: hash, Block: r.Block}

		for _, ev := range r.Events {
			t, errRec := s.ledger.Record(ctx, ledger.Token, ev)
			if errRec != nil {
				log.Error("cannot record transfer", zap.String("to", ev.To), zap.Error(errRec))

				continue
			}

			res.Transfers = append(res.Transfers, t)
		}

		return nil
	})
	if err != nil {
		log.Warn("operation failed", zap.Error(err))

		return Result{}, err
	}

	log.Info("confirmed", zap.Uint64("block", res.Block))

	return res, nil
}

// funded checks that the operator holds at least amount tokens.
func (s *Service) funded(op string, amount *big.Int) error {
	bal, tok := new(big.Int), new(big.Int)

	if err := s.chain.Balance(s.chain.Operator(), bal, tok); err != nil {
		return errs.E(errs.Chain, op, fmt.Errorf("cannot read operator balance: %w", err))
	}

	if tok.Cmp(amount) < 0 {
		return errs.E(errs.Precondition, op, fmt.Errorf("%w: have %s, need %s", ErrInsufficient, tok, amount))
	}

	return nil
}

func (s *Service) resolve(ctx context.Context, op string, t Target) (string, error) {
	switch {
	case (t.User == "") == (t.Address == ""):
		return "", errs.Errorf(errs.Validation, op, "target must have either a user or an address")
	case t.Address != "":
		if !common.IsHexAddress(t.Address) {
			return "", errs.Errorf(errs.Validation, op, "invalid address %q", t.Address)
		}

		return strings.ToLower(t.Address), nil
	}

	a, err := s.dir.Resolve(ctx, t.User)
	if errors.Is(err, directory.ErrUnknownUser) {
		return "", errs.E(errs.NotFound, op, err)
	}

	if err != nil {
		return "", errs.E(errs.Internal, op, err)
	}

	return a, nil
}

func parse(op, quantity string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(quantity, 10)
	if !ok || n.Sign() <= 0 {
		return nil, errs.Errorf(errs.Validation, op, "quantity %q is not a positive integer", quantity)
	}

	return n, nil
}
