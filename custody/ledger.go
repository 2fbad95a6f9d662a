package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidSigner       = errors.New("invalid signer")
	ErrSignatureExpired    = errors.New("signature expired")
	ErrInvalidToken        = errors.New("token is not an EVM address")
)

type balanceKey struct {
	token  order.Identity
	holder order.Identity
}

// Ledger is an in-memory token ledger. Besides plain transfers it verifies
// batch permits signed over a witness, with its own nonce space per owner.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
	permits  *nonce.Registry
	chainID  uint64
	verifier common.Address
	nowFn    func() time.Time
	logger   *zerolog.Logger
}

// NewLedger creates a ledger whose permits are signed for chainID and
// verifier, the address that would verify them on chain.
func NewLedger(chainID uint64, verifier common.Address, logger *zerolog.Logger) *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*big.Int),
		permits:  nonce.NewRegistry(nonce.NewMemoryStore(), logger),
		chainID:  chainID,
		verifier: verifier,
		nowFn:    time.Now,
		logger:   logger,
	}
}

func (l *Ledger) Mint(token, holder order.Identity, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(token, holder, amount)
}

func (l *Ledger) BalanceOf(token, holder order.Identity) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[balanceKey{token, holder}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) Transfer(_ context.Context, token, from, to order.Identity, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	l.credit(token, to, amount)

	l.logger.Debug().
		Str("token", token.Hex()).
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.String()).
		Msg("transfer")
	return nil
}

func (l *Ledger) debit(token, holder order.Identity, amount *big.Int) error {
	key := balanceKey{token, holder}
	b, ok := l.balances[key]
	if !ok || b.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have.Set(b)
		}
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, holder, have, token, amount)
	}
	b.Sub(b, amount)
	return nil
}

func (l *Ledger) credit(token, holder order.Identity, amount *big.Int) {
	key := balanceKey{token, holder}
	if _, ok := l.balances[key]; !ok {
		l.balances[key] = new(big.Int)
	}
	l.balances[key].Add(l.balances[key], amount)
}
