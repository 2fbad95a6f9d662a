package gas

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrUnconfiguredDomain  = errors.New("gas oracle not configured for domain")
	ErrInsufficientPayment = errors.New("insufficient interchain gas payment")
)

// TokenExchangeRateScale is the fixed point scale of Oracle.TokenExchangeRate.
var TokenExchangeRateScale = big.NewInt(1e10)

// Oracle prices gas on a remote domain in the local native token.
type Oracle struct {
	GasPrice          *big.Int `json:"gas_price"`
	TokenExchangeRate *big.Int `json:"token_exchange_rate"`
	GasOverhead       uint64   `json:"gas_overhead"`
}

type Payment struct {
	MessageID common.Hash    `json:"message_id"`
	Domain    uint32         `json:"domain"`
	Gas       uint64         `json:"gas"`
	Required  *big.Int       `json:"required"`
	Paid      *big.Int       `json:"paid"`
	Refund    *big.Int       `json:"refund"`
	RefundTo  common.Address `json:"refund_to"`
}

// Paymaster quotes and collects interchain gas payments.
type Paymaster struct {
	mu        sync.RWMutex
	oracles   map[uint32]Oracle
	collected *big.Int
	payments  []Payment
	logger    *zerolog.Logger
}

func NewPaymaster(logger *zerolog.Logger) *Paymaster {
	return &Paymaster{
		oracles:   make(map[uint32]Oracle),
		collected: new(big.Int),
		logger:    logger,
	}
}

func (p *Paymaster) SetOracle(domain uint32, o Oracle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oracles[domain] = Oracle{
		GasPrice:          copyInt(o.GasPrice),
		TokenExchangeRate: copyInt(o.TokenExchangeRate),
		GasOverhead:       o.GasOverhead,
	}
}

// Domains returns the configured domains in ascending order.
func (p *Paymaster) Domains() []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	domains := make([]uint32, 0, len(p.oracles))
	for d := range p.oracles {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	return domains
}

// Quote returns (gas + overhead) * gasPrice * exchangeRate / 1e10.
func (p *Paymaster) Quote(domain uint32, gas uint64) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quote(domain, gas)
}

func (p *Paymaster) quote(domain uint32, gas uint64) (*big.Int, error) {
	o, ok := p.oracles[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnconfiguredDomain, domain)
	}
	total := new(big.Int).SetUint64(gas)
	total.Add(total, new(big.Int).SetUint64(o.GasOverhead))
	total.Mul(total, o.GasPrice)
	total.Mul(total, o.TokenExchangeRate)
	return total.Div(total, TokenExchangeRateScale), nil
}

// Pay records payment for messageID. Anything above the quote is returned
// to refundTo through the Refund field.
func (p *Paymaster) Pay(messageID common.Hash, domain uint32, gas uint64, payment *big.Int, refundTo common.Address) (Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	required, err := p.quote(domain, gas)
	if err != nil {
		return Payment{}, err
	}
	paid := copyInt(payment)
	if paid.Cmp(required) < 0 {
		return Payment{}, fmt.Errorf("%w: required %s, paid %s", ErrInsufficientPayment, required, paid)
	}

	rec := Payment{
		MessageID: messageID,
		Domain:    domain,
		Gas:       gas,
		Required:  required,
		Paid:      paid,
		Refund:    new(big.Int).Sub(paid, required),
		RefundTo:  refundTo,
	}
	p.collected.Add(p.collected, required)
	p.payments = append(p.payments, rec)

	p.logger.Info().
		Str("message_id", messageID.Hex()).
		Uint32("domain", domain).
		Uint64("gas", gas).
		Str("required", FormatAmount(required)).
		Str("refund", FormatAmount(rec.Refund)).
		Msg("gas payment")
	return rec, nil
}

// Collected returns the fees held by the paymaster.
func (p *Paymaster) Collected() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.collected)
}

// Claim hands out the held fees and resets the balance.
func (p *Paymaster) Claim(beneficiary common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	claimed := p.collected
	p.collected = new(big.Int)
	p.logger.Info().
		Str("beneficiary", beneficiary.Hex()).
		Str("amount", FormatAmount(claimed)).
		Msg("gas fees claimed")
	return claimed
}

func (p *Paymaster) Payments() []Payment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Payment{}, p.payments...)
}

// FormatAmount renders an 18 decimals native token amount.
func FormatAmount(wei *big.Int) string {
	return decimal.NewFromBigInt(copyInt(wei), -18).String()
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
