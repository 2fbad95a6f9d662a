package settler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settler/custody"
	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
)

// Transport sends a payload to the endpoint recipient on domain destination.
type Transport interface {
	Send(ctx context.Context, destination uint32, recipient order.Identity, body []byte) (common.Hash, error)
}

// Custody moves tokens. Both transfer operations either move everything or
// nothing. ReleasePermit frees the permit nonce of a pull that was handed back.
type Custody interface {
	Transfer(ctx context.Context, token, from, to order.Identity, amount *big.Int) error
	PullWithWitness(ctx context.Context, t custody.WitnessTransfer) error
	ReleasePermit(ctx context.Context, owner common.Address, n *uint256.Int) error
}

type Paymaster interface {
	Quote(domain uint32, gas uint64) (*big.Int, error)
	Pay(messageID common.Hash, domain uint32, gas uint64, payment *big.Int, refundTo common.Address) (gas.Payment, error)
	Collected() *big.Int
	Claim(beneficiary common.Address) *big.Int
}

// Router is the settler enrolled for a remote domain, and the gas budget of
// messages handled there.
type Router struct {
	Domain  uint32         `json:"domain"`
	Address order.Identity `json:"address"`
	Gas     uint64         `json:"gas"`
}

type Options struct {
	LocalDomain uint32
	// Address is this settler's address. Opened orders are escrowed under it.
	Address   common.Address
	Store     store.Store
	Nonces    *nonce.Registry
	Custody   Custody
	Transport Transport
	Paymaster Paymaster
	// Resolvers defaults to a registry holding order.BasicResolver.
	Resolvers *order.Registry
	// FillType selects the resolver used to plan fills. Defaults to
	// order.BasicOrderDataType.
	FillType common.Hash
	// Events defaults to logging every event.
	Events EventSink
	Logger *zerolog.Logger
}

// Settler runs the order lifecycle for one domain. Every public operation
// runs under a single lock and either completes or leaves no effect.
type Settler struct {
	mu          sync.Mutex
	localDomain uint32
	address     common.Address
	store       store.Store
	nonces      *nonce.Registry
	custody     Custody
	transport   Transport
	paymaster   Paymaster
	resolvers   *order.Registry
	fillType    common.Hash
	events      EventSink
	routers     map[uint32]Router
	nowFn       func() time.Time
	logger      *zerolog.Logger
}

func New(opts Options) (*Settler, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("settler: store is required")
	case opts.Nonces == nil:
		return nil, errors.New("settler: nonce registry is required")
	case opts.Custody == nil:
		return nil, errors.New("settler: custody is required")
	case opts.Transport == nil:
		return nil, errors.New("settler: transport is required")
	case opts.Paymaster == nil:
		return nil, errors.New("settler: paymaster is required")
	case opts.Logger == nil:
		return nil, errors.New("settler: logger is required")
	}

	s := &Settler{
		localDomain: opts.LocalDomain,
		address:     opts.Address,
		store:       opts.Store,
		nonces:      opts.Nonces,
		custody:     opts.Custody,
		transport:   opts.Transport,
		paymaster:   opts.Paymaster,
		resolvers:   opts.Resolvers,
		fillType:    opts.FillType,
		events:      opts.Events,
		routers:     make(map[uint32]Router),
		nowFn:       time.Now,
		logger:      opts.Logger,
	}
	if s.resolvers == nil {
		s.resolvers = order.NewRegistry()
		s.resolvers.Register(order.BasicOrderDataType, order.BasicResolver{LocalDomain: opts.LocalDomain})
	}
	if s.fillType == (common.Hash{}) {
		s.fillType = order.BasicOrderDataType
	}
	if s.events == nil {
		s.events = logSink{logger: opts.Logger}
	}
	s.nonces.SetNotifier(func(common.Address, *uint256.Int) {
		NoncesClaimedTotal.Inc()
	})
	return s, nil
}

func (s *Settler) LocalDomain() uint32 {
	return s.localDomain
}

func (s *Settler) Address() common.Address {
	return s.address
}

// Identity is the settler address as a cross-domain identity.
func (s *Settler) Identity() order.Identity {
	return order.IdentityFromAddress(s.address)
}

// EnrollRemoteRouter sets the settler trusted on domain and the gas budget
// quoted for messages sent to it. Enrolling again replaces the entry.
func (s *Settler) EnrollRemoteRouter(domain uint32, router order.Identity, gasLimit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routers[domain] = Router{Domain: domain, Address: router, Gas: gasLimit}
	s.logger.Info().
		Uint32("domain", domain).
		Str("router", router.Hex()).
		Uint64("gas", gasLimit).
		Msg("remote router enrolled")
}

func (s *Settler) Routers() []Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	routers := make([]Router, 0, len(s.routers))
	for _, r := range s.routers {
		routers = append(routers, r)
	}
	sort.Slice(routers, func(i, j int) bool { return routers[i].Domain < routers[j].Domain })
	return routers
}

// Order returns the stored record of id. Unknown ids come back with
// store.StatusUnknown.
func (s *Settler) Order(ctx context.Context, id order.ID) (store.Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Settler) OrderHistory(ctx context.Context, id order.ID) ([]store.Transition, error) {
	return s.store.History(ctx, id)
}

func (s *Settler) OrderCounts(ctx context.Context) (map[store.Status]int64, error) {
	return s.store.CountByStatus(ctx)
}

func (s *Settler) IsNonceUsed(ctx context.Context, owner common.Address, n *uint256.Int) (bool, error) {
	return s.nonces.IsUsed(ctx, owner, n)
}

// InvalidateNonces consumes n for owner so that no order signed with it can
// be opened.
func (s *Settler) InvalidateNonces(ctx context.Context, owner common.Address, n *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nonces.Claim(ctx, owner, n); err != nil {
		return err
	}
	s.events.Emit(Event{Kind: EventNonceInvalidation, Owner: owner, Nonce: new(uint256.Int).Set(n)})
	return nil
}

// GasFees returns the gas payments collected for messages sent from here.
func (s *Settler) GasFees() *big.Int {
	return s.paymaster.Collected()
}

// ClaimGasFees hands the collected gas payments to beneficiary.
func (s *Settler) ClaimGasFees(beneficiary common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymaster.Claim(beneficiary)
}

func (s *Settler) route(domain uint32) (Router, error) {
	r, ok := s.routers[domain]
	if !ok {
		return Router{}, fmt.Errorf("%w: %d", ErrRouterNotEnrolled, domain)
	}
	return r, nil
}

func (s *Settler) now() uint64 {
	return uint64(s.nowFn().Unix())
}

// undoLog collects compensating actions for effects of an operation that
// later fails. They run in reverse order.
type undoLog struct {
	steps  []func(context.Context) error
	logger *zerolog.Logger
}

func (u *undoLog) add(step func(context.Context) error) {
	u.steps = append(u.steps, step)
}

func (u *undoLog) run(ctx context.Context) {
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](ctx); err != nil {
			u.logger.Error().Err(err).Msg("failed to revert step")
		}
	}
	u.steps = nil
}

// transfer moves amount and records the reverse transfer in undo.
func (s *Settler) transfer(ctx context.Context, undo *undoLog, token, from, to order.Identity, amount *big.Int) error {
	if err := s.custody.Transfer(ctx, token, from, to, amount); err != nil {
		return err
	}
	undo.add(func(ctx context.Context) error {
		return s.custody.Transfer(ctx, token, to, from, amount)
	})
	return nil
}
