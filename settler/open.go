package settler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/msalopek/intent_settler/custody"
	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
)

// Open opens an order submitted directly by caller, escrowing its minimum
// received outputs from the caller's balance.
func (s *Settler) Open(ctx context.Context, caller common.Address, o order.OnchainOrder) (order.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.resolvers.ResolveOnchain(caller, o)
	if err != nil {
		return order.ID{}, err
	}
	if err := s.checkOpen(ctx, res); err != nil {
		return order.ID{}, err
	}

	undo := &undoLog{logger: s.logger}
	from := order.IdentityFromAddress(caller)
	for _, out := range res.Order.MinReceived {
		if err := s.transfer(ctx, undo, out.Token, from, s.Identity(), out.Amount); err != nil {
			undo.run(ctx)
			return order.ID{}, fmt.Errorf("failed to escrow %s: %w", out.Token, err)
		}
	}
	if err := s.commitOpen(ctx, caller, res, undo); err != nil {
		return order.ID{}, err
	}
	return res.ID, nil
}

// OpenFor opens a gasless order on behalf of its user. Funds are pulled with
// the user's signature, which covers the witness hash of the resolved order.
func (s *Settler) OpenFor(ctx context.Context, o order.GaslessOrder, signature []byte) (order.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.now(); now > uint64(o.OpenDeadline) {
		return order.ID{}, fmt.Errorf("%w: deadline %d, now %d", ErrOrderOpenExpired, o.OpenDeadline, now)
	}
	if o.OriginSettler != s.address {
		return order.ID{}, fmt.Errorf("%w: %s", ErrInvalidGaslessOrderSettler, o.OriginSettler.Hex())
	}
	if o.OriginChainID != uint64(s.localDomain) {
		return order.ID{}, fmt.Errorf("%w: %d", ErrInvalidGaslessOrderOrigin, o.OriginChainID)
	}

	res, err := s.resolvers.ResolveGasless(o)
	if err != nil {
		return order.ID{}, err
	}
	if err := s.checkOpen(ctx, res); err != nil {
		return order.ID{}, err
	}

	permitted, err := custody.PermissionsFor(res.Order.MinReceived)
	if err != nil {
		return order.ID{}, err
	}
	err = s.custody.PullWithWitness(ctx, custody.WitnessTransfer{
		Permitted:         permitted,
		Owner:             o.User,
		Spender:           s.address,
		Nonce:             res.Nonce,
		Deadline:          uint64(o.OpenDeadline),
		Witness:           order.WitnessHash(res.Order),
		WitnessTypeString: order.WitnessTypeString,
		Signature:         signature,
	})
	if err != nil {
		return order.ID{}, fmt.Errorf("failed to pull funds for order %s: %w", res.ID, err)
	}

	undo := &undoLog{logger: s.logger}
	undo.add(func(ctx context.Context) error {
		return s.custody.ReleasePermit(ctx, o.User, res.Nonce)
	})
	user := order.IdentityFromAddress(o.User)
	for _, out := range res.Order.MinReceived {
		out := out
		undo.add(func(ctx context.Context) error {
			return s.custody.Transfer(ctx, out.Token, s.Identity(), user, out.Amount)
		})
	}
	if err := s.commitOpen(ctx, o.User, res, undo); err != nil {
		return order.ID{}, err
	}
	return res.ID, nil
}

// checkOpen validates a resolved order before any funds move.
func (s *Settler) checkOpen(ctx context.Context, res order.Resolution) error {
	if now := s.now(); now > uint64(res.Order.FillDeadline) {
		return fmt.Errorf("%w: deadline %d, now %d", ErrOrderFillExpired, res.Order.FillDeadline, now)
	}
	for _, fi := range res.Order.FillInstructions {
		if fi.DestinationChainID > uint64(^uint32(0)) {
			return fmt.Errorf("%w: domain %d", ErrInvalidDestination, fi.DestinationChainID)
		}
		if _, err := s.route(uint32(fi.DestinationChainID)); err != nil {
			return fmt.Errorf("%w: domain %d", ErrInvalidDestination, fi.DestinationChainID)
		}
	}

	used, err := s.nonces.IsUsed(ctx, res.Order.User, res.Nonce)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %s already used by %s", nonce.ErrInvalidNonce, res.Nonce.Dec(), res.Order.User.Hex())
	}

	rec, err := s.store.Get(ctx, res.ID)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusUnknown {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrderStatus, res.ID, rec.Status)
	}
	return nil
}

// commitOpen consumes the nonce and persists the order. When either step
// fails, undo returns the escrowed funds and the nonce is released.
func (s *Settler) commitOpen(ctx context.Context, user common.Address, res order.Resolution, undo *undoLog) error {
	encoded, err := order.EncodeResolvedOrder(res.Order)
	if err != nil {
		undo.run(ctx)
		return fmt.Errorf("failed to encode resolved order %s: %w", res.ID, err)
	}
	if err := s.nonces.Claim(ctx, user, res.Nonce); err != nil {
		undo.run(ctx)
		return err
	}
	undo.add(func(ctx context.Context) error {
		return s.nonces.Release(ctx, user, res.Nonce)
	})
	err = s.store.Put(ctx, store.Record{
		ID:            res.ID,
		Status:        store.StatusOpened,
		ResolvedOrder: encoded,
	})
	if err != nil {
		undo.run(ctx)
		return fmt.Errorf("failed to store order %s: %w", res.ID, err)
	}

	OrdersTotal.WithLabelValues(string(store.StatusOpened)).Inc()
	resolved := res.Order
	s.events.Emit(Event{Kind: EventOpen, OrderID: res.ID, Resolved: &resolved})
	return nil
}
