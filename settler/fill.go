package settler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
)

// Fill delivers an order's outputs on this, its destination, domain. The
// order must have no local record yet, which rules out double fills and
// fills of orders opened here.
func (s *Settler) Fill(ctx context.Context, filler common.Address, id order.ID, originData, fillerData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusUnknown {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrderStatus, id, rec.Status)
	}

	plan, err := s.fillPlan(id, originData)
	if err != nil {
		return err
	}
	if now := s.now(); now > uint64(plan.FillDeadline) {
		return fmt.Errorf("%w: deadline %d, now %d", ErrOrderFillExpired, plan.FillDeadline, now)
	}
	if plan.DestinationDomain != s.localDomain {
		return fmt.Errorf("%w: %d", ErrInvalidOrderDomain, plan.DestinationDomain)
	}

	undo := &undoLog{logger: s.logger}
	from := order.IdentityFromAddress(filler)
	for _, t := range plan.Transfers {
		if err := s.transfer(ctx, undo, t.Token, from, t.Recipient, t.Amount); err != nil {
			undo.run(ctx)
			return fmt.Errorf("failed to fill order %s: %w", id, err)
		}
	}

	err = s.store.Put(ctx, store.Record{
		ID:         id,
		Status:     store.StatusFilled,
		OriginData: originData,
		FillerData: fillerData,
	})
	if err != nil {
		undo.run(ctx)
		return fmt.Errorf("failed to store order %s: %w", id, err)
	}

	OrdersTotal.WithLabelValues(string(store.StatusFilled)).Inc()
	s.events.Emit(Event{Kind: EventFilled, OrderID: id, OriginData: originData, FillerData: fillerData})
	return nil
}

// fillPlan checks that originData belongs to id and decodes it.
func (s *Settler) fillPlan(id order.ID, originData []byte) (order.FillPlan, error) {
	if order.ID(crypto.Keccak256Hash(originData)) != id {
		return order.FillPlan{}, fmt.Errorf("%w: %s", ErrInvalidOrderID, id)
	}
	resolver, err := s.resolvers.Lookup(s.fillType)
	if err != nil {
		return order.FillPlan{}, err
	}
	return resolver.FillPlan(originData)
}
