package settler

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
)

// Settle asks the origin domain of the given filled orders to release their
// escrow to the receivers in the filler data stored at fill time. Orders stay
// FILLED, so a lost batch can be dispatched again.
func (s *Settler) Settle(ctx context.Context, filler common.Address, ids []order.ID, payment *big.Int) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return common.Hash{}, ErrEmptyBatch
	}
	fillerData := make([][]byte, len(ids))
	var origin uint32
	for i, id := range ids {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return common.Hash{}, err
		}
		if rec.Status != store.StatusFilled {
			return common.Hash{}, fmt.Errorf("%w: order %s is %s", ErrInvalidOrderStatus, id, rec.Status)
		}
		plan, err := s.fillPlan(id, rec.OriginData)
		if err != nil {
			return common.Hash{}, err
		}
		if i == 0 {
			origin = plan.OriginDomain
		} else if plan.OriginDomain != origin {
			return common.Hash{}, fmt.Errorf("%w: %d and %d", ErrMixedOriginDomains, origin, plan.OriginDomain)
		}
		fillerData[i] = rec.FillerData
	}

	msgID, err := s.dispatchSettle(ctx, origin, ids, fillerData, payment, filler)
	if err != nil {
		return common.Hash{}, err
	}
	s.events.Emit(Event{Kind: EventSettle, OrderIDs: ids, Domain: origin, MessageID: msgID})
	return msgID, nil
}

// Refund marks unfilled orders whose fill deadline has passed as REFUNDED on
// this, their destination, domain and asks the origin domain to return the
// escrow to the users. Each order is given by its fill instruction origin data.
func (s *Settler) Refund(ctx context.Context, caller common.Address, originData [][]byte, payment *big.Int) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(originData) == 0 {
		return common.Hash{}, ErrEmptyBatch
	}
	ids := make([]order.ID, len(originData))
	var origin uint32
	for i, data := range originData {
		id := order.ID(crypto.Keccak256Hash(data))
		plan, err := s.fillPlan(id, data)
		if err != nil {
			return common.Hash{}, err
		}
		if plan.DestinationDomain != s.localDomain {
			return common.Hash{}, fmt.Errorf("%w: %d", ErrInvalidOrderDomain, plan.DestinationDomain)
		}
		if now := s.now(); now <= uint64(plan.FillDeadline) {
			return common.Hash{}, fmt.Errorf("%w: deadline %d, now %d", ErrOrderFillNotExpired, plan.FillDeadline, now)
		}
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return common.Hash{}, err
		}
		if rec.Status != store.StatusUnknown {
			return common.Hash{}, fmt.Errorf("%w: order %s is %s", ErrInvalidOrderStatus, id, rec.Status)
		}
		if i == 0 {
			origin = plan.OriginDomain
		} else if plan.OriginDomain != origin {
			return common.Hash{}, fmt.Errorf("%w: %d and %d", ErrMixedOriginDomains, origin, plan.OriginDomain)
		}
		ids[i] = id
	}
	seen := make(map[order.ID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return common.Hash{}, fmt.Errorf("%w: order %s appears twice", ErrInvalidOrderStatus, id)
		}
		seen[id] = true
	}

	out, err := s.prepare(order.MessageRefund, origin, order.EncodeRefund(ids), payment, caller)
	if err != nil {
		return common.Hash{}, err
	}

	// records are written only if the batch leaves this domain
	var (
		msgID   common.Hash
		paid    gas.Payment
		sendErr error
	)
	err = s.store.Atomic(ctx, func(tx store.Store) error {
		for i, id := range ids {
			err := tx.Put(ctx, store.Record{ID: id, Status: store.StatusRefunded, OriginData: originData[i]})
			if err != nil {
				return fmt.Errorf("failed to store order %s: %w", id, err)
			}
		}
		msgID, paid, sendErr = s.send(ctx, out)
		if msgID == (common.Hash{}) {
			return sendErr
		}
		return nil
	})
	if err != nil {
		if msgID != (common.Hash{}) {
			s.logger.Error().Err(err).Str("message_id", msgID.Hex()).Msg("refund batch sent but orders not stored")
		}
		return common.Hash{}, err
	}
	for range ids {
		OrdersTotal.WithLabelValues(string(store.StatusRefunded)).Inc()
	}
	if sendErr != nil {
		return msgID, sendErr
	}
	s.dispatched(out, msgID, paid)
	s.events.Emit(Event{Kind: EventRefund, OrderIDs: ids, Domain: origin, MessageID: msgID})
	return msgID, nil
}

// applied is an order change made by a handler, reported once the batch
// holding it is committed.
type applied struct {
	status store.Status
	event  Event
}

// handleSettle releases the escrow of one opened order to the receiver named
// in fillerData. Orders that are not OPENED, or that were not meant to be
// filled by the sending router, are skipped and come back nil.
func (s *Settler) handleSettle(ctx context.Context, tx store.Store, undo *undoLog, origin uint32, sender order.Identity, id order.ID, fillerData []byte) (*applied, error) {
	resolved, ok, err := s.settleable(ctx, tx, origin, sender, id)
	if err != nil || !ok {
		return nil, err
	}
	if len(fillerData) != 32 {
		s.skip(id, "filler data is not a 32 byte receiver")
		return nil, nil
	}
	var receiver order.Identity
	copy(receiver[:], fillerData)
	return s.release(ctx, tx, undo, id, resolved, receiver, store.StatusSettled, EventSettled, fillerData)
}

// handleRefund returns the escrow of one opened order to its user.
func (s *Settler) handleRefund(ctx context.Context, tx store.Store, undo *undoLog, origin uint32, sender order.Identity, id order.ID) (*applied, error) {
	resolved, ok, err := s.settleable(ctx, tx, origin, sender, id)
	if err != nil || !ok {
		return nil, err
	}
	receiver := order.IdentityFromAddress(resolved.User)
	return s.release(ctx, tx, undo, id, resolved, receiver, store.StatusRefunded, EventRefunded, nil)
}

func (s *Settler) settleable(ctx context.Context, tx store.Store, origin uint32, sender order.Identity, id order.ID) (order.ResolvedOrder, bool, error) {
	rec, err := tx.Get(ctx, id)
	if err != nil {
		return order.ResolvedOrder{}, false, err
	}
	if rec.Status != store.StatusOpened {
		s.skip(id, "order is "+string(rec.Status))
		return order.ResolvedOrder{}, false, nil
	}
	resolved, err := order.DecodeResolvedOrder(rec.ResolvedOrder)
	if err != nil {
		return order.ResolvedOrder{}, false, err
	}
	for _, fi := range resolved.FillInstructions {
		if fi.DestinationChainID == uint64(origin) && fi.DestinationSettler == sender {
			return resolved, true, nil
		}
	}
	s.skip(id, fmt.Sprintf("no fill instruction for domain %d settler %s", origin, sender))
	return order.ResolvedOrder{}, false, nil
}

// release moves the escrow of id to receiver and writes status through tx.
// Transfers are recorded in undo; the caller reverts them if the batch fails.
func (s *Settler) release(ctx context.Context, tx store.Store, undo *undoLog, id order.ID, resolved order.ResolvedOrder, receiver order.Identity, status store.Status, kind EventKind, fillerData []byte) (*applied, error) {
	for _, out := range resolved.MinReceived {
		if err := s.transfer(ctx, undo, out.Token, s.Identity(), receiver, out.Amount); err != nil {
			return nil, fmt.Errorf("failed to release order %s: %w", id, err)
		}
	}
	rec, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Status = status
	if fillerData != nil {
		rec.FillerData = fillerData
	}
	if err := tx.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store order %s: %w", id, err)
	}
	return &applied{
		status: status,
		event:  Event{Kind: kind, OrderID: id, Receiver: receiver, FillerData: fillerData},
	}, nil
}

func (s *Settler) skip(id order.ID, reason string) {
	OrdersSkippedTotal.Inc()
	s.logger.Warn().Str("order_id", id.Hex()).Str("reason", reason).Msg("skipping order")
}
