package settler

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/store"
)

// outbound is a message that passed routing and payment checks and is ready
// to be sent.
type outbound struct {
	kind     byte
	router   Router
	payload  []byte
	payment  *big.Int
	refundTo common.Address
}

// QuoteGasPayment returns the fee for sending one message to domain.
func (s *Settler) QuoteGasPayment(domain uint32) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.route(domain)
	if err != nil {
		return nil, err
	}
	return s.paymaster.Quote(domain, r.Gas)
}

// DispatchSettle sends a settle batch for ids to the router on destination.
// payment must cover the gas quote; any excess goes back to refundTo.
func (s *Settler) DispatchSettle(ctx context.Context, destination uint32, ids []order.ID, fillerData [][]byte, payment *big.Int, refundTo common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchSettle(ctx, destination, ids, fillerData, payment, refundTo)
}

// DispatchRefund sends a refund batch for ids to the router on destination.
func (s *Settler) DispatchRefund(ctx context.Context, destination uint32, ids []order.ID, payment *big.Int, refundTo common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchRefund(ctx, destination, ids, payment, refundTo)
}

func (s *Settler) dispatchSettle(ctx context.Context, destination uint32, ids []order.ID, fillerData [][]byte, payment *big.Int, refundTo common.Address) (common.Hash, error) {
	payload, err := order.EncodeSettle(ids, fillerData)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := s.prepare(order.MessageSettle, destination, payload, payment, refundTo)
	if err != nil {
		return common.Hash{}, err
	}
	return s.sendNow(ctx, out)
}

func (s *Settler) dispatchRefund(ctx context.Context, destination uint32, ids []order.ID, payment *big.Int, refundTo common.Address) (common.Hash, error) {
	out, err := s.prepare(order.MessageRefund, destination, order.EncodeRefund(ids), payment, refundTo)
	if err != nil {
		return common.Hash{}, err
	}
	return s.sendNow(ctx, out)
}

// prepare checks routing and payment without side effects.
func (s *Settler) prepare(kind byte, destination uint32, payload []byte, payment *big.Int, refundTo common.Address) (outbound, error) {
	r, err := s.route(destination)
	if err != nil {
		return outbound{}, err
	}
	required, err := s.paymaster.Quote(destination, r.Gas)
	if err != nil {
		return outbound{}, err
	}
	if payment == nil {
		payment = new(big.Int)
	}
	if payment.Cmp(required) < 0 {
		return outbound{}, fmt.Errorf("%w: quote %s, payment %s", ErrInsufficientGasPayment, gas.FormatAmount(required), gas.FormatAmount(payment))
	}
	return outbound{kind: kind, router: r, payload: payload, payment: payment, refundTo: refundTo}, nil
}

// send hands out to the transport and pays for it. A non-zero hash means the
// message left this domain, even when the payment then failed.
func (s *Settler) send(ctx context.Context, out outbound) (common.Hash, gas.Payment, error) {
	msgID, err := s.transport.Send(ctx, out.router.Domain, out.router.Address, out.payload)
	if err != nil {
		return common.Hash{}, gas.Payment{}, fmt.Errorf("failed to send %s batch to domain %d: %w", order.KindName(out.kind), out.router.Domain, err)
	}
	payment, err := s.paymaster.Pay(msgID, out.router.Domain, out.router.Gas, out.payment, out.refundTo)
	if err != nil {
		// the quote was checked in prepare, so this is a paymaster fault
		s.logger.Error().Err(err).Str("message_id", msgID.Hex()).Msg("gas payment failed after send")
		return msgID, gas.Payment{}, fmt.Errorf("failed to pay gas for message %s: %w", msgID.Hex(), err)
	}
	return msgID, payment, nil
}

// dispatched records a sent and paid message.
func (s *Settler) dispatched(out outbound, msgID common.Hash, payment gas.Payment) {
	MessagesDispatchedTotal.WithLabelValues(order.KindName(out.kind), strconv.FormatUint(uint64(out.router.Domain), 10)).Inc()
	observeGasPaid(payment.Required)
	s.events.Emit(Event{Kind: EventGasPayment, MessageID: msgID, Domain: out.router.Domain, Payment: &payment})
}

func (s *Settler) sendNow(ctx context.Context, out outbound) (common.Hash, error) {
	msgID, payment, err := s.send(ctx, out)
	if err != nil {
		return msgID, err
	}
	s.dispatched(out, msgID, payment)
	return msgID, nil
}

// Handle processes a batch sent by the router enrolled for origin. The whole
// payload is decoded before any order is touched; orders are then handled in
// batch order. A failing order reverts the whole batch.
func (s *Settler) Handle(ctx context.Context, origin uint32, sender order.Identity, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routers[origin]
	if !ok {
		MessagesHandledTotal.WithLabelValues("unknown", "rejected").Inc()
		return fmt.Errorf("%w: no router enrolled for domain %d", ErrUnauthorizedSender, origin)
	}
	if r.Address != sender {
		MessagesHandledTotal.WithLabelValues("unknown", "rejected").Inc()
		return fmt.Errorf("%w: domain %d sender %s, enrolled %s", ErrUnauthorizedSender, origin, sender, r.Address)
	}

	msg, err := order.DecodeMessage(payload)
	if err != nil {
		MessagesHandledTotal.WithLabelValues("unknown", "malformed").Inc()
		return err
	}
	kind := order.KindName(msg.Kind)
	undo := &undoLog{logger: s.logger}
	var changes []*applied
	err = s.store.Atomic(ctx, func(tx store.Store) error {
		for i, id := range msg.OrderIDs {
			var (
				change *applied
				err    error
			)
			if msg.Kind == order.MessageSettle {
				change, err = s.handleSettle(ctx, tx, undo, origin, sender, id, msg.FillerData[i])
			} else {
				change, err = s.handleRefund(ctx, tx, undo, origin, sender, id)
			}
			if err != nil {
				return fmt.Errorf("failed to handle %s of order %s: %w", kind, id, err)
			}
			if change != nil {
				changes = append(changes, change)
			}
		}
		return nil
	})
	if err != nil {
		undo.run(ctx)
		MessagesHandledTotal.WithLabelValues(kind, "failed").Inc()
		return err
	}
	for _, c := range changes {
		OrdersTotal.WithLabelValues(string(c.status)).Inc()
		s.events.Emit(c.event)
	}
	MessagesHandledTotal.WithLabelValues(kind, "ok").Inc()
	s.logger.Info().
		Str("kind", kind).
		Uint32("origin", origin).
		Int("orders", len(msg.OrderIDs)).
		Msg("handled batch")
	return nil
}
