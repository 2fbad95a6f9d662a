package settler

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/order"
)

type EventKind string

const (
	EventOpen              EventKind = "Open"
	EventFilled            EventKind = "Filled"
	EventSettle            EventKind = "Settle"
	EventRefund            EventKind = "Refund"
	EventSettled           EventKind = "Settled"
	EventRefunded          EventKind = "Refunded"
	EventNonceInvalidation EventKind = "NonceInvalidation"
	EventGasPayment        EventKind = "GasPayment"
)

// Event is a notification about a completed operation. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind       EventKind
	OrderID    order.ID
	OrderIDs   []order.ID
	Resolved   *order.ResolvedOrder
	OriginData []byte
	FillerData []byte
	Receiver   order.Identity
	Owner      common.Address
	Nonce      *uint256.Int
	Domain     uint32
	MessageID  common.Hash
	Payment    *gas.Payment
}

type EventSink interface {
	Emit(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) {
	f(e)
}

type logSink struct {
	logger *zerolog.Logger
}

func (s logSink) Emit(e Event) {
	ev := s.logger.Info().Str("event", string(e.Kind))
	switch e.Kind {
	case EventOpen:
		ev = ev.Str("order_id", e.OrderID.Hex())
		if e.Resolved != nil {
			ev = ev.Str("user", e.Resolved.User.Hex()).
				Uint64("origin_chain_id", e.Resolved.OriginChainID).
				Uint32("fill_deadline", e.Resolved.FillDeadline)
		}
	case EventFilled:
		ev = ev.Str("order_id", e.OrderID.Hex()).Int("filler_data_len", len(e.FillerData))
	case EventSettle, EventRefund:
		ev = ev.Int("orders", len(e.OrderIDs)).
			Uint32("domain", e.Domain).
			Str("message_id", e.MessageID.Hex())
	case EventSettled, EventRefunded:
		ev = ev.Str("order_id", e.OrderID.Hex()).Str("receiver", e.Receiver.Hex())
	case EventNonceInvalidation:
		ev = ev.Str("owner", e.Owner.Hex())
		if e.Nonce != nil {
			ev = ev.Str("nonce", e.Nonce.Dec())
		}
	case EventGasPayment:
		if e.Payment != nil {
			ev = ev.Str("message_id", e.Payment.MessageID.Hex()).
				Uint32("domain", e.Payment.Domain).
				Uint64("gas", e.Payment.Gas).
				Str("paid", gas.FormatAmount(e.Payment.Required))
		}
	}
	ev.Msg("settler event")
}
