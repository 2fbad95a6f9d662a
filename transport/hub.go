package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settler/order"
)

const messageVersion = 3

var ErrNoEndpoint = errors.New("no endpoint registered")

// Handler receives messages addressed to a registered endpoint. Returning an
// error leaves the message queued for another delivery attempt.
type Handler interface {
	Handle(ctx context.Context, origin uint32, sender order.Identity, body []byte) error
}

type HandlerFunc func(ctx context.Context, origin uint32, sender order.Identity, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, origin uint32, sender order.Identity, body []byte) error {
	return f(ctx, origin, sender, body)
}

type Message struct {
	ID          common.Hash
	Nonce       uint32
	Origin      uint32
	Sender      order.Identity
	Destination uint32
	Recipient   order.Identity
	Body        []byte
	Attempts    int
}

// Bytes lays out [version:1][nonce:4][origin:4][sender:32][destination:4][recipient:32][body].
func (m Message) Bytes() []byte {
	buf := make([]byte, 0, 1+4+4+32+4+32+len(m.Body))
	buf = append(buf, messageVersion)
	buf = binary.BigEndian.AppendUint32(buf, m.Nonce)
	buf = binary.BigEndian.AppendUint32(buf, m.Origin)
	buf = append(buf, m.Sender[:]...)
	buf = binary.BigEndian.AppendUint32(buf, m.Destination)
	buf = append(buf, m.Recipient[:]...)
	return append(buf, m.Body...)
}

type endpointKey struct {
	domain uint32
	addr   order.Identity
}

// Hub is an in-process mailbox connecting endpoints on different domains.
// Delivery is at least once: a message stays queued until its handler
// succeeds.
type Hub struct {
	mu        sync.Mutex
	nonce     uint32
	endpoints map[endpointKey]Handler
	queue     []Message
	delivered map[common.Hash]bool
	logger    *zerolog.Logger
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		endpoints: make(map[endpointKey]Handler),
		delivered: make(map[common.Hash]bool),
		logger:    logger,
	}
}

func (h *Hub) Register(domain uint32, addr order.Identity, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[endpointKey{domain, addr}] = handler
}

// Endpoint returns a sender bound to (domain, addr).
func (h *Hub) Endpoint(domain uint32, addr order.Identity) *Endpoint {
	return &Endpoint{hub: h, domain: domain, addr: addr}
}

func (h *Hub) Send(origin uint32, sender order.Identity, destination uint32, recipient order.Identity, body []byte) (common.Hash, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := Message{
		Nonce:       h.nonce,
		Origin:      origin,
		Sender:      sender,
		Destination: destination,
		Recipient:   recipient,
		Body:        append([]byte{}, body...),
	}
	msg.ID = crypto.Keccak256Hash(msg.Bytes())
	h.nonce++
	h.queue = append(h.queue, msg)

	h.logger.Debug().
		Str("message_id", msg.ID.Hex()).
		Uint32("origin", origin).
		Uint32("destination", destination).
		Int("size", len(body)).
		Msg("message queued")
	return msg.ID, nil
}

// Deliver attempts every queued message once, in queue order, and returns the
// number delivered. Handlers run without the hub lock held so they may send.
func (h *Hub) Deliver(ctx context.Context) int {
	h.mu.Lock()
	batch := h.queue
	h.queue = nil
	h.mu.Unlock()

	var (
		retry     []Message
		delivered int
	)
	for i, msg := range batch {
		if ctx.Err() != nil {
			retry = append(retry, batch[i:]...)
			break
		}
		msg.Attempts++
		if err := h.deliver(ctx, msg); err != nil {
			h.logger.Warn().
				Err(err).
				Str("message_id", msg.ID.Hex()).
				Int("attempts", msg.Attempts).
				Msg("delivery failed, will retry")
			retry = append(retry, msg)
			continue
		}
		delivered++
	}

	h.mu.Lock()
	h.queue = append(retry, h.queue...)
	h.mu.Unlock()
	return delivered
}

func (h *Hub) deliver(ctx context.Context, msg Message) error {
	h.mu.Lock()
	handler, ok := h.endpoints[endpointKey{msg.Destination, msg.Recipient}]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: domain %d recipient %s", ErrNoEndpoint, msg.Destination, msg.Recipient)
	}
	if err := handler.Handle(ctx, msg.Origin, msg.Sender, msg.Body); err != nil {
		return err
	}

	h.mu.Lock()
	h.delivered[msg.ID] = true
	h.mu.Unlock()
	h.logger.Debug().Str("message_id", msg.ID.Hex()).Msg("message delivered")
	return nil
}

func (h *Hub) Pending() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message{}, h.queue...)
}

func (h *Hub) Delivered(id common.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered[id]
}

// Run delivers queued messages every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Int("pending", len(h.Pending())).Msg("mailbox delivery stopped")
			return
		case <-ticker.C:
			if n := h.Deliver(ctx); n > 0 {
				h.logger.Info().Int("delivered", n).Msg("mailbox delivery")
			}
		}
	}
}

// Endpoint sends from a fixed (domain, address).
type Endpoint struct {
	hub    *Hub
	domain uint32
	addr   order.Identity
}

func (e *Endpoint) Domain() uint32 {
	return e.domain
}

func (e *Endpoint) Address() order.Identity {
	return e.addr
}

func (e *Endpoint) Send(_ context.Context, destination uint32, recipient order.Identity, body []byte) (common.Hash, error) {
	return e.hub.Send(e.domain, e.addr, destination, recipient, body)
}
