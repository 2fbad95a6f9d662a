package store

import (
	"context"
	"errors"
	"time"

	"github.com/msalopek/intent_settler/order"
)

// SchemaVersion tags every persisted record so that readers can reject or
// migrate layouts they do not understand.
const SchemaVersion = 1

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnsupportedSchema = errors.New("unsupported record schema version")
)

type Status string

const (
	StatusUnknown  Status = "UNKNOWN"
	StatusOpened   Status = "OPENED"
	StatusFilled   Status = "FILLED"
	StatusSettled  Status = "SETTLED"
	StatusRefunded Status = "REFUNDED"
)

var AllStatuses = []Status{StatusUnknown, StatusOpened, StatusFilled, StatusSettled, StatusRefunded}

// allowed lists the forward edges of the order lifecycle. Origin side orders
// go OPENED -> SETTLED|REFUNDED, destination side orders go UNKNOWN ->
// FILLED, or UNKNOWN -> REFUNDED once the fill deadline has passed.
var allowed = map[Status][]Status{
	StatusUnknown: {StatusOpened, StatusFilled, StatusRefunded},
	StatusOpened:  {StatusSettled, StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is the persisted state of one order. Records are never deleted.
type Record struct {
	ID            order.ID  `json:"id"`
	SchemaVersion int       `json:"schema_version"`
	Status        Status    `json:"status"`
	ResolvedOrder []byte    `json:"resolved_order,omitempty"`
	OriginData    []byte    `json:"origin_data,omitempty"`
	FillerData    []byte    `json:"filler_data,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Transition is one entry of the append-only status audit trail.
type Transition struct {
	ID   order.ID  `json:"id"`
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Store persists order records.
//
// Get returns a record with StatusUnknown for ids that were never written.
// Put rejects any write whose status is not a forward edge from the stored
// status, so records can only move along the lifecycle.
//
// Atomic runs fn against a view of the store. The view's writes are applied
// together when fn returns nil and dropped otherwise. fn must reach the store
// only through the view; calls made inside an Atomic view join it.
type Store interface {
	Get(ctx context.Context, id order.ID) (Record, error)
	Put(ctx context.Context, rec Record) error
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	History(ctx context.Context, id order.ID) ([]Transition, error)
	Atomic(ctx context.Context, fn func(Store) error) error
}

func unknownRecord(id order.ID) Record {
	return Record{ID: id, SchemaVersion: SchemaVersion, Status: StatusUnknown}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
