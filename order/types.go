package order

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidOrderType    = errors.New("invalid order type")
	ErrInvalidOrderData    = errors.New("invalid order data")
	ErrInvalidOrderSender  = errors.New("invalid order sender")
	ErrInvalidOriginDomain = errors.New("invalid origin domain")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrLengthMismatch      = errors.New("order ids and filler data length mismatch")
)

// ID identifies an order on every domain it touches.
type ID [32]byte

func HexToID(s string) (ID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ID{}, fmt.Errorf("invalid order id %q: %w", s, err)
	}
	if len(raw) != 32 {
		return ID{}, fmt.Errorf("invalid order id %q: expected 32 bytes, got %d", s, len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

func (id ID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := HexToID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Output is an amount of a token owed to a recipient on a chain.
type Output struct {
	Token     Identity `json:"token"`
	Amount    *big.Int `json:"amount"`
	Recipient Identity `json:"recipient"`
	ChainID   uint64   `json:"chain_id"`
}

type FillInstruction struct {
	DestinationChainID uint64   `json:"destination_chain_id"`
	DestinationSettler Identity `json:"destination_settler"`
	OriginData         []byte   `json:"origin_data"`
}

// ResolvedOrder is the type erased view of an order shared by every order type.
type ResolvedOrder struct {
	User             common.Address    `json:"user"`
	OriginChainID    uint64            `json:"origin_chain_id"`
	OpenDeadline     uint32            `json:"open_deadline"`
	FillDeadline     uint32            `json:"fill_deadline"`
	MaxSpent         []Output          `json:"max_spent"`
	MinReceived      []Output          `json:"min_received"`
	FillInstructions []FillInstruction `json:"fill_instructions"`
}

// OnchainOrder is submitted directly by the user that funds it.
type OnchainOrder struct {
	FillDeadline  uint32
	OrderDataType common.Hash
	OrderData     []byte
}

// GaslessOrder is signed off-chain by User and opened by anyone holding the signature.
type GaslessOrder struct {
	OriginSettler common.Address
	User          common.Address
	Nonce         *uint256.Int
	OriginChainID uint64
	OpenDeadline  uint32
	FillDeadline  uint32
	OrderDataType common.Hash
	OrderData     []byte
}

// Resolution is the result of resolving an order.
type Resolution struct {
	Order ResolvedOrder
	ID    ID
	Nonce *uint256.Int
}

type Transfer struct {
	Token     Identity
	Recipient Identity
	Amount    *big.Int
}

// FillPlan describes what filling an order on its destination involves,
// derived from the origin data carried in its fill instruction.
type FillPlan struct {
	ID                ID
	OriginDomain      uint32
	DestinationDomain uint32
	FillDeadline      uint32
	Transfers         []Transfer
}
