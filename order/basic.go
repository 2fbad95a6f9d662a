package order

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const OrderDataTypeString = "OrderData(bytes32 sender,bytes32 recipient,bytes32 inputToken," +
	"bytes32 outputToken,uint256 amountIn,uint256 amountOut,uint256 senderNonce,uint32 originDomain," +
	"uint32 destinationDomain,bytes32 destinationSettler,uint32 fillDeadline,bytes data)"

// BasicOrderDataType discriminates the single-input single-output swap order.
var BasicOrderDataType = crypto.Keccak256Hash([]byte(OrderDataTypeString))

// OrderData is the payload of a basic swap order: AmountIn of InputToken is
// locked on the origin domain in exchange for AmountOut of OutputToken paid to
// Recipient on the destination domain.
type OrderData struct {
	Sender             Identity
	Recipient          Identity
	InputToken         Identity
	OutputToken        Identity
	AmountIn           *big.Int
	AmountOut          *big.Int
	SenderNonce        *uint256.Int
	OriginDomain       uint32
	DestinationDomain  uint32
	DestinationSettler Identity
	FillDeadline       uint32
	Data               []byte
}

func EncodeOrderData(d OrderData) ([]byte, error) {
	nonce := new(big.Int)
	if d.SenderNonce != nil {
		nonce = d.SenderNonce.ToBig()
	}
	return orderDataArgs.Pack(abiOrderData{
		Sender:             d.Sender,
		Recipient:          d.Recipient,
		InputToken:         d.InputToken,
		OutputToken:        d.OutputToken,
		AmountIn:           nonNilInt(d.AmountIn),
		AmountOut:          nonNilInt(d.AmountOut),
		SenderNonce:        nonce,
		OriginDomain:       d.OriginDomain,
		DestinationDomain:  d.DestinationDomain,
		DestinationSettler: d.DestinationSettler,
		FillDeadline:       d.FillDeadline,
		Data:               nonNilBytes(d.Data),
	})
}

func DecodeOrderData(data []byte) (OrderData, error) {
	out, err := orderDataArgs.Unpack(data)
	if err != nil {
		return OrderData{}, fmt.Errorf("%w: %v", ErrInvalidOrderData, err)
	}
	mirror := *abi.ConvertType(out[0], new(abiOrderData)).(*abiOrderData)
	nonce, overflow := uint256.FromBig(mirror.SenderNonce)
	if overflow {
		return OrderData{}, fmt.Errorf("%w: sender nonce overflows 256 bits", ErrInvalidOrderData)
	}
	return OrderData{
		Sender:             mirror.Sender,
		Recipient:          mirror.Recipient,
		InputToken:         mirror.InputToken,
		OutputToken:        mirror.OutputToken,
		AmountIn:           mirror.AmountIn,
		AmountOut:          mirror.AmountOut,
		SenderNonce:        nonce,
		OriginDomain:       mirror.OriginDomain,
		DestinationDomain:  mirror.DestinationDomain,
		DestinationSettler: mirror.DestinationSettler,
		FillDeadline:       mirror.FillDeadline,
		Data:               mirror.Data,
	}, nil
}

// OrderID is keccak256 of the canonical encoding, so two byte strings that
// decode to the same order data share an id.
func OrderID(d OrderData) (ID, []byte, error) {
	encoded, err := EncodeOrderData(d)
	if err != nil {
		return ID{}, nil, err
	}
	return ID(crypto.Keccak256Hash(encoded)), encoded, nil
}

// BasicResolver resolves BasicOrderDataType orders opened on LocalDomain.
type BasicResolver struct {
	LocalDomain uint32
}

func (r BasicResolver) ResolveOnchain(sender common.Address, o OnchainOrder) (Resolution, error) {
	if o.OrderDataType != BasicOrderDataType {
		return Resolution{}, fmt.Errorf("%w: %s", ErrInvalidOrderType, o.OrderDataType.Hex())
	}
	d, err := DecodeOrderData(o.OrderData)
	if err != nil {
		return Resolution{}, err
	}
	if d.Sender != IdentityFromAddress(sender) {
		return Resolution{}, fmt.Errorf("%w: order data names %s, opened by %s", ErrInvalidOrderSender, d.Sender, sender.Hex())
	}
	if d.FillDeadline != o.FillDeadline {
		return Resolution{}, fmt.Errorf("%w: fill deadline %d does not match order data %d", ErrInvalidOrderData, o.FillDeadline, d.FillDeadline)
	}
	return r.resolve(d, sender, d.SenderNonce, math.MaxUint32)
}

func (r BasicResolver) ResolveGasless(o GaslessOrder) (Resolution, error) {
	if o.OrderDataType != BasicOrderDataType {
		return Resolution{}, fmt.Errorf("%w: %s", ErrInvalidOrderType, o.OrderDataType.Hex())
	}
	d, err := DecodeOrderData(o.OrderData)
	if err != nil {
		return Resolution{}, err
	}
	if d.Sender != IdentityFromAddress(o.User) {
		return Resolution{}, fmt.Errorf("%w: order data names %s, signed by %s", ErrInvalidOrderSender, d.Sender, o.User.Hex())
	}
	if uint64(d.OriginDomain) != o.OriginChainID {
		return Resolution{}, fmt.Errorf("%w: order data origin %d, order origin %d", ErrInvalidOrderData, d.OriginDomain, o.OriginChainID)
	}
	if d.FillDeadline != o.FillDeadline {
		return Resolution{}, fmt.Errorf("%w: fill deadline %d does not match order data %d", ErrInvalidOrderData, o.FillDeadline, d.FillDeadline)
	}
	if o.Nonce == nil {
		return Resolution{}, fmt.Errorf("%w: missing nonce", ErrInvalidOrderData)
	}
	return r.resolve(d, o.User, o.Nonce, o.OpenDeadline)
}

func (r BasicResolver) resolve(d OrderData, user common.Address, nonce *uint256.Int, openDeadline uint32) (Resolution, error) {
	if d.OriginDomain != r.LocalDomain {
		return Resolution{}, fmt.Errorf("%w: order origin %d, local domain %d", ErrInvalidOriginDomain, d.OriginDomain, r.LocalDomain)
	}
	if nonce == nil {
		nonce = new(uint256.Int)
	}
	id, originData, err := OrderID(d)
	if err != nil {
		return Resolution{}, err
	}

	resolved := ResolvedOrder{
		User:          user,
		OriginChainID: uint64(d.OriginDomain),
		OpenDeadline:  openDeadline,
		FillDeadline:  d.FillDeadline,
		MaxSpent: []Output{{
			Token:     d.OutputToken,
			Amount:    nonNilInt(d.AmountOut),
			Recipient: d.Recipient,
			ChainID:   uint64(d.DestinationDomain),
		}},
		MinReceived: []Output{{
			Token:   d.InputToken,
			Amount:  nonNilInt(d.AmountIn),
			ChainID: uint64(d.OriginDomain),
		}},
		FillInstructions: []FillInstruction{{
			DestinationChainID: uint64(d.DestinationDomain),
			DestinationSettler: d.DestinationSettler,
			OriginData:         originData,
		}},
	}
	return Resolution{Order: resolved, ID: id, Nonce: new(uint256.Int).Set(nonce)}, nil
}

func (r BasicResolver) FillPlan(originData []byte) (FillPlan, error) {
	d, err := DecodeOrderData(originData)
	if err != nil {
		return FillPlan{}, err
	}
	id, _, err := OrderID(d)
	if err != nil {
		return FillPlan{}, err
	}
	return FillPlan{
		ID:                id,
		OriginDomain:      d.OriginDomain,
		DestinationDomain: d.DestinationDomain,
		FillDeadline:      d.FillDeadline,
		Transfers: []Transfer{{
			Token:     d.OutputToken,
			Recipient: d.Recipient,
			Amount:    nonNilInt(d.AmountOut),
		}},
	}, nil
}
