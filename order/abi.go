package order

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Mirrors of the Solidity structs. Field names follow abi.ToCamelCase of the
// component names so the abi package can map them.
type abiOutput struct {
	Token     [32]byte
	Amount    *big.Int
	Recipient [32]byte
	ChainId   *big.Int
}

type abiFillInstruction struct {
	DestinationChainId *big.Int
	DestinationSettler [32]byte
	OriginData         []byte
}

type abiResolvedOrder struct {
	User             common.Address
	OriginChainId    *big.Int
	OpenDeadline     uint32
	FillDeadline     uint32
	MaxSpent         []abiOutput
	MinReceived      []abiOutput
	FillInstructions []abiFillInstruction
}

type abiOrderData struct {
	Sender             [32]byte
	Recipient          [32]byte
	InputToken         [32]byte
	OutputToken        [32]byte
	AmountIn           *big.Int
	AmountOut          *big.Int
	SenderNonce        *big.Int
	OriginDomain       uint32
	DestinationDomain  uint32
	DestinationSettler [32]byte
	FillDeadline       uint32
	Data               []byte
}

var outputComponents = []abi.ArgumentMarshaling{
	{Name: "token", Type: "bytes32"},
	{Name: "amount", Type: "uint256"},
	{Name: "recipient", Type: "bytes32"},
	{Name: "chainId", Type: "uint256"},
}

var (
	resolvedOrderArgs = mustTupleArgs([]abi.ArgumentMarshaling{
		{Name: "user", Type: "address"},
		{Name: "originChainId", Type: "uint256"},
		{Name: "openDeadline", Type: "uint32"},
		{Name: "fillDeadline", Type: "uint32"},
		{Name: "maxSpent", Type: "tuple[]", Components: outputComponents},
		{Name: "minReceived", Type: "tuple[]", Components: outputComponents},
		{Name: "fillInstructions", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "destinationChainId", Type: "uint256"},
			{Name: "destinationSettler", Type: "bytes32"},
			{Name: "originData", Type: "bytes"},
		}},
	})

	orderDataArgs = mustTupleArgs([]abi.ArgumentMarshaling{
		{Name: "sender", Type: "bytes32"},
		{Name: "recipient", Type: "bytes32"},
		{Name: "inputToken", Type: "bytes32"},
		{Name: "outputToken", Type: "bytes32"},
		{Name: "amountIn", Type: "uint256"},
		{Name: "amountOut", Type: "uint256"},
		{Name: "senderNonce", Type: "uint256"},
		{Name: "originDomain", Type: "uint32"},
		{Name: "destinationDomain", Type: "uint32"},
		{Name: "destinationSettler", Type: "bytes32"},
		{Name: "fillDeadline", Type: "uint32"},
		{Name: "data", Type: "bytes"},
	})
)

func mustTupleArgs(components []abi.ArgumentMarshaling) abi.Arguments {
	t, err := abi.NewType("tuple", "", components)
	if err != nil {
		panic(fmt.Sprintf("failed to build tuple type: %v", err))
	}
	return abi.Arguments{{Type: t}}
}

// EncodeResolvedOrder returns abi.encode(resolvedOrder), the persisted form of
// an opened order.
func EncodeResolvedOrder(r ResolvedOrder) ([]byte, error) {
	mirror := abiResolvedOrder{
		User:             r.User,
		OriginChainId:    new(big.Int).SetUint64(r.OriginChainID),
		OpenDeadline:     r.OpenDeadline,
		FillDeadline:     r.FillDeadline,
		MaxSpent:         toABIOutputs(r.MaxSpent),
		MinReceived:      toABIOutputs(r.MinReceived),
		FillInstructions: make([]abiFillInstruction, len(r.FillInstructions)),
	}
	for i, fi := range r.FillInstructions {
		mirror.FillInstructions[i] = abiFillInstruction{
			DestinationChainId: new(big.Int).SetUint64(fi.DestinationChainID),
			DestinationSettler: fi.DestinationSettler,
			OriginData:         nonNilBytes(fi.OriginData),
		}
	}
	return resolvedOrderArgs.Pack(mirror)
}

func DecodeResolvedOrder(data []byte) (ResolvedOrder, error) {
	out, err := resolvedOrderArgs.Unpack(data)
	if err != nil {
		return ResolvedOrder{}, fmt.Errorf("decode resolved order: %w", err)
	}
	mirror := *abi.ConvertType(out[0], new(abiResolvedOrder)).(*abiResolvedOrder)

	originChainID, err := toUint64(mirror.OriginChainId)
	if err != nil {
		return ResolvedOrder{}, fmt.Errorf("decode resolved order: origin chain id: %w", err)
	}
	r := ResolvedOrder{
		User:             mirror.User,
		OriginChainID:    originChainID,
		OpenDeadline:     mirror.OpenDeadline,
		FillDeadline:     mirror.FillDeadline,
		FillInstructions: make([]FillInstruction, len(mirror.FillInstructions)),
	}
	if r.MaxSpent, err = fromABIOutputs(mirror.MaxSpent); err != nil {
		return ResolvedOrder{}, fmt.Errorf("decode resolved order: max spent: %w", err)
	}
	if r.MinReceived, err = fromABIOutputs(mirror.MinReceived); err != nil {
		return ResolvedOrder{}, fmt.Errorf("decode resolved order: min received: %w", err)
	}
	for i, fi := range mirror.FillInstructions {
		chainID, err := toUint64(fi.DestinationChainId)
		if err != nil {
			return ResolvedOrder{}, fmt.Errorf("decode resolved order: fill instruction %d: %w", i, err)
		}
		r.FillInstructions[i] = FillInstruction{
			DestinationChainID: chainID,
			DestinationSettler: fi.DestinationSettler,
			OriginData:         fi.OriginData,
		}
	}
	return r, nil
}

func toABIOutputs(outputs []Output) []abiOutput {
	mirror := make([]abiOutput, len(outputs))
	for i, o := range outputs {
		mirror[i] = abiOutput{
			Token:     o.Token,
			Amount:    nonNilInt(o.Amount),
			Recipient: o.Recipient,
			ChainId:   new(big.Int).SetUint64(o.ChainID),
		}
	}
	return mirror
}

func fromABIOutputs(mirror []abiOutput) ([]Output, error) {
	outputs := make([]Output, len(mirror))
	for i, o := range mirror {
		chainID, err := toUint64(o.ChainId)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		outputs[i] = Output{
			Token:     o.Token,
			Amount:    o.Amount,
			Recipient: o.Recipient,
			ChainID:   chainID,
		}
	}
	return outputs, nil
}

func toUint64(v *big.Int) (uint64, error) {
	if v == nil || !v.IsUint64() {
		return 0, fmt.Errorf("chain id %v does not fit in uint64", v)
	}
	return v.Uint64(), nil
}

func nonNilInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
