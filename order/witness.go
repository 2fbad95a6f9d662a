package order

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	outputType           = "Output(bytes32 token,uint256 amount,bytes32 recipient,uint256 chainId)"
	fillInstructionType  = "FillInstruction(uint256 destinationChainId,bytes32 destinationSettler,bytes originData)"
	resolvedOrderType    = "ResolvedCrossChainOrder(address user,uint256 originChainId,uint32 openDeadline,uint32 fillDeadline,Output[] maxSpent,Output[] minReceived,FillInstruction[] fillInstructions)"
	tokenPermissionsType = "TokenPermissions(address token,uint256 amount)"

	// WitnessTypeString completes the batch permit type the user signs over.
	// Referenced types follow the primary type in alphabetical order.
	WitnessTypeString = "ResolvedCrossChainOrder witness)" +
		fillInstructionType + outputType + resolvedOrderType + tokenPermissionsType
)

var (
	OutputTypeHash          = crypto.Keccak256Hash([]byte(outputType))
	FillInstructionTypeHash = crypto.Keccak256Hash([]byte(fillInstructionType))
	ResolvedOrderTypeHash   = crypto.Keccak256Hash([]byte(resolvedOrderType + fillInstructionType + outputType))
)

// WitnessHash is the EIP-712 struct hash of the resolved order. Any change to
// the schema above yields a different hash and a signature that no longer
// verifies.
func WitnessHash(r ResolvedOrder) common.Hash {
	return crypto.Keccak256Hash(
		ResolvedOrderTypeHash.Bytes(),
		common.LeftPadBytes(r.User.Bytes(), 32),
		word64(r.OriginChainID),
		word64(uint64(r.OpenDeadline)),
		word64(uint64(r.FillDeadline)),
		outputsHash(r.MaxSpent).Bytes(),
		outputsHash(r.MinReceived).Bytes(),
		fillInstructionsHash(r.FillInstructions).Bytes(),
	)
}

func outputsHash(outputs []Output) common.Hash {
	packed := make([]byte, 0, 32*len(outputs))
	for _, o := range outputs {
		h := crypto.Keccak256(
			OutputTypeHash.Bytes(),
			o.Token[:],
			wordInt(o.Amount),
			o.Recipient[:],
			word64(o.ChainID),
		)
		packed = append(packed, h...)
	}
	return crypto.Keccak256Hash(packed)
}

func fillInstructionsHash(instructions []FillInstruction) common.Hash {
	packed := make([]byte, 0, 32*len(instructions))
	for _, fi := range instructions {
		h := crypto.Keccak256(
			FillInstructionTypeHash.Bytes(),
			word64(fi.DestinationChainID),
			fi.DestinationSettler[:],
			crypto.Keccak256(fi.OriginData),
		)
		packed = append(packed, h...)
	}
	return crypto.Keccak256Hash(packed)
}

func word64(v uint64) []byte {
	return math.U256Bytes(new(big.Int).SetUint64(v))
}

func wordInt(v *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(nonNilInt(v)))
}
