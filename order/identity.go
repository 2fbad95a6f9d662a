package order

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/ethereum/go-ethereum/common"
)

// Identity is a 32 byte account or contract identifier usable on any domain.
// EVM addresses occupy the low 20 bytes and are left padded with zeros.
type Identity [32]byte

// IdentityFromAddress left pads an EVM address to 32 bytes.
func IdentityFromAddress(addr common.Address) Identity {
	var id Identity
	copy(id[12:], addr.Bytes())
	return id
}

// HexToIdentity accepts either a 20 byte address or a full 32 byte value.
func HexToIdentity(s string) (Identity, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	switch len(raw) {
	case common.AddressLength:
		return IdentityFromAddress(common.BytesToAddress(raw)), nil
	case 32:
		var id Identity
		copy(id[:], raw)
		return id, nil
	default:
		return Identity{}, fmt.Errorf("invalid identity %q: expected 20 or 32 bytes, got %d", s, len(raw))
	}
}

// Address returns the EVM address held by the identity. The boolean is false
// when any of the 12 high bytes is set, i.e. the value would be truncated.
func (id Identity) Address() (common.Address, bool) {
	for _, b := range id[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(id[12:]), true
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Bech32 renders the full 32 bytes with the given human readable prefix,
// which is how CosmWasm contract addresses are displayed.
func (id Identity) Bech32(hrp string) (string, error) {
	return bech32.ConvertAndEncode(hrp, id[:])
}

func (id Identity) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id Identity) String() string {
	return id.Hex()
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := HexToIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
