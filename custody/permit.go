package custody

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
)

const (
	PermitDomainName = "Permit2"

	tokenPermissionsType = "TokenPermissions(address token,uint256 amount)"
	permitWitnessStub    = "PermitBatchWitnessTransferFrom(TokenPermissions[] permitted,address spender,uint256 nonce,uint256 deadline,"
)

var tokenPermissionsTypeHash = crypto.Keccak256Hash([]byte(tokenPermissionsType))

var permitDomainTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
}

type TokenPermission struct {
	Token  common.Address
	Amount *big.Int
}

// WitnessTransfer moves Permitted from Owner to Spender. Owner signs the batch
// together with Witness, the struct hash of data described by
// WitnessTypeString.
type WitnessTransfer struct {
	Permitted         []TokenPermission
	Owner             common.Address
	Spender           common.Address
	Nonce             *uint256.Int
	Deadline          uint64
	Witness           common.Hash
	WitnessTypeString string
	Signature         []byte
}

// DomainSeparator is the EIP-712 domain hash for permits on this ledger.
func (l *Ledger) DomainSeparator() (common.Hash, error) {
	td := apitypes.TypedData{
		Types: permitDomainTypes,
		Domain: apitypes.TypedDataDomain{
			Name:              PermitDomainName,
			ChainId:           math.NewHexOrDecimal256(int64(l.chainID)),
			VerifyingContract: l.verifier.Hex(),
		},
	}
	hash, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash permit domain: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// PermitDigest is the hash the owner signs for t. The signature field of t is
// ignored.
func (l *Ledger) PermitDigest(t WitnessTransfer) (common.Hash, error) {
	domain, err := l.DomainSeparator()
	if err != nil {
		return common.Hash{}, err
	}
	typeHash := crypto.Keccak256Hash([]byte(permitWitnessStub + t.WitnessTypeString))

	permitted := make([]byte, 0, 32*len(t.Permitted))
	for _, p := range t.Permitted {
		permitted = append(permitted, crypto.Keccak256(
			tokenPermissionsTypeHash.Bytes(),
			common.LeftPadBytes(p.Token.Bytes(), 32),
			math.U256Bytes(new(big.Int).Set(amountOrZero(p.Amount))),
		)...)
	}

	var nonceWord [32]byte
	if t.Nonce != nil {
		nonceWord = t.Nonce.Bytes32()
	}
	structHash := crypto.Keccak256(
		typeHash.Bytes(),
		crypto.Keccak256(permitted),
		common.LeftPadBytes(t.Spender.Bytes(), 32),
		nonceWord[:],
		math.U256Bytes(new(big.Int).SetUint64(t.Deadline)),
		t.Witness.Bytes(),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domain.Bytes(), structHash), nil
}

// PullWithWitness verifies the owner's signature over t and moves every
// permitted amount to the spender. Nothing moves unless the whole batch can.
func (l *Ledger) PullWithWitness(ctx context.Context, t WitnessTransfer) error {
	if now := uint64(l.nowFn().Unix()); now > t.Deadline {
		return fmt.Errorf("%w: deadline %d, now %d", ErrSignatureExpired, t.Deadline, now)
	}
	used, err := l.permits.IsUsed(ctx, t.Owner, t.Nonce)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("permit: %w: %s already used by %s", nonce.ErrInvalidNonce, t.Nonce.Dec(), t.Owner.Hex())
	}

	digest, err := l.PermitDigest(t)
	if err != nil {
		return err
	}
	signer, err := recoverSigner(digest, t.Signature)
	if err != nil {
		return err
	}
	if signer != t.Owner {
		return fmt.Errorf("%w: recovered %s, owner %s", ErrInvalidSigner, signer.Hex(), t.Owner.Hex())
	}

	owner := order.IdentityFromAddress(t.Owner)
	spender := order.IdentityFromAddress(t.Spender)

	l.mu.Lock()
	needed := make(map[order.Identity]*big.Int)
	for _, p := range t.Permitted {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			l.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrInvalidAmount, p.Amount)
		}
		token := order.IdentityFromAddress(p.Token)
		if _, ok := needed[token]; !ok {
			needed[token] = new(big.Int)
		}
		needed[token].Add(needed[token], p.Amount)
	}
	for token, amount := range needed {
		if have := l.balances[balanceKey{token, owner}]; have == nil || have.Cmp(amount) < 0 {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s needs %s of %s", ErrInsufficientBalance, owner, amount, token)
		}
	}
	for _, p := range t.Permitted {
		token := order.IdentityFromAddress(p.Token)
		// balances were checked above
		_ = l.debit(token, owner, p.Amount)
		l.credit(token, spender, p.Amount)
	}
	l.mu.Unlock()

	if err := l.permits.Claim(ctx, t.Owner, t.Nonce); err != nil {
		return fmt.Errorf("permit: %w", err)
	}
	l.logger.Debug().
		Str("owner", t.Owner.Hex()).
		Str("spender", t.Spender.Hex()).
		Str("witness", t.Witness.Hex()).
		Int("tokens", len(t.Permitted)).
		Msg("pulled funds with witness")
	return nil
}

// ReleasePermit frees a permit nonce consumed by a pull whose funds were
// handed back, so the same signature can be used again.
func (l *Ledger) ReleasePermit(ctx context.Context, owner common.Address, n *uint256.Int) error {
	if err := l.permits.Release(ctx, owner, n); err != nil {
		return fmt.Errorf("permit: %w", err)
	}
	return nil
}

// PermissionsFor converts outputs into token permissions. Tokens must be EVM
// addresses.
func PermissionsFor(outputs []order.Output) ([]TokenPermission, error) {
	permitted := make([]TokenPermission, len(outputs))
	for i, o := range outputs {
		token, ok := o.Token.Address()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidToken, o.Token)
		}
		permitted[i] = TokenPermission{Token: token, Amount: amountOrZero(o.Amount)}
	}
	return permitted, nil
}

func recoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrInvalidSigner, len(signature))
	}
	sig := append([]byte{}, signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSigner, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
