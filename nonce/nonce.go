package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var ErrInvalidNonce = errors.New("invalid nonce")

// Store persists bitmap words. A word that was never written reads as zero.
type Store interface {
	Word(ctx context.Context, owner common.Address, wordPos *uint256.Int) (*uint256.Int, error)
	SetWord(ctx context.Context, owner common.Address, wordPos, word *uint256.Int) error
}

// Notifier is called after every successful claim.
type Notifier func(owner common.Address, nonce *uint256.Int)

// BitmapPositions splits a nonce into the word holding it (nonce >> 8) and
// the bit inside that word (nonce & 0xff).
func BitmapPositions(nonce *uint256.Int) (*uint256.Int, uint) {
	wordPos := new(uint256.Int).Rsh(nonce, 8)
	bitPos := uint(nonce.Uint64() & 0xff)
	return wordPos, bitPos
}

// Registry tracks consumed nonces per owner in 256 bit words.
type Registry struct {
	mu       sync.Mutex
	store    Store
	notifier Notifier
	logger   *zerolog.Logger
}

func NewRegistry(store Store, logger *zerolog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

func (r *Registry) SetNotifier(fn Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = fn
}

// Claim consumes nonce for owner. The bit is tested before it is set, so a
// rejected claim never touches the stored word.
func (r *Registry) Claim(ctx context.Context, owner common.Address, nonce *uint256.Int) error {
	if nonce == nil {
		return fmt.Errorf("%w: nil nonce", ErrInvalidNonce)
	}
	r.mu.Lock()
	wordPos, bitPos := BitmapPositions(nonce)
	word, err := r.store.Word(ctx, owner, wordPos)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to load nonce word %s for %s: %w", wordPos.Dec(), owner.Hex(), err)
	}
	if wordBit(word, bitPos) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s already used by %s", ErrInvalidNonce, nonce.Dec(), owner.Hex())
	}
	next := new(uint256.Int).Lsh(uint256.NewInt(1), bitPos)
	next.Or(next, word)
	if err := r.store.SetWord(ctx, owner, wordPos, next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to store nonce word %s for %s: %w", wordPos.Dec(), owner.Hex(), err)
	}
	notify := r.notifier
	r.mu.Unlock()

	r.logger.Debug().
		Str("owner", owner.Hex()).
		Str("nonce", nonce.Dec()).
		Msg("nonce invalidated")
	if notify != nil {
		notify(owner, new(uint256.Int).Set(nonce))
	}
	return nil
}

// Release clears nonce for owner. It reverts a Claim whose enclosing
// operation failed; releasing an unused nonce is a no-op.
func (r *Registry) Release(ctx context.Context, owner common.Address, nonce *uint256.Int) error {
	if nonce == nil {
		return fmt.Errorf("%w: nil nonce", ErrInvalidNonce)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wordPos, bitPos := BitmapPositions(nonce)
	word, err := r.store.Word(ctx, owner, wordPos)
	if err != nil {
		return fmt.Errorf("failed to load nonce word %s for %s: %w", wordPos.Dec(), owner.Hex(), err)
	}
	if !wordBit(word, bitPos) {
		return nil
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), bitPos)
	next := new(uint256.Int).And(word, mask.Not(mask))
	if err := r.store.SetWord(ctx, owner, wordPos, next); err != nil {
		return fmt.Errorf("failed to store nonce word %s for %s: %w", wordPos.Dec(), owner.Hex(), err)
	}
	r.logger.Debug().
		Str("owner", owner.Hex()).
		Str("nonce", nonce.Dec()).
		Msg("nonce released")
	return nil
}

func (r *Registry) IsUsed(ctx context.Context, owner common.Address, nonce *uint256.Int) (bool, error) {
	if nonce == nil {
		return false, fmt.Errorf("%w: nil nonce", ErrInvalidNonce)
	}
	wordPos, bitPos := BitmapPositions(nonce)
	word, err := r.Bitmap(ctx, owner, wordPos)
	if err != nil {
		return false, err
	}
	return wordBit(word, bitPos), nil
}

// Bitmap returns a copy of the word at wordPos for auditing.
func (r *Registry) Bitmap(ctx context.Context, owner common.Address, wordPos *uint256.Int) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	word, err := r.store.Word(ctx, owner, wordPos)
	if err != nil {
		return nil, fmt.Errorf("failed to load nonce word %s for %s: %w", wordPos.Dec(), owner.Hex(), err)
	}
	return new(uint256.Int).Set(word), nil
}

func wordBit(word *uint256.Int, bitPos uint) bool {
	return new(uint256.Int).Rsh(word, bitPos).Uint64()&1 == 1
}
