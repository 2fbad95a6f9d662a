package nonce

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type wordKey struct {
	owner   common.Address
	wordPos [32]byte
}

// MemoryStore keeps bitmap words in a map. Used by tests and by custody.
type MemoryStore struct {
	mu    sync.RWMutex
	words map[wordKey]*uint256.Int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{words: make(map[wordKey]*uint256.Int)}
}

func (m *MemoryStore) Word(_ context.Context, owner common.Address, wordPos *uint256.Int) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.words[wordKey{owner, wordPos.Bytes32()}]; ok {
		return new(uint256.Int).Set(w), nil
	}
	return new(uint256.Int), nil
}

func (m *MemoryStore) SetWord(_ context.Context, owner common.Address, wordPos, word *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[wordKey{owner, wordPos.Bytes32()}] = new(uint256.Int).Set(word)
	return nil
}
