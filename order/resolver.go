package order

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Resolver implements one order data type. Implementations must be pure
// functions of the order content and their own configuration.
type Resolver interface {
	ResolveOnchain(sender common.Address, o OnchainOrder) (Resolution, error)
	ResolveGasless(o GaslessOrder) (Resolution, error)
	FillPlan(originData []byte) (FillPlan, error)
}

// Registry maps order data types to their resolvers.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[common.Hash]Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[common.Hash]Resolver)}
}

func (r *Registry) Register(orderDataType common.Hash, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[orderDataType] = resolver
}

func (r *Registry) Lookup(orderDataType common.Hash) (Resolver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.resolvers[orderDataType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrderType, orderDataType.Hex())
	}
	return resolver, nil
}

func (r *Registry) ResolveOnchain(sender common.Address, o OnchainOrder) (Resolution, error) {
	resolver, err := r.Lookup(o.OrderDataType)
	if err != nil {
		return Resolution{}, err
	}
	return resolver.ResolveOnchain(sender, o)
}

func (r *Registry) ResolveGasless(o GaslessOrder) (Resolution, error) {
	resolver, err := r.Lookup(o.OrderDataType)
	if err != nil {
		return Resolution{}, err
	}
	return resolver.ResolveGasless(o)
}
