package aggregate

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
)

// Store is the keyed record store holding one aggregate per order.
// Save is a compare-and-swap on Order.Version and bumps it on success.
type Store interface {
	Create(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	Save(ctx context.Context, order *domain.Order) error
}

// MemoryStore is an in-process Store used by tests and single-node setups
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order

	// FailSaves makes the next N saves fail with a transient error
	FailSaves int
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*domain.Order)}
}

func (s *MemoryStore) Create(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.OrderID]; ok {
		return domain.ErrOrderExists
	}
	c := order.Clone()
	c.Version = 1
	s.orders[order.OrderID] = c
	order.Version = 1
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSaves > 0 {
		s.FailSaves--
		return domain.NewRetryableError(fmt.Errorf("memory store: injected failure"))
	}

	current, ok := s.orders[order.OrderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrVersionConflict
	}
	c := order.Clone()
	c.Version++
	s.orders[order.OrderID] = c
	order.Version = c.Version
	return nil
}
