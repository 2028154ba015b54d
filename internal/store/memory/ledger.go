package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: map[string]*sync.Mutex{}}
}

// lock acquires every key in sorted order and returns the release func.
func (k *keyLocks) lock(keys []string) func() {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, key := range sorted {
		k.mu.Lock()
		m, ok := k.locks[key]
		if !ok {
			m = &sync.Mutex{}
			k.locks[key] = m
		}
		k.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func validateMovement(m domain.StockMovement) error {
	if m.SKU == "" || m.WarehouseID == "" || m.Reference == "" || m.Quantity < 1 {
		return fmt.Errorf("%w: movement requires sku, warehouse, reference and positive quantity", domain.ErrInvalidRequest)
	}
	if m.Direction != domain.Inbound && m.Direction != domain.Outbound {
		return fmt.Errorf("%w: movement direction %q", domain.ErrInvalidRequest, m.Direction)
	}
	return nil
}

func (s *Store) AppendMovements(_ context.Context, movements []domain.StockMovement, transition *store.Transition) ([]domain.StockMovement, error) {
	if len(movements) == 0 && transition == nil {
		return nil, domain.ErrInvalidRequest
	}
	keys := make([]string, 0, len(movements))
	for _, m := range movements {
		if err := validateMovement(m); err != nil {
			return nil, err
		}
		keys = append(keys, domain.StockKey(m.SKU, m.WarehouseID))
	}

	unlock := s.keys.lock(keys)
	defer unlock()

	// Levels for the locked keys cannot change until unlock, so the check can
	// run under the read lock.
	s.mu.RLock()
	running := make(map[string]int, len(keys))
	for _, m := range movements {
		key := domain.StockKey(m.SKU, m.WarehouseID)
		if _, ok := running[key]; !ok {
			running[key] = s.levels[key]
		}
		m.Status = domain.MovementNormal
		running[key] += m.Delta()
		if running[key] < 0 && !m.IgnoreStock {
			s.mu.RUnlock()
			return nil, fmt.Errorf("%w: sku %s at %s", domain.ErrInsufficientStock, m.SKU, m.WarehouseID)
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	at := time.Now().UTC()
	if transition != nil {
		if !transition.At.IsZero() {
			at = transition.At
		}
		if err := s.applyTransitionLocked(transition, at); err != nil {
			return nil, err
		}
	}

	out := make([]domain.StockMovement, 0, len(movements))
	for _, m := range movements {
		if m.ID == "" {
			m.ID = xid.New("mov")
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = at
		}
		m.Status = domain.MovementNormal
		s.levels[domain.StockKey(m.SKU, m.WarehouseID)] += m.Delta()
		s.movementIndex[m.ID] = len(s.movements)
		s.movements = append(s.movements, m)
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) applyTransitionLocked(t *store.Transition, at time.Time) error {
	switch t.Entity {
	case store.EntityCheckout:
		checkout, ok := s.checkouts[t.ID]
		if !ok {
			return fmt.Errorf("%w: checkout %s", domain.ErrNotFound, t.ID)
		}
		if !t.Allows(string(checkout.Status)) {
			return fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, t.ID, checkout.Status)
		}
		checkout.ApplyTransition(domain.CheckoutStatus(t.To), t.Reason, at)
	case store.EntityDocument:
		doc, ok := s.documents[t.ID]
		if !ok {
			return fmt.Errorf("%w: document %s", domain.ErrNotFound, t.ID)
		}
		if !t.Allows(string(doc.Status)) {
			return fmt.Errorf("%w: document %s is %s", domain.ErrInvalidState, t.ID, doc.Status)
		}
		doc.ApplyStatus(domain.DocumentStatus(t.To), t.ReferenceNo, at)
	default:
		return fmt.Errorf("%w: transition entity %q", domain.ErrInvalidRequest, t.Entity)
	}
	return nil
}

func (s *Store) VoidMovement(_ context.Context, movementID string, at time.Time) (*domain.StockMovement, error) {
	s.mu.RLock()
	idx, ok := s.movementIndex[movementID]
	var key string
	if ok {
		key = domain.StockKey(s.movements[idx].SKU, s.movements[idx].WarehouseID)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: movement %s", domain.ErrNotFound, movementID)
	}

	unlock := s.keys.lock([]string{key})
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	m := &s.movements[idx]
	if m.Status != domain.MovementNormal {
		return nil, fmt.Errorf("%w: movement %s already voided", domain.ErrInvalidState, movementID)
	}
	next := s.levels[key] - m.Delta()
	if next < 0 && !m.IgnoreStock {
		return nil, fmt.Errorf("%w: voiding %s would leave %s negative", domain.ErrInsufficientStock, movementID, key)
	}
	s.levels[key] = next
	m.Status = domain.MovementVoided
	m.VoidedAt = &at

	out := *m
	return &out, nil
}

func (s *Store) GetMovement(_ context.Context, movementID string) (*domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.movementIndex[movementID]
	if !ok {
		return nil, fmt.Errorf("%w: movement %s", domain.ErrNotFound, movementID)
	}
	out := s.movements[idx]
	return &out, nil
}

func (s *Store) StockLevel(_ context.Context, sku string, warehouseID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.levels[domain.StockKey(sku, warehouseID)], nil
}

func (s *Store) SumMovements(_ context.Context, sku string, warehouseID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, m := range s.movements {
		if m.SKU == sku && m.WarehouseID == warehouseID {
			total += m.Delta()
		}
	}
	return total, nil
}

func (s *Store) ListMovementsByReference(_ context.Context, reference string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockMovement, 0, 8)
	for _, m := range s.movements {
		if m.Reference == reference {
			out = append(out, m)
		}
	}
	return out, nil
}
