package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

type stockKey struct {
	sku         string
	warehouseID string
}

func (k stockKey) String() string {
	return domain.StockKey(k.sku, k.warehouseID)
}

// lockLevels row-locks every (sku, warehouse) counter in a fixed order so
// concurrent batches cannot deadlock.
func lockLevels(ctx context.Context, tx *sql.Tx, keys []stockKey) (map[stockKey]int, error) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sku != keys[j].sku {
			return keys[i].sku < keys[j].sku
		}
		return keys[i].warehouseID < keys[j].warehouseID
	})

	levels := make(map[stockKey]int, len(keys))
	for _, key := range keys {
		if _, done := levels[key]; done {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_levels (sku, warehouse_id, quantity)
			VALUES ($1, $2, 0)
			ON CONFLICT (sku, warehouse_id) DO NOTHING
		`, key.sku, key.warehouseID); err != nil {
			return nil, err
		}
		var qty int
		if err := tx.QueryRowContext(ctx, `
			SELECT quantity FROM stock_levels
			WHERE sku = $1 AND warehouse_id = $2
			FOR UPDATE
		`, key.sku, key.warehouseID).Scan(&qty); err != nil {
			return nil, err
		}
		levels[key] = qty
	}
	return levels, nil
}

func (s *Store) AppendMovements(ctx context.Context, movements []domain.StockMovement, transition *store.Transition) ([]domain.StockMovement, error) {
	if len(movements) == 0 && transition == nil {
		return nil, domain.ErrInvalidRequest
	}
	keys := make([]stockKey, 0, len(movements))
	for _, m := range movements {
		if m.SKU == "" || m.WarehouseID == "" || m.Reference == "" || m.Quantity < 1 {
			return nil, fmt.Errorf("%w: movement requires sku, warehouse, reference and positive quantity", domain.ErrInvalidRequest)
		}
		if m.Direction != domain.Inbound && m.Direction != domain.Outbound {
			return nil, fmt.Errorf("%w: movement direction %q", domain.ErrInvalidRequest, m.Direction)
		}
		keys = append(keys, stockKey{sku: m.SKU, warehouseID: m.WarehouseID})
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	levels, err := lockLevels(ctx, pgTx, keys)
	if err != nil {
		return nil, err
	}

	at := time.Now().UTC()
	if transition != nil && !transition.At.IsZero() {
		at = transition.At
	}

	out := make([]domain.StockMovement, 0, len(movements))
	for _, m := range movements {
		key := stockKey{sku: m.SKU, warehouseID: m.WarehouseID}
		m.Status = domain.MovementNormal
		levels[key] += m.Delta()
		if levels[key] < 0 && !m.IgnoreStock {
			return nil, fmt.Errorf("%w: sku %s at %s", domain.ErrInsufficientStock, m.SKU, m.WarehouseID)
		}
		if m.ID == "" {
			m.ID = xid.New("mov")
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = at
		}
		out = append(out, m)
	}

	if transition != nil {
		if err := applyTransition(ctx, pgTx, transition, at); err != nil {
			return nil, err
		}
	}

	for _, m := range out {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, shop_id, sku, warehouse_id, direction, quantity, reference, status, ignore_stock, order_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, m.ID, m.ShopID, m.SKU, m.WarehouseID, m.Direction, m.Quantity, m.Reference, m.Status, m.IgnoreStock, nullIfEmpty(m.OrderID), m.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: movement %s exists", domain.ErrConflict, m.ID)
			}
			return nil, err
		}
	}
	for key, qty := range levels {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE stock_levels SET quantity = $3 WHERE sku = $1 AND warehouse_id = $2
		`, key.sku, key.warehouseID, qty); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyTransition(ctx context.Context, tx *sql.Tx, t *store.Transition, at time.Time) error {
	switch t.Entity {
	case store.EntityCheckout:
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM checkouts WHERE id = $1 FOR UPDATE`, t.ID).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: checkout %s", domain.ErrNotFound, t.ID)
			}
			return err
		}
		if !t.Allows(current) {
			return fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, t.ID, current)
		}
		return transitionCheckout(ctx, tx, t.ID, domain.CheckoutStatus(t.To), t.Reason, at)
	case store.EntityDocument:
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM stock_documents WHERE id = $1 FOR UPDATE`, t.ID).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: document %s", domain.ErrNotFound, t.ID)
			}
			return err
		}
		if !t.Allows(current) {
			return fmt.Errorf("%w: document %s is %s", domain.ErrInvalidState, t.ID, current)
		}
		return transitionDocument(ctx, tx, t.ID, domain.DocumentStatus(t.To), t.ReferenceNo, at)
	default:
		return fmt.Errorf("%w: transition entity %q", domain.ErrInvalidRequest, t.Entity)
	}
}

// transitionCheckout mirrors domain.Checkout.ApplyTransition in SQL.
func transitionCheckout(ctx context.Context, q queryer, checkoutID string, to domain.CheckoutStatus, reason string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE checkouts SET
			status = $2::text,
			updated_at = $3,
			version = version + 1,
			processed_at = CASE WHEN $2::text = 'PROCESSING' THEN $3 WHEN $2::text = 'PENDING' THEN NULL ELSE processed_at END,
			completed_at = CASE WHEN $2::text = 'COMPLETED' THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $2::text = 'CANCELLED' THEN $3 ELSE cancelled_at END,
			cancel_reason = CASE WHEN $2::text = 'CANCELLED' THEN $4 ELSE cancel_reason END
		WHERE id = $1
	`, checkoutID, string(to), at, reason)
	return err
}

func transitionDocument(ctx context.Context, q queryer, documentID string, to domain.DocumentStatus, referenceNo string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE stock_documents SET
			status = $2::text,
			updated_at = $3,
			reference_no = COALESCE($4, reference_no),
			completed_at = CASE WHEN $2::text = 'COMPLETED' THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $2::text = 'CANCELLED' THEN $3 ELSE cancelled_at END
		WHERE id = $1
	`, documentID, string(to), at, nullIfEmpty(referenceNo))
	return err
}

func (s *Store) VoidMovement(ctx context.Context, movementID string, at time.Time) (*domain.StockMovement, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	m, err := scanMovement(pgTx.QueryRowContext(ctx, movementSelect+` WHERE id = $1`, movementID))
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MovementNormal {
		return nil, fmt.Errorf("%w: movement %s already voided", domain.ErrInvalidState, movementID)
	}

	key := stockKey{sku: m.SKU, warehouseID: m.WarehouseID}
	levels, err := lockLevels(ctx, pgTx, []stockKey{key})
	if err != nil {
		return nil, err
	}
	// Re-read under the row lock; another void may have won the race.
	m, err = scanMovement(pgTx.QueryRowContext(ctx, movementSelect+` WHERE id = $1 FOR UPDATE`, movementID))
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MovementNormal {
		return nil, fmt.Errorf("%w: movement %s already voided", domain.ErrInvalidState, movementID)
	}
	next := levels[key] - m.Delta()
	if next < 0 && !m.IgnoreStock {
		return nil, fmt.Errorf("%w: voiding %s would leave %s negative", domain.ErrInsufficientStock, movementID, key)
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE stock_movements SET status = $2, voided_at = $3 WHERE id = $1
	`, movementID, domain.MovementVoided, at); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE stock_levels SET quantity = $3 WHERE sku = $1 AND warehouse_id = $2
	`, key.sku, key.warehouseID, next); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	m.Status = domain.MovementVoided
	voidedAt := at
	m.VoidedAt = &voidedAt
	return m, nil
}

const movementSelect = `
	SELECT id, shop_id, sku, warehouse_id, direction, quantity, reference, status, ignore_stock, COALESCE(order_id, ''), created_at, voided_at
	FROM stock_movements`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMovement(row rowScanner) (*domain.StockMovement, error) {
	var m domain.StockMovement
	var voidedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ShopID, &m.SKU, &m.WarehouseID, &m.Direction, &m.Quantity, &m.Reference, &m.Status, &m.IgnoreStock, &m.OrderID, &m.CreatedAt, &voidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: movement", domain.ErrNotFound)
		}
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.VoidedAt = timePtr(voidedAt)
	return &m, nil
}

func (s *Store) GetMovement(ctx context.Context, movementID string) (*domain.StockMovement, error) {
	return scanMovement(s.db.QueryRowContext(ctx, movementSelect+` WHERE id = $1`, movementID))
}

func (s *Store) StockLevel(ctx context.Context, sku string, warehouseID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM stock_levels WHERE sku = $1 AND warehouse_id = $2
	`, sku, warehouseID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) SumMovements(ctx context.Context, sku string, warehouseID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'OUTBOUND' THEN -quantity ELSE quantity END), 0)
		FROM stock_movements
		WHERE sku = $1 AND warehouse_id = $2 AND status = 'NORMAL'
	`, sku, warehouseID).Scan(&total)
	return total, err
}

func (s *Store) ListMovementsByReference(ctx context.Context, reference string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, movementSelect+` WHERE reference = $1 ORDER BY seq`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, 8)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
