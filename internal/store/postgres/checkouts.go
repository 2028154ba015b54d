package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/xid"
)

const checkoutSelect = `
	SELECT id, shop_id, COALESCE(external_id, ''), currency, status, COALESCE(staff_id, ''), COALESCE(customer_id, ''),
		coupons, adjustments, shipping_address, billing_address, COALESCE(shipping_provider_id, ''),
		rounding, pricing, COALESCE(cancel_reason, ''), version, created_at, updated_at, processed_at, completed_at, cancelled_at
	FROM checkouts`

func scanCheckout(row rowScanner) (*domain.Checkout, error) {
	var c domain.Checkout
	var coupons, adjustments, shippingAddr, billingAddr, rounding, pricing []byte
	var processedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&c.ID, &c.ShopID, &c.ExternalID, &c.Currency, &c.Status, &c.StaffID, &c.CustomerID,
		&coupons, &adjustments, &shippingAddr, &billingAddr, &c.ShippingProviderID,
		&rounding, &pricing, &c.CancelReason, &c.Version, &c.CreatedAt, &c.UpdatedAt, &processedAt, &completedAt, &cancelledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: checkout", domain.ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal(coupons, &c.Coupons); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(adjustments, &c.Adjustments); err != nil {
		return nil, err
	}
	if len(shippingAddr) > 0 {
		if err := json.Unmarshal(shippingAddr, &c.ShippingAddress); err != nil {
			return nil, err
		}
	}
	if len(billingAddr) > 0 {
		if err := json.Unmarshal(billingAddr, &c.BillingAddress); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(rounding, &c.Rounding); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pricing, &c.Pricing); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.ProcessedAt = timePtr(processedAt)
	c.CompletedAt = timePtr(completedAt)
	c.CancelledAt = timePtr(cancelledAt)
	return &c, nil
}

func (s *Store) loadCheckout(ctx context.Context, q queryer, query string, args ...any) (*domain.Checkout, error) {
	checkout, err := scanCheckout(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, checkout_id, kind, ref_id, name, quantity, unit_price, remark, position, created_at, updated_at, deleted_at
		FROM checkout_items
		WHERE checkout_id = $1
		ORDER BY position, created_at
	`, checkout.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.CheckoutItem
		var deletedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.CheckoutID, &item.Kind, &item.RefID, &item.Name, &item.Quantity, &item.UnitPrice, &item.Remark, &item.Position, &item.CreatedAt, &item.UpdatedAt, &deletedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		item.DeletedAt = timePtr(deletedAt)
		checkout.Items = append(checkout.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return checkout, nil
}

type checkoutColumns struct {
	coupons, adjustments, shippingAddr, billingAddr, rounding, pricing []byte
}

func encodeCheckout(c domain.Checkout) (checkoutColumns, error) {
	var cols checkoutColumns
	var err error
	if c.Coupons == nil {
		c.Coupons = []string{}
	}
	if c.Adjustments == nil {
		c.Adjustments = []domain.Adjustment{}
	}
	if cols.coupons, err = json.Marshal(c.Coupons); err != nil {
		return cols, err
	}
	if cols.adjustments, err = json.Marshal(c.Adjustments); err != nil {
		return cols, err
	}
	if c.ShippingAddress != nil {
		if cols.shippingAddr, err = marshalNullable(c.ShippingAddress); err != nil {
			return cols, err
		}
	}
	if c.BillingAddress != nil {
		if cols.billingAddr, err = marshalNullable(c.BillingAddress); err != nil {
			return cols, err
		}
	}
	if cols.rounding, err = json.Marshal(c.Rounding); err != nil {
		return cols, err
	}
	if cols.pricing, err = json.Marshal(c.Pricing); err != nil {
		return cols, err
	}
	return cols, nil
}

func replaceCheckoutItems(ctx context.Context, tx *sql.Tx, checkout domain.Checkout) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkout_items WHERE checkout_id = $1`, checkout.ID); err != nil {
		return err
	}
	for _, item := range checkout.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkout_items (id, checkout_id, kind, ref_id, name, quantity, unit_price, remark, position, created_at, updated_at, deleted_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, item.ID, checkout.ID, item.Kind, item.RefID, item.Name, item.Quantity, item.UnitPrice, item.Remark, item.Position, item.CreatedAt, item.UpdatedAt, nullTime(item.DeletedAt)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateCheckout(ctx context.Context, checkout domain.Checkout) (*domain.Checkout, error) {
	if checkout.ShopID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if checkout.ID == "" {
		checkout.ID = xid.New("chk")
	}
	checkout.Version = 1
	cols, err := encodeCheckout(checkout)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO checkouts (id, shop_id, external_id, currency, status, staff_id, customer_id, coupons, adjustments,
			shipping_address, billing_address, shipping_provider_id, rounding, pricing, cancel_reason, version,
			created_at, updated_at, processed_at, completed_at, cancelled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, checkout.ID, checkout.ShopID, nullIfEmpty(checkout.ExternalID), checkout.Currency, checkout.Status,
		nullIfEmpty(checkout.StaffID), nullIfEmpty(checkout.CustomerID), cols.coupons, cols.adjustments,
		cols.shippingAddr, cols.billingAddr, nullIfEmpty(checkout.ShippingProviderID), cols.rounding, cols.pricing,
		nullIfEmpty(checkout.CancelReason), checkout.Version, checkout.CreatedAt, checkout.UpdatedAt,
		nullTime(checkout.ProcessedAt), nullTime(checkout.CompletedAt), nullTime(checkout.CancelledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: checkout %s exists", domain.ErrConflict, checkout.ID)
		}
		return nil, err
	}
	if err := replaceCheckoutItems(ctx, pgTx, checkout); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &checkout, nil
}

func (s *Store) GetCheckout(ctx context.Context, checkoutID string) (*domain.Checkout, error) {
	checkout, err := s.loadCheckout(ctx, s.db, checkoutSelect+` WHERE id = $1`, checkoutID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, checkoutID)
		}
		return nil, err
	}
	return checkout, nil
}

func (s *Store) FindCheckoutByExternalID(ctx context.Context, shopID string, externalID string) (*domain.Checkout, error) {
	return s.loadCheckout(ctx, s.db, checkoutSelect+` WHERE shop_id = $1 AND external_id = $2`, shopID, externalID)
}

func (s *Store) UpdateCheckout(ctx context.Context, checkout domain.Checkout, expected domain.CheckoutStatus) (*domain.Checkout, error) {
	cols, err := encodeCheckout(checkout)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	var status domain.CheckoutStatus
	var version int64
	err = pgTx.QueryRowContext(ctx, `SELECT status, version FROM checkouts WHERE id = $1 FOR UPDATE`, checkout.ID).Scan(&status, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, checkout.ID)
		}
		return nil, err
	}
	if status != expected {
		return nil, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, status)
	}
	if version != checkout.Version {
		return nil, fmt.Errorf("%w: checkout %s version %d, have %d", domain.ErrConflict, checkout.ID, version, checkout.Version)
	}
	checkout.Version++

	_, err = pgTx.ExecContext(ctx, `
		UPDATE checkouts SET
			status = $2, staff_id = $3, customer_id = $4, coupons = $5, adjustments = $6,
			shipping_address = $7, billing_address = $8, shipping_provider_id = $9, rounding = $10, pricing = $11,
			cancel_reason = $12, version = $13, updated_at = $14, processed_at = $15, completed_at = $16, cancelled_at = $17
		WHERE id = $1
	`, checkout.ID, checkout.Status, nullIfEmpty(checkout.StaffID), nullIfEmpty(checkout.CustomerID), cols.coupons, cols.adjustments,
		cols.shippingAddr, cols.billingAddr, nullIfEmpty(checkout.ShippingProviderID), cols.rounding, cols.pricing,
		nullIfEmpty(checkout.CancelReason), checkout.Version, checkout.UpdatedAt,
		nullTime(checkout.ProcessedAt), nullTime(checkout.CompletedAt), nullTime(checkout.CancelledAt))
	if err != nil {
		return nil, err
	}
	if err := replaceCheckoutItems(ctx, pgTx, checkout); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &checkout, nil
}

func (s *Store) ListCheckoutsByStatus(ctx context.Context, status domain.CheckoutStatus, processedBefore time.Time, limit int) ([]domain.Checkout, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM checkouts
		WHERE status = $1 AND COALESCE(processed_at, updated_at) < $2
		ORDER BY updated_at
		LIMIT $3
	`, status, processedBefore, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Checkout, 0, len(ids))
	for _, id := range ids {
		checkout, err := s.GetCheckout(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *checkout)
	}
	return out, nil
}
