package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

func (s *Store) NextSequence(ctx context.Context, shopID string, docType domain.DocumentType) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reference_sequences (shop_id, doc_type, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (shop_id, doc_type) DO UPDATE SET value = reference_sequences.value + 1
		RETURNING value
	`, shopID, docType).Scan(&value)
	return value, err
}

func (s *Store) CompleteCheckout(ctx context.Context, completion store.OrderCompletion) (*domain.ShopOrder, error) {
	order := completion.Order
	if order.ID == "" || order.CheckoutID == "" {
		return nil, domain.ErrInvalidRequest
	}
	order.Version = 1
	shippingAddr, err := marshalNullable(order.ShippingAddress)
	if err != nil {
		return nil, err
	}
	billingAddr, err := marshalNullable(order.BillingAddress)
	if err != nil {
		return nil, err
	}
	if order.ShippingAddress == nil {
		shippingAddr = nil
	}
	if order.BillingAddress == nil {
		billingAddr = nil
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	var status domain.CheckoutStatus
	err = pgTx.QueryRowContext(ctx, `SELECT status FROM checkouts WHERE id = $1 FOR UPDATE`, order.CheckoutID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, order.CheckoutID)
		}
		return nil, err
	}
	if status != domain.CheckoutProcessing {
		return nil, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, order.CheckoutID, status)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO shop_orders (id, shop_id, checkout_id, reference_no, currency, customer_id, staff_id, subtotal, shop_discount,
			coupon_discount, shipping_fee, tax_fee, adjustments_total, total, member_points, status, payment_status,
			shipping_status, kitchen_status, shipping_address, billing_address, shipping_provider_id, remark, version,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, order.ID, order.ShopID, order.CheckoutID, order.ReferenceNo, order.Currency, nullIfEmpty(order.CustomerID), nullIfEmpty(order.StaffID),
		order.Subtotal, order.ShopDiscount, order.CouponDiscount, order.ShippingFee, order.TaxFee, order.AdjustmentsTotal, order.Total,
		order.MemberPoints, order.Status, order.PaymentStatus, order.ShippingStatus, order.KitchenStatus, shippingAddr, billingAddr,
		nullIfEmpty(order.ShippingProviderID), order.Remark, order.Version, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: checkout %s already has an order", domain.ErrConflict, order.CheckoutID)
		}
		return nil, err
	}
	for i, item := range order.Items {
		if item.ID == "" {
			item.ID = xid.New("oit")
			order.Items[i].ID = item.ID
		}
		order.Items[i].OrderID = order.ID
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, checkout_item_id, kind, ref_id, name, quantity, unit_price, line_total, remark, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, item.ID, order.ID, item.CheckoutItemID, item.Kind, item.RefID, item.Name, item.Quantity, item.UnitPrice, item.LineTotal, item.Remark, i); err != nil {
			return nil, err
		}
	}

	for invoiceID, ref := range completion.InvoiceRefs {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE order_invoices SET order_id = $2, reference_no = COALESCE(reference_no, $3), updated_at = $4
			WHERE id = $1
		`, invoiceID, order.ID, ref, completion.At)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, invoiceID)
		}
	}
	for _, id := range completion.MovementIDs {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE stock_movements SET order_id = COALESCE(order_id, $2) WHERE id = $1
		`, id, order.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: movement %s", domain.ErrNotFound, id)
		}
	}
	if completion.Event.ID != "" {
		if err := insertOutbox(ctx, pgTx, completion.Event); err != nil {
			return nil, err
		}
	}
	if err := transitionCheckout(ctx, pgTx, order.CheckoutID, domain.CheckoutCompleted, "", completion.At); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func insertOutbox(ctx context.Context, q queryer, event domain.OutboxEvent) error {
	payload := []byte(event.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, status, attempts, last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,'',$7)
	`, event.ID, event.AggregateType, event.AggregateID, event.EventType, payload, event.Status, event.CreatedAt)
	return err
}

const orderSelect = `
	SELECT id, shop_id, checkout_id, reference_no, currency, COALESCE(customer_id, ''), COALESCE(staff_id, ''), subtotal,
		shop_discount, coupon_discount, shipping_fee, tax_fee, adjustments_total, total, member_points, status, payment_status,
		shipping_status, kitchen_status, shipping_address, billing_address, COALESCE(shipping_provider_id, ''), remark, version,
		created_at, updated_at
	FROM shop_orders`

func (s *Store) loadOrder(ctx context.Context, query string, args ...any) (*domain.ShopOrder, error) {
	var o domain.ShopOrder
	var shippingAddr, billingAddr []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&o.ID, &o.ShopID, &o.CheckoutID, &o.ReferenceNo, &o.Currency, &o.CustomerID,
		&o.StaffID, &o.Subtotal, &o.ShopDiscount, &o.CouponDiscount, &o.ShippingFee, &o.TaxFee, &o.AdjustmentsTotal, &o.Total,
		&o.MemberPoints, &o.Status, &o.PaymentStatus, &o.ShippingStatus, &o.KitchenStatus, &shippingAddr, &billingAddr,
		&o.ShippingProviderID, &o.Remark, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order", domain.ErrNotFound)
		}
		return nil, err
	}
	if len(shippingAddr) > 0 {
		if err := json.Unmarshal(shippingAddr, &o.ShippingAddress); err != nil {
			return nil, err
		}
	}
	if len(billingAddr) > 0 {
		if err := json.Unmarshal(billingAddr, &o.BillingAddress); err != nil {
			return nil, err
		}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, checkout_item_id, kind, ref_id, name, quantity, unit_price, line_total, remark
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.CheckoutItemID, &item.Kind, &item.RefID, &item.Name, &item.Quantity, &item.UnitPrice, &item.LineTotal, &item.Remark); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	invRows, err := s.db.QueryContext(ctx, `SELECT id FROM order_invoices WHERE order_id = $1 ORDER BY created_at, id`, o.ID)
	if err != nil {
		return nil, err
	}
	defer invRows.Close()
	for invRows.Next() {
		var id string
		if err := invRows.Scan(&id); err != nil {
			return nil, err
		}
		o.InvoiceIDs = append(o.InvoiceIDs, id)
	}
	if err := invRows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.ShopOrder, error) {
	order, err := s.loadOrder(ctx, orderSelect+` WHERE id = $1`, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return order, err
}

func (s *Store) GetOrderByCheckout(ctx context.Context, checkoutID string) (*domain.ShopOrder, error) {
	order, err := s.loadOrder(ctx, orderSelect+` WHERE checkout_id = $1`, checkoutID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: order for checkout %s", domain.ErrNotFound, checkoutID)
	}
	return order, err
}

func (s *Store) UpdateOrder(ctx context.Context, order domain.ShopOrder) (*domain.ShopOrder, error) {
	shippingAddr, err := marshalNullable(order.ShippingAddress)
	if err != nil {
		return nil, err
	}
	if order.ShippingAddress == nil {
		shippingAddr = nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE shop_orders SET
			status = $3, payment_status = $4, shipping_status = $5, kitchen_status = $6,
			remark = $7, shipping_address = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
	`, order.ID, order.Version, order.Status, order.PaymentStatus, order.ShippingStatus, order.KitchenStatus,
		order.Remark, shippingAddr, order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetOrder(ctx, order.ID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s version %d is stale", domain.ErrConflict, order.ID, order.Version)
	}
	return s.GetOrder(ctx, order.ID)
}

const documentSelect = `
	SELECT id, shop_id, type, status, COALESCE(reference_no, ''), COALESCE(order_id, ''), warehouse_id,
		COALESCE(target_warehouse_id, ''), lines, remark, created_by, created_at, updated_at, completed_at, cancelled_at
	FROM stock_documents`

func scanDocument(row rowScanner) (*domain.StockDocument, error) {
	var d domain.StockDocument
	var lines []byte
	var completedAt, cancelledAt sql.NullTime
	err := row.Scan(&d.ID, &d.ShopID, &d.Type, &d.Status, &d.ReferenceNo, &d.OrderID, &d.WarehouseID, &d.TargetWarehouseID,
		&lines, &d.Remark, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt, &completedAt, &cancelledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: document", domain.ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal(lines, &d.Lines); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	d.CompletedAt = timePtr(completedAt)
	d.CancelledAt = timePtr(cancelledAt)
	return &d, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc domain.StockDocument) (*domain.StockDocument, error) {
	if doc.ShopID == "" || !doc.Type.StockDocument() {
		return nil, domain.ErrInvalidRequest
	}
	if doc.ID == "" {
		doc.ID = xid.New("doc")
	}
	lines, err := json.Marshal(doc.Lines)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stock_documents (id, shop_id, type, status, reference_no, order_id, warehouse_id, target_warehouse_id,
			lines, remark, created_by, created_at, updated_at, completed_at, cancelled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, doc.ID, doc.ShopID, doc.Type, doc.Status, nullIfEmpty(doc.ReferenceNo), nullIfEmpty(doc.OrderID), doc.WarehouseID,
		nullIfEmpty(doc.TargetWarehouseID), lines, doc.Remark, doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt,
		nullTime(doc.CompletedAt), nullTime(doc.CancelledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: document %s exists", domain.ErrConflict, doc.ID)
		}
		return nil, err
	}
	return &doc, nil
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (*domain.StockDocument, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, documentSelect+` WHERE id = $1`, documentID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, documentID)
	}
	return doc, err
}

func (s *Store) ListDocumentsByOrder(ctx context.Context, orderID string) ([]domain.StockDocument, error) {
	rows, err := s.db.QueryContext(ctx, documentSelect+` WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockDocument, 0, 2)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, documentID string, from []domain.DocumentStatus, to domain.DocumentStatus, at time.Time) (*domain.StockDocument, error) {
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}
	transition := &store.Transition{Entity: store.EntityDocument, ID: documentID, From: allowed, To: string(to), At: at}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	if err := applyTransition(ctx, pgTx, transition, at); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, documentID)
}

func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, attempts, last_error, created_at, sent_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, domain.OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		var e domain.OutboxEvent
		var payload []byte
		var sentAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = e.CreatedAt.UTC()
		e.SentAt = timePtr(sentAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, eventID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = $2, sent_at = $3 WHERE id = $1
	`, eventID, domain.OutboxSent, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: outbox event %s", domain.ErrNotFound, eventID)
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, eventID string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1
	`, eventID, reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: outbox event %s", domain.ErrNotFound, eventID)
	}
	return nil
}
