package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

const invoiceSelect = `
	SELECT id, shop_id, checkout_id, COALESCE(order_id, ''), COALESCE(reference_no, ''), currency, total, total_paid,
		total_refund, change, status, payment_method, created_at, updated_at, paid_at
	FROM order_invoices`

func scanInvoice(row rowScanner) (*domain.OrderInvoice, error) {
	var inv domain.OrderInvoice
	var paidAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.ShopID, &inv.CheckoutID, &inv.OrderID, &inv.ReferenceNo, &inv.Currency, &inv.Total, &inv.TotalPaid,
		&inv.TotalRefund, &inv.Change, &inv.Status, &inv.PaymentMethod, &inv.CreatedAt, &inv.UpdatedAt, &paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: invoice", domain.ErrNotFound)
		}
		return nil, err
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	inv.PaidAt = timePtr(paidAt)
	return &inv, nil
}

func writeInvoice(ctx context.Context, q queryer, inv domain.OrderInvoice) error {
	_, err := q.ExecContext(ctx, `
		UPDATE order_invoices SET
			order_id = $2, reference_no = $3, total_paid = $4, total_refund = $5, change = $6,
			status = $7, payment_method = $8, updated_at = $9, paid_at = $10
		WHERE id = $1
	`, inv.ID, nullIfEmpty(inv.OrderID), nullIfEmpty(inv.ReferenceNo), inv.TotalPaid, inv.TotalRefund, inv.Change,
		inv.Status, inv.PaymentMethod, inv.UpdatedAt, nullTime(inv.PaidAt))
	return err
}

const attemptSelect = `
	SELECT idempotency_key, shop_id, checkout_id, invoice_id, provider, amount, status, provider_ref,
		failure_class, failure_message, refunded, created_at, updated_at, expires_at
	FROM payment_attempts`

func scanAttempt(row rowScanner) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	err := row.Scan(&a.IdempotencyKey, &a.ShopID, &a.CheckoutID, &a.InvoiceID, &a.Provider, &a.Amount, &a.Status, &a.ProviderRef,
		&a.FailureClass, &a.FailureMessage, &a.Refunded, &a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment attempt", domain.ErrNotFound)
		}
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	return &a, nil
}

func (s *Store) CreateInvoice(ctx context.Context, invoice domain.OrderInvoice) (*domain.OrderInvoice, error) {
	if invoice.CheckoutID == "" || invoice.Total.IsNegative() {
		return nil, domain.ErrInvalidRequest
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_invoices (id, shop_id, checkout_id, order_id, reference_no, currency, total, total_paid, total_refund,
			change, status, payment_method, created_at, updated_at, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, invoice.ID, invoice.ShopID, invoice.CheckoutID, nullIfEmpty(invoice.OrderID), nullIfEmpty(invoice.ReferenceNo), invoice.Currency,
		invoice.Total, invoice.TotalPaid, invoice.TotalRefund, invoice.Change, invoice.Status, invoice.PaymentMethod,
		invoice.CreatedAt, invoice.UpdatedAt, nullTime(invoice.PaidAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: invoice %s exists", domain.ErrConflict, invoice.ID)
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*domain.OrderInvoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1`, invoiceID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, invoiceID)
	}
	return inv, err
}

func (s *Store) ListInvoicesByCheckout(ctx context.Context, checkoutID string) ([]domain.OrderInvoice, error) {
	rows, err := s.db.QueryContext(ctx, invoiceSelect+` WHERE checkout_id = $1 ORDER BY created_at, id`, checkoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.OrderInvoice, 0, 2)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CancelInvoice(ctx context.Context, invoiceID string, at time.Time) (*domain.OrderInvoice, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	inv, err := scanInvoice(pgTx.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1 FOR UPDATE`, invoiceID))
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoicePending || !inv.TotalPaid.IsZero() {
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrInvalidState, invoiceID, inv.Status)
	}
	inv.Status = domain.InvoiceCancelled
	inv.UpdatedAt = at
	if err := writeInvoice(ctx, pgTx, *inv); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) GetPaymentAttempt(ctx context.Context, idempotencyKey string) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(s.db.QueryRowContext(ctx, attemptSelect+` WHERE idempotency_key = $1`, idempotencyKey))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment attempt %s", domain.ErrNotFound, idempotencyKey)
	}
	return attempt, err
}

func (s *Store) ListPaymentAttempts(ctx context.Context, invoiceID string) ([]domain.PaymentAttempt, error) {
	rows, err := s.db.QueryContext(ctx, attemptSelect+` WHERE invoice_id = $1 ORDER BY created_at, idempotency_key`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PaymentAttempt, 0, 2)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) BeginPaymentAttempt(ctx context.Context, attempt domain.PaymentAttempt) (*domain.OrderInvoice, error) {
	if attempt.IdempotencyKey == "" || attempt.InvoiceID == "" {
		return nil, domain.ErrInvalidRequest
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	var status domain.CheckoutStatus
	err = pgTx.QueryRowContext(ctx, `SELECT status FROM checkouts WHERE id = $1 FOR SHARE`, attempt.CheckoutID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, attempt.CheckoutID)
		}
		return nil, err
	}
	if status != domain.CheckoutProcessing {
		return nil, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, attempt.CheckoutID, status)
	}

	inv, err := scanInvoice(pgTx.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1 FOR UPDATE`, attempt.InvoiceID))
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoicePending || inv.CheckoutID != attempt.CheckoutID {
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrInvalidState, inv.ID, inv.Status)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO payment_attempts (idempotency_key, shop_id, checkout_id, invoice_id, provider, amount, status,
			provider_ref, failure_class, failure_message, refunded, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'','','',0,$8,$8,$9)
	`, attempt.IdempotencyKey, attempt.ShopID, attempt.CheckoutID, attempt.InvoiceID, attempt.Provider, attempt.Amount,
		domain.AttemptPending, attempt.CreatedAt, attempt.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: idempotency key %s", domain.ErrConflict, attempt.IdempotencyKey)
		}
		return nil, err
	}

	inv.Status = domain.InvoiceProcessing
	inv.UpdatedAt = attempt.CreatedAt
	if err := writeInvoice(ctx, pgTx, *inv); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) SettlePaymentAttempt(ctx context.Context, settlement store.PaymentSettlement) (*domain.OrderInvoice, *domain.PaymentAttempt, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	attempt, err := scanAttempt(pgTx.QueryRowContext(ctx, attemptSelect+` WHERE idempotency_key = $1 FOR UPDATE`, settlement.IdempotencyKey))
	if err != nil {
		return nil, nil, err
	}
	if attempt.Status != domain.AttemptPending {
		return nil, nil, fmt.Errorf("%w: payment attempt %s already %s", domain.ErrInvalidState, attempt.IdempotencyKey, attempt.Status)
	}
	inv, err := scanInvoice(pgTx.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1 FOR UPDATE`, attempt.InvoiceID))
	if err != nil {
		return nil, nil, err
	}

	attempt.Status = settlement.Status
	attempt.ProviderRef = settlement.ProviderRef
	attempt.FailureClass = settlement.FailureClass
	attempt.FailureMessage = settlement.FailureMessage
	attempt.UpdatedAt = settlement.At

	switch settlement.Status {
	case domain.AttemptSucceeded:
		inv.ApplyPayment(settlement.PaidAmount, attempt.Provider, settlement.At)
	case domain.AttemptFailed:
		if inv.Status == domain.InvoiceProcessing {
			inv.Status = domain.InvoicePending
			inv.UpdatedAt = settlement.At
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE payment_attempts SET status = $2, provider_ref = $3, failure_class = $4, failure_message = $5, updated_at = $6
		WHERE idempotency_key = $1
	`, attempt.IdempotencyKey, attempt.Status, attempt.ProviderRef, attempt.FailureClass, attempt.FailureMessage, attempt.UpdatedAt); err != nil {
		return nil, nil, err
	}
	if err := writeInvoice(ctx, pgTx, *inv); err != nil {
		return nil, nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return inv, attempt, nil
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.OrderInvoice, error) {
	if !refund.Amount.IsPositive() {
		return nil, domain.ErrInvalidRequest
	}
	if refund.ID == "" {
		refund.ID = xid.New("rfd")
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	inv, err := scanInvoice(pgTx.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1 FOR UPDATE`, refund.InvoiceID))
	if err != nil {
		return nil, err
	}
	attempt, err := scanAttempt(pgTx.QueryRowContext(ctx, attemptSelect+` WHERE idempotency_key = $1 FOR UPDATE`, refund.AttemptKey))
	if err != nil {
		return nil, err
	}
	if attempt.InvoiceID != inv.ID || attempt.Status != domain.AttemptSucceeded {
		return nil, fmt.Errorf("%w: payment attempt %s", domain.ErrNotFound, refund.AttemptKey)
	}
	if refund.Amount.GreaterThan(inv.Refundable()) || refund.Amount.GreaterThan(attempt.Amount.Sub(attempt.Refunded)) {
		return nil, fmt.Errorf("%w: refund exceeds refundable amount", domain.ErrInvalidRequest)
	}

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO invoice_refunds (id, invoice_id, attempt_key, provider_ref, amount, reason, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, refund.ID, refund.InvoiceID, refund.AttemptKey, refund.ProviderRef, refund.Amount, refund.Reason, refund.CreatedBy, refund.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE payment_attempts SET refunded = refunded + $2, updated_at = $3 WHERE idempotency_key = $1
	`, attempt.IdempotencyKey, refund.Amount, refund.CreatedAt); err != nil {
		return nil, err
	}

	inv.TotalRefund = inv.TotalRefund.Add(refund.Amount)
	inv.UpdatedAt = refund.CreatedAt
	if err := writeInvoice(ctx, pgTx, *inv); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) ListRefunds(ctx context.Context, invoiceID string) ([]domain.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, attempt_key, provider_ref, amount, reason, created_by, created_at
		FROM invoice_refunds
		WHERE invoice_id = $1
		ORDER BY created_at, id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Refund, 0, 2)
	for rows.Next() {
		var r domain.Refund
		if err := rows.Scan(&r.ID, &r.InvoiceID, &r.AttemptKey, &r.ProviderRef, &r.Amount, &r.Reason, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PurgeExpiredAttempts(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM payment_attempts WHERE status = $1 AND expires_at < $2
	`, domain.AttemptFailed, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
