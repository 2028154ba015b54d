package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT config FROM shops WHERE id = $1`, shopID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: shop %s", domain.ErrNotFound, shopID)
		}
		return nil, err
	}
	var shop domain.Shop
	if err := json.Unmarshal(raw, &shop); err != nil {
		return nil, err
	}
	return &shop, nil
}

func (s *Store) SaveShop(ctx context.Context, shop domain.Shop) error {
	if shop.ID == "" {
		return domain.ErrInvalidRequest
	}
	payload, err := json.Marshal(shop)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shops (id, config, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()
	`, shop.ID, payload)
	return err
}

func (s *Store) GetCatalog(ctx context.Context, shopID string) (*domain.Catalog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, payload
		FROM catalog_entries
		WHERE shop_id = $1
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cat := domain.NewCatalog(shopID)
	for rows.Next() {
		var kind, id string
		var raw []byte
		if err := rows.Scan(&kind, &id, &raw); err != nil {
			return nil, err
		}
		switch kind {
		case "product":
			var p domain.Product
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			cat.Products[id] = p
		case "bundle":
			var b domain.Bundle
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			cat.Bundles[id] = b
		case "service":
			var svc domain.ServiceBundle
			if err := json.Unmarshal(raw, &svc); err != nil {
				return nil, err
			}
			cat.Services[id] = svc
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cat, nil
}

func (s *Store) saveCatalogEntry(ctx context.Context, shopID string, kind string, id string, entry any) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalog_entries (shop_id, kind, id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shop_id, kind, id) DO UPDATE SET payload = EXCLUDED.payload
	`, shopID, kind, id, payload)
	return err
}

func (s *Store) SaveProduct(ctx context.Context, product domain.Product) error {
	if product.ID == "" || product.ShopID == "" || product.SKU == "" {
		return domain.ErrInvalidRequest
	}
	return s.saveCatalogEntry(ctx, product.ShopID, "product", product.ID, product)
}

func (s *Store) SaveBundle(ctx context.Context, bundle domain.Bundle) error {
	if bundle.ID == "" || bundle.ShopID == "" || len(bundle.Components) == 0 {
		return domain.ErrInvalidRequest
	}
	return s.saveCatalogEntry(ctx, bundle.ShopID, "bundle", bundle.ID, bundle)
}

func (s *Store) SaveService(ctx context.Context, service domain.ServiceBundle) error {
	if service.ID == "" || service.ShopID == "" {
		return domain.ErrInvalidRequest
	}
	return s.saveCatalogEntry(ctx, service.ShopID, "service", service.ID, service)
}

func (s *Store) GetCustomer(ctx context.Context, shopID string, customerID string) (*domain.Customer, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM customers WHERE shop_id = $1 AND id = $2
	`, shopID, customerID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		return nil, err
	}
	var customer domain.Customer
	if err := json.Unmarshal(raw, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *Store) SaveCustomer(ctx context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.ShopID == "" {
		return domain.ErrInvalidRequest
	}
	payload, err := json.Marshal(customer)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customers (shop_id, id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (shop_id, id) DO UPDATE SET payload = EXCLUDED.payload
	`, customer.ShopID, customer.ID, payload)
	return err
}

func (s *Store) ListPromotions(ctx context.Context, shopID string) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM promotions
		WHERE shop_id = $1
		ORDER BY sort_index, id
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Promotion, 0, 16)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p domain.Promotion
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SavePromotion(ctx context.Context, promotion domain.Promotion) error {
	if promotion.ID == "" || promotion.ShopID == "" {
		return domain.ErrInvalidRequest
	}
	if promotion.CreatedAt.IsZero() {
		promotion.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(promotion)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO promotions (id, shop_id, sort_index, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET sort_index = EXCLUDED.sort_index, payload = EXCLUDED.payload
	`, promotion.ID, promotion.ShopID, promotion.SortIndex, payload)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ShopID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, shopID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ShopID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
