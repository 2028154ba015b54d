package domain

import "time"

type MovementDirection string

const (
	Inbound  MovementDirection = "INBOUND"
	Outbound MovementDirection = "OUTBOUND"
)

type MovementStatus string

const (
	MovementNormal MovementStatus = "NORMAL"
	MovementVoided MovementStatus = "VOIDED"
)

// StockMovement is one immutable ledger entry. OrderID is a write-once link
// to the order that consumed a reservation movement.
type StockMovement struct {
	ID          string            `json:"id"`
	ShopID      string            `json:"shop_id"`
	SKU         string            `json:"sku"`
	WarehouseID string            `json:"warehouse_id"`
	Direction   MovementDirection `json:"direction"`
	Quantity    int               `json:"quantity"`
	Reference   string            `json:"reference"`
	Status      MovementStatus    `json:"status"`
	IgnoreStock bool              `json:"ignore_stock"`
	OrderID     string            `json:"order_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	VoidedAt    *time.Time        `json:"voided_at,omitempty"`
}

// Delta is the signed effect of a NORMAL movement on on-hand quantity.
func (m StockMovement) Delta() int {
	if m.Status != MovementNormal {
		return 0
	}
	if m.Direction == Outbound {
		return -m.Quantity
	}
	return m.Quantity
}

func StockKey(sku string, warehouseID string) string {
	return sku + "@" + warehouseID
}

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentCompleted  DocumentStatus = "COMPLETED"
	DocumentCancelled  DocumentStatus = "CANCELLED"
)

// DocumentLine is a SKU quantity on a stock document. For stocktakes
// Quantity is the counted quantity.
type DocumentLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// StockDocument covers delivery notes, return notes, stock transfers,
// stocktakes and purchase receipts.
type StockDocument struct {
	ID                string         `json:"id"`
	ShopID            string         `json:"shop_id"`
	Type              DocumentType   `json:"type"`
	Status            DocumentStatus `json:"status"`
	ReferenceNo       string         `json:"reference_no,omitempty"`
	OrderID           string         `json:"order_id,omitempty"`
	WarehouseID       string         `json:"warehouse_id"`
	TargetWarehouseID string         `json:"target_warehouse_id,omitempty"`
	Lines             []DocumentLine `json:"lines"`
	Remark            string         `json:"remark,omitempty"`
	CreatedBy         string         `json:"created_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CancelledAt       *time.Time     `json:"cancelled_at,omitempty"`
}

func (d StockDocument) Reference() string {
	return d.Type.Typename() + "#" + d.ID
}

func (d *StockDocument) ApplyStatus(to DocumentStatus, referenceNo string, at time.Time) {
	d.Status = to
	d.UpdatedAt = at
	if referenceNo != "" {
		d.ReferenceNo = referenceNo
	}
	switch to {
	case DocumentCompleted:
		d.CompletedAt = &at
	case DocumentCancelled:
		d.CancelledAt = &at
	}
}
