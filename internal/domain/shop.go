package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RoundingStrategy string

const (
	RoundingFloor   RoundingStrategy = "FLOOR"
	RoundingCeiling RoundingStrategy = "CEILING"
	RoundingRound   RoundingStrategy = "ROUND"
)

type RoundingPolicy struct {
	MaximumFractionDigits int32            `json:"maximum_fraction_digits"`
	Strategy              RoundingStrategy `json:"strategy"`
}

func DefaultRoundingPolicy() RoundingPolicy {
	return RoundingPolicy{MaximumFractionDigits: 2, Strategy: RoundingRound}
}

func (p RoundingPolicy) Valid() bool {
	if p.MaximumFractionDigits < 0 || p.MaximumFractionDigits > 8 {
		return false
	}
	switch p.Strategy {
	case RoundingFloor, RoundingCeiling, RoundingRound:
		return true
	default:
		return false
	}
}

// Apply rounds amount once according to the policy. ROUND is half away from zero.
func (p RoundingPolicy) Apply(amount decimal.Decimal) decimal.Decimal {
	switch p.Strategy {
	case RoundingFloor:
		return amount.RoundFloor(p.MaximumFractionDigits)
	case RoundingCeiling:
		return amount.RoundCeil(p.MaximumFractionDigits)
	default:
		return amount.Round(p.MaximumFractionDigits)
	}
}

type DocumentType string

const (
	DocumentOrder           DocumentType = "ORDER"
	DocumentInvoice         DocumentType = "INVOICE"
	DocumentDeliveryNote    DocumentType = "DELIVERY_NOTE"
	DocumentReturnNote      DocumentType = "RETURN_NOTE"
	DocumentStockTransfer   DocumentType = "STOCK_TRANSFER"
	DocumentStocktake       DocumentType = "STOCKTAKE"
	DocumentReceivePurchase DocumentType = "RECEIVE_PURCHASE"
)

// Typename is the entity name used in movement references ("Typename#id").
func (t DocumentType) Typename() string {
	switch t {
	case DocumentOrder:
		return "ShopOrders"
	case DocumentInvoice:
		return "OrderInvoices"
	case DocumentDeliveryNote:
		return "DeliveryNotes"
	case DocumentReturnNote:
		return "ReturnNotes"
	case DocumentStockTransfer:
		return "StockTransfers"
	case DocumentStocktake:
		return "Stocktakes"
	case DocumentReceivePurchase:
		return "ReceivePurchases"
	default:
		return string(t)
	}
}

func (t DocumentType) StockDocument() bool {
	switch t {
	case DocumentDeliveryNote, DocumentReturnNote, DocumentStockTransfer, DocumentStocktake, DocumentReceivePurchase:
		return true
	default:
		return false
	}
}

type ReferenceNoFormat struct {
	Prefix string `json:"prefix"`
	Digits int    `json:"digits"`
}

var defaultReferencePrefixes = map[DocumentType]string{
	DocumentOrder:           "SO",
	DocumentInvoice:         "INV",
	DocumentDeliveryNote:    "DN",
	DocumentReturnNote:      "RN",
	DocumentStockTransfer:   "ST",
	DocumentStocktake:       "STK",
	DocumentReceivePurchase: "RP",
}

type TaxZone struct {
	Country     string          `json:"country"`
	RatePercent decimal.Decimal `json:"rate_percent"`
	TaxShipping bool            `json:"tax_shipping"`
}

type ShippingMethod string

const (
	ShippingFlat   ShippingMethod = "FLAT"
	ShippingWeight ShippingMethod = "WEIGHT"
	ShippingUnit   ShippingMethod = "UNIT"
	ShippingQuote  ShippingMethod = "QUOTE"
)

// ShippingZone prices delivery as BaseFee plus PerKg per started kilogram
// (WEIGHT) or PerUnit per item (UNIT). QUOTE zones are priced by the external
// shipping-rate provider.
type ShippingZone struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Countries []string        `json:"countries"`
	Method    ShippingMethod  `json:"method"`
	BaseFee   decimal.Decimal `json:"base_fee"`
	PerKg     decimal.Decimal `json:"per_kg"`
	PerUnit   decimal.Decimal `json:"per_unit"`
	Active    bool            `json:"active"`
}

func (z ShippingZone) Serves(country string) bool {
	if len(z.Countries) == 0 {
		return true
	}
	return slices.Contains(z.Countries, strings.ToUpper(country))
}

type Shop struct {
	ID                 string                              `json:"id"`
	Name               string                              `json:"name"`
	Currency           string                              `json:"currency"`
	Country            string                              `json:"country"`
	StockWarehouseID   string                              `json:"stock_warehouse_id,omitempty"`
	OrderExpiryMinutes int                                 `json:"order_expiry_minutes"`
	Rounding           RoundingPolicy                      `json:"rounding"`
	ReferenceFormats   map[DocumentType]ReferenceNoFormat `json:"reference_formats,omitempty"`
	TaxZones           []TaxZone                           `json:"tax_zones,omitempty"`
	ShippingZones      []ShippingZone                      `json:"shipping_zones,omitempty"`
	Active             bool                                `json:"active"`
}

func (s Shop) OrderExpiry() time.Duration {
	if s.OrderExpiryMinutes < 1 {
		return 30 * time.Minute
	}
	return time.Duration(s.OrderExpiryMinutes) * time.Minute
}

func (s Shop) ReferenceFormat(docType DocumentType) ReferenceNoFormat {
	format, ok := s.ReferenceFormats[docType]
	if !ok {
		format = ReferenceNoFormat{Prefix: defaultReferencePrefixes[docType]}
	}
	if format.Digits < 1 {
		format.Digits = 6
	}
	return format
}

func (s Shop) TaxZoneFor(country string) (TaxZone, bool) {
	country = strings.ToUpper(strings.TrimSpace(country))
	for _, zone := range s.TaxZones {
		if strings.EqualFold(zone.Country, country) {
			return zone, true
		}
	}
	return TaxZone{}, false
}

func (s Shop) ShippingZoneByID(id string) (ShippingZone, bool) {
	for _, zone := range s.ShippingZones {
		if zone.ID == id {
			return zone, true
		}
	}
	return ShippingZone{}, false
}
