package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Store is the tenant boundary. Every product and sale belongs to exactly
// one store; cross-store references are invalid.
type Store struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
}

type Product struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"store_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Barcode       string          `json:"barcode"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Stock         int             `json:"stock"`
	Size          string          `json:"size,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Barcode       string          `json:"barcode,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	InitialStock  int             `json:"initial_stock"`
	Size          string          `json:"size,omitempty"`
}

type ProductUpdateRequest struct {
	Name          *string          `json:"name,omitempty"`
	Description   *string          `json:"description,omitempty"`
	PurchasePrice *decimal.Decimal `json:"purchase_price,omitempty"`
	UnitPrice     *decimal.Decimal `json:"unit_price,omitempty"`
	Size          *string          `json:"size,omitempty"`
}

// SaleLine is one product/quantity/price entry within a sale. UnitPriceAtSale
// is captured at creation and never re-read from the live product price.
type SaleLine struct {
	ID              string          `json:"id"`
	SaleID          string          `json:"sale_id"`
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity"`
	UnitPriceAtSale decimal.Decimal `json:"unit_price_at_sale"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Voided          bool            `json:"voided"`
}

type Sale struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"store_id"`
	SellerUsername  string          `json:"seller_username"`
	PaymentMethod   string          `json:"payment_method"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Total           decimal.Decimal `json:"total"`
	Voided          bool            `json:"voided"`
	CreatedAt       time.Time       `json:"created_at"`
	Lines           []SaleLine      `json:"lines"`
}

// ActiveLines returns the lines that have not been individually voided.
func (s Sale) ActiveLines() []SaleLine {
	active := make([]SaleLine, 0, len(s.Lines))
	for _, line := range s.Lines {
		if !line.Voided {
			active = append(active, line)
		}
	}
	return active
}

type SaleLineRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SaleCreateRequest struct {
	PaymentMethod   string            `json:"payment_method"`
	DiscountPercent decimal.Decimal   `json:"discount_percent"`
	Lines           []SaleLineRequest `json:"lines"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

// MetricsFilter narrows the metrics window. Month and Day are only valid in
// combination with the coarser components (day requires month requires year).
type MetricsFilter struct {
	Year          int
	Month         int
	Day           int
	Seller        string
	PaymentMethod string
}

// BucketLayout returns the time.Format layout for the series granularity:
// yearly with no filter, monthly for a year, daily for a year+month, and
// hourly once a full date is given.
func (f MetricsFilter) BucketLayout() string {
	switch {
	case f.Year > 0 && f.Month > 0 && f.Day > 0:
		return "2006-01-02 15:00"
	case f.Year > 0 && f.Month > 0:
		return "2006-01-02"
	case f.Year > 0:
		return "2006-01"
	default:
		return "2006"
	}
}

type RevenueBucket struct {
	Bucket    string          `json:"bucket"`
	Revenue   decimal.Decimal `json:"revenue"`
	SaleCount int64           `json:"sale_count"`
}

type ProductRanking struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int64           `json:"quantity"`
	Revenue     decimal.Decimal `json:"revenue"`
}

type SellerBreakdown struct {
	Seller    string          `json:"seller"`
	Revenue   decimal.Decimal `json:"revenue"`
	SaleCount int64           `json:"sale_count"`
}

type PaymentMethodBreakdown struct {
	PaymentMethod string          `json:"payment_method"`
	Revenue       decimal.Decimal `json:"revenue"`
	SaleCount     int64           `json:"sale_count"`
}

// SalesMetrics is the aggregate report for a store and window. Voided sales
// are excluded everywhere; individually voided lines are excluded from
// unit counts and line-derived revenue figures.
type SalesMetrics struct {
	StoreID       string                   `json:"store_id"`
	TotalRevenue  decimal.Decimal          `json:"total_revenue"`
	TotalUnits    int64                    `json:"total_units"`
	BucketLabel   string                   `json:"bucket_label"`
	RevenueSeries []RevenueBucket          `json:"revenue_series"`
	TopProducts   []ProductRanking         `json:"top_products"`
	BySeller      []SellerBreakdown        `json:"by_seller"`
	ByPayment     []PaymentMethodBreakdown `json:"by_payment_method"`
}

type PaymentMethodOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StoreSlug   string `json:"store_slug"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller identity plus its tenant scope. It is
// threaded explicitly through every service call; there is no ambient
// "current user" global.
type Actor struct {
	Username  string
	Role      string
	StoreSlug string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	StoreSlug string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)
