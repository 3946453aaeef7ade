package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	UnitPiece  = "piece"
	UnitWeight = "weight"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentTransfer = "transfer"
)

// WalkInCustomerName is the reserved name of every branch's default customer.
// Uniqueness of (branch, name) makes walk-in creation idempotent.
const WalkInCustomerName = "Walk-in Customer"

type Product struct {
	ID         string          `json:"id"`
	BranchID   string          `json:"branch_id"`
	Name       string          `json:"name"`
	Unit       string          `json:"unit"`
	PriceCents int64           `json:"price_cents"`
	CostCents  int64           `json:"cost_cents"`
	Stock      decimal.Decimal `json:"stock"`
	Deleted    bool            `json:"deleted"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ProductCreateRequest struct {
	BranchID     string          `json:"branch_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	PriceCents   int64           `json:"price_cents"`
	CostCents    int64           `json:"cost_cents"`
	InitialStock decimal.Decimal `json:"initial_stock"`
}

type Customer struct {
	ID        string    `json:"id"`
	BranchID  string    `json:"branch_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	WalkIn    bool      `json:"walk_in"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

// SaleLine is one caller-supplied line of a sale create/edit request.
// UnitPriceCents is optional; when nil the product's current price is used.
// Subtotals are always recomputed server-side, never taken from the caller.
type SaleLine struct {
	ProductID      string          `json:"product_id"`
	Qty            decimal.Decimal `json:"qty"`
	UnitPriceCents *int64          `json:"unit_price_cents,omitempty"`
	DiscountCents  int64           `json:"discount_cents"`
}

type SaleCreateRequest struct {
	BranchID      string     `json:"branch_id"`
	CustomerID    string     `json:"customer_id,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	TaxCents      int64      `json:"tax_cents"`
	DiscountCents int64      `json:"discount_cents"`
	Lines         []SaleLine `json:"lines"`
}

type SaleEditRequest struct {
	CustomerID    string     `json:"customer_id,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	TaxCents      int64      `json:"tax_cents"`
	DiscountCents int64      `json:"discount_cents"`
	Lines         []SaleLine `json:"lines"`
}

type SaleItem struct {
	ProductID      string          `json:"product_id"`
	Qty            decimal.Decimal `json:"qty"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	DiscountCents  int64           `json:"discount_cents"`
	SubtotalCents  int64           `json:"subtotal_cents"`
}

type Sale struct {
	ID            string     `json:"id"`
	BranchID      string     `json:"branch_id"`
	CashierName   string     `json:"cashier_name"`
	CustomerID    string     `json:"customer_id"`
	PaymentMethod string     `json:"payment_method"`
	TaxCents      int64      `json:"tax_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
	CreatedAt     time.Time  `json:"created_at"`
	Items         []SaleItem `json:"items"`
	Invoice       *Invoice   `json:"invoice,omitempty"`
	Delivery      *Delivery  `json:"delivery,omitempty"`
}

type Invoice struct {
	ID        string    `json:"id"`
	SaleID    string    `json:"sale_id"`
	Number    string    `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

type Delivery struct {
	ID        string    `json:"id"`
	SaleID    string    `json:"sale_id"`
	Address   string    `json:"address"`
	Courier   string    `json:"courier,omitempty"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

type DeliveryCreateRequest struct {
	Address string `json:"address"`
	Courier string `json:"courier"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type RefundResponse struct {
	SaleID          string     `json:"sale_id"`
	RefundedAt      string     `json:"refunded_at"`
	ReleasedItems   []SaleItem `json:"released_items"`
	DeliveryRemoved bool       `json:"delivery_removed"`
}

type DailyReport struct {
	BranchID      string `json:"branch_id"`
	Date          string `json:"date"`
	Sales         int64  `json:"sales"`
	GrossCents    int64  `json:"gross_cents"`
	DiscountCents int64  `json:"discount_cents"`
	TaxCents      int64  `json:"tax_cents"`
	NetCents      int64  `json:"net_cents"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	BranchID string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	BranchID string `json:"branch_id"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	BranchID  string
	Active    bool
	CreatedAt time.Time
}
