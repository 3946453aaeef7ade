package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tokokita/backend/internal/domain"
)

var (
	ErrSaleNotFound     = errors.New("sale not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrCustomerNotFound = errors.New("customer not found")

	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidLineItem   = errors.New("invalid line item")
	ErrValidation        = errors.New("invalid request")
	ErrForbidden         = errors.New("forbidden")

	// ErrTransactionFailure marks a commit that failed due to contention
	// (serialization conflict, deadlock). Safe for the caller to retry.
	ErrTransactionFailure = errors.New("transaction could not commit")

	// ErrIntegrity marks corruption the engine cannot recover from, such as a
	// product row vanishing underneath an existing sale item.
	ErrIntegrity = errors.New("data integrity violation")
)

// InsufficientStockError names the offending product and carries the
// available-vs-requested quantities. errors.Is(err, ErrInsufficientStock)
// holds for every value of this type.
type InsufficientStockError struct {
	ProductID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %s, requested %s",
		e.ProductID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type LineItemError struct {
	ProductID string
	Reason    string
}

func (e *LineItemError) Error() string {
	return fmt.Sprintf("invalid line item for product %s: %s", e.ProductID, e.Reason)
}

func (e *LineItemError) Unwrap() error { return ErrInvalidLineItem }

// IntegrityError is raised when a refund finds a sale item whose product no
// longer exists. Releasing its stock is impossible, so the whole refund is
// aborted rather than silently losing inventory.
type IntegrityError struct {
	SaleID    string
	ProductID string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sale %s references missing product %s", e.SaleID, e.ProductID)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

type Repository interface {
	ListProducts(ctx context.Context, branchID string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, productID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)

	ListCustomers(ctx context.Context, branchID string) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error)
	// ResolveWalkInCustomer returns the branch's walk-in customer, creating it
	// if absent. Concurrent callers converge on a single row.
	ResolveWalkInCustomer(ctx context.Context, branchID string) (*domain.Customer, error)

	// CreateSale persists the sale, its items, and its invoice, and reserves
	// stock for every line, in one atomic unit. Availability is re-checked
	// under a row lock; the validated totals on the sale are stored as-is.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error)
	// UpdateSale replaces the sale's line items wholesale: old quantities are
	// released before new availability is checked, all inside one atomic unit,
	// so shrinking a line for the same product never reports phantom shortage.
	UpdateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	// RefundSale releases every reserved quantity, hard-deletes the sale with
	// its items and invoice, and soft-deletes the delivery if one exists.
	RefundSale(ctx context.Context, saleID string) (*domain.Sale, error)

	CreateDelivery(ctx context.Context, delivery domain.Delivery) (*domain.Delivery, error)

	GetDailyReport(ctx context.Context, branchID string, from time.Time, to time.Time) (domain.DailyReport, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
