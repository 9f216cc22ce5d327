package store

import (
	"context"
	"errors"
	"time"

	"bonitoamor/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyVoided     = errors.New("already voided")
	ErrStoreMismatch     = errors.New("sale belongs to another store")
	ErrValidation        = errors.New("invalid request")
	// ErrConsistency signals that a recomputed total does not match its
	// lines. It indicates a bug and the surrounding transaction must abort.
	ErrConsistency = errors.New("sale total inconsistent with lines")
)

// StockLedger is the only component allowed to mutate a product's stock
// count. Decrement fails with ErrInsufficientStock rather than ever leaving
// stock negative; Increment has no upper bound. Neither deduplicates calls;
// callers guard against double application via the voided flags.
type StockLedger interface {
	DecrementStock(ctx context.Context, storeID string, productID string, qty int) error
	IncrementStock(ctx context.Context, storeID string, productID string, qty int) error
}

// Repository is the persistence boundary. The sale operations are each one
// atomic unit of work: CreateSale debits stock and persists the sale
// together, the void operations credit stock and flip flags together, and a
// failure partway leaves nothing mutated.
type Repository interface {
	StockLedger

	GetStoreBySlug(ctx context.Context, slug string) (*domain.Store, error)

	ListProducts(ctx context.Context, storeID string) ([]domain.Product, error)
	GetProductByID(ctx context.Context, storeID string, productID string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, storeID string, barcode string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// CreateSale checks stock and debits it inside the same transaction
	// that persists the sale and its lines (no check-then-act gap).
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, storeID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, storeID string, limit int) ([]domain.Sale, error)
	// VoidSale credits stock for every active line, flips all flags and
	// zeroes the total. Fails with ErrAlreadyVoided on a second attempt.
	VoidSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, error)
	// VoidSaleLine credits one line's stock and recomputes the total from
	// the remaining active lines; the sale converges to fully voided when
	// no active line remains.
	VoidSaleLine(ctx context.Context, storeID string, saleID string, lineID string) (*domain.Sale, error)

	GetSalesMetrics(ctx context.Context, storeID string, filter domain.MetricsFilter) (domain.SalesMetrics, error)
	ListPaymentMethods(ctx context.Context, storeID string) ([]string, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
