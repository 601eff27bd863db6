package store

import (
	"context"
	"errors"
	"time"

	"boxpdv/backend/internal/domain"
)

var (
	ErrValidation        = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrSessionNotOpen    = errors.New("cash session not open")
	ErrSessionConflict   = errors.New("cash session already open")
	ErrOrderNotDraft     = errors.New("order is not a draft")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("concurrent update conflict")
)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	RecordStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)

	OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetActiveSession(ctx context.Context, registerID string) (*domain.CashSession, error)
	GetSessionByID(ctx context.Context, sessionID string) (*domain.CashSession, error)
	ListSessions(ctx context.Context, registerID string, limit int) ([]domain.CashSession, error)
	AppendCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashSession, error)
	ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)
	CloseSession(ctx context.Context, registerID string, countedAmountCents int64, notes string, closedAt time.Time) (*domain.CashSession, error)

	CreateOrder(ctx context.Context, order domain.SaleOrder) (*domain.SaleOrder, error)
	GetOrderByID(ctx context.Context, orderID string) (*domain.SaleOrder, error)
	UpsertOrderItem(ctx context.Context, orderID string, item domain.SaleLineItem) (*domain.SaleOrder, error)
	RemoveOrderItem(ctx context.Context, orderID string, productID string) (*domain.SaleOrder, error)
	SetOrderDiscount(ctx context.Context, orderID string, discountCents int64) (*domain.SaleOrder, error)
	CancelOrder(ctx context.Context, orderID string, reason string) (*domain.SaleOrder, error)
	ListSales(ctx context.Context, registerID string, from time.Time, to time.Time, limit int) ([]domain.SaleOrder, error)

	FindReceiptByIdempotency(ctx context.Context, key string) (*domain.Receipt, error)
	FinalizeSale(ctx context.Context, orderID string, paymentMethod string, tenderedCents int64, idempotencyKey string, at time.Time) (*domain.Receipt, error)

	GetSalesReport(ctx context.Context, registerID string, from time.Time, to time.Time) (domain.SalesReport, error)
	GetTopProducts(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TopProduct, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
