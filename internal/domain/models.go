package domain

import "time"

type Product struct {
	ID             string    `json:"id"`
	Barcode        string    `json:"barcode,omitempty"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	QuantityOnHand int       `json:"quantity_on_hand"`
	MinStock       int       `json:"min_stock"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Barcode        string `json:"barcode,omitempty"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	InitialStock   int    `json:"initial_stock"`
	MinStock       int    `json:"min_stock"`
}

// StockMovement is an immutable entry in the per-product stock ledger.
// Sale movements are written by finalize; entry/exit movements are manual.
type StockMovement struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	Type        string    `json:"type"`
	Quantity    int       `json:"quantity"`
	Reason      string    `json:"reason,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	RecordedBy  string    `json:"recorded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type StockMovementRequest struct {
	ProductID string `json:"product_id"`
	Type      string `json:"type"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// CashSession is one register's open-to-close working period. Accumulator
// fields only grow while the session is open; close freezes the row forever.
type CashSession struct {
	ID                    string     `json:"id"`
	RegisterID            string     `json:"register_id"`
	OpenedBy              string     `json:"opened_by"`
	OpenedAt              time.Time  `json:"opened_at"`
	InitialAmountCents    int64      `json:"initial_amount_cents"`
	SalesTotalCents       int64      `json:"sales_total_cents"`
	SuppliesTotalCents    int64      `json:"supplies_total_cents"`
	WithdrawalsTotalCents int64      `json:"withdrawals_total_cents"`
	Status                string     `json:"status"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
	CountedAmountCents    int64      `json:"counted_amount_cents,omitempty"`
	ExpectedAmountCents   int64      `json:"expected_amount_cents,omitempty"`
	VarianceCents         int64      `json:"variance_cents,omitempty"`
	Notes                 string     `json:"notes,omitempty"`
}

// CashMovement is an immutable audit entry in a session's cash ledger.
// Movements are never updated or deleted.
type CashMovement struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Type        string    `json:"type"`
	AmountCents int64     `json:"amount_cents"`
	Note        string    `json:"note,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	RecordedBy  string    `json:"recorded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type SessionOpenRequest struct {
	RegisterID         string `json:"register_id"`
	InitialAmountCents int64  `json:"initial_amount_cents"`
	Notes              string `json:"notes,omitempty"`
}

type SessionCloseRequest struct {
	RegisterID         string `json:"register_id"`
	CountedAmountCents int64  `json:"counted_amount_cents"`
	Notes              string `json:"notes,omitempty"`
}

type SessionResponse struct {
	Session CashSession `json:"session"`
}

type SessionCloseResponse struct {
	Session             CashSession `json:"session"`
	ExpectedAmountCents int64       `json:"expected_amount_cents"`
	VarianceCents       int64       `json:"variance_cents"`
}

type CashEntryRequest struct {
	RegisterID  string `json:"register_id"`
	AmountCents int64  `json:"amount_cents"`
	Note        string `json:"note"`
}

// SaleLineItem snapshots price and description at add-time; later catalog
// changes never alter a composed line.
type SaleLineItem struct {
	ProductID         string `json:"product_id"`
	Description       string `json:"description"`
	Quantity          int    `json:"quantity"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	LineDiscountCents int64  `json:"line_discount_cents"`
	LineTotalCents    int64  `json:"line_total_cents"`
}

type SaleOrder struct {
	ID            string         `json:"id"`
	Number        string         `json:"number"`
	RegisterID    string         `json:"register_id"`
	SessionID     string         `json:"session_id"`
	CustomerLabel string         `json:"customer_label,omitempty"`
	Status        string         `json:"status"`
	Items         []SaleLineItem `json:"items"`
	DiscountCents int64          `json:"discount_cents"`
	SubtotalCents int64          `json:"subtotal_cents"`
	TotalCents    int64          `json:"total_cents"`
	PaymentMethod string         `json:"payment_method,omitempty"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	FinalizedAt   *time.Time     `json:"finalized_at,omitempty"`
}

type OrderCreateRequest struct {
	RegisterID    string `json:"register_id"`
	CustomerLabel string `json:"customer_label,omitempty"`
}

type OrderItemRequest struct {
	ProductID         string `json:"product_id"`
	Quantity          int    `json:"quantity"`
	LineDiscountCents int64  `json:"line_discount_cents,omitempty"`
}

type OrderDiscountRequest struct {
	DiscountCents int64 `json:"discount_cents"`
}

type OrderCancelRequest struct {
	Reason string `json:"reason"`
}

type OrderResponse struct {
	Order SaleOrder `json:"order"`
}

type FinalizeRequest struct {
	PaymentMethod  string `json:"payment_method"`
	TenderedCents  int64  `json:"tendered_cents,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Receipt is the immutable outcome of a finalized sale. Replaying the same
// idempotency key returns the recorded receipt verbatim.
type Receipt struct {
	OrderID        string         `json:"order_id"`
	Number         string         `json:"number"`
	SessionID      string         `json:"session_id"`
	Items          []SaleLineItem `json:"items"`
	SubtotalCents  int64          `json:"subtotal_cents"`
	DiscountCents  int64          `json:"discount_cents"`
	TotalCents     int64          `json:"total_cents"`
	PaymentMethod  string         `json:"payment_method"`
	TenderedCents  int64          `json:"tendered_cents,omitempty"`
	ChangeDueCents int64          `json:"change_due_cents"`
	FinalizedAt    time.Time      `json:"finalized_at"`
	Duplicate      bool           `json:"duplicate"`
}

type ReconciliationReport struct {
	SessionID             string `json:"session_id"`
	RegisterID            string `json:"register_id"`
	InitialAmountCents    int64  `json:"initial_amount_cents"`
	SalesTotalCents       int64  `json:"sales_total_cents"`
	SuppliesTotalCents    int64  `json:"supplies_total_cents"`
	WithdrawalsTotalCents int64  `json:"withdrawals_total_cents"`
	CountedAmountCents    int64  `json:"counted_amount_cents"`
	ExpectedAmountCents   int64  `json:"expected_amount_cents"`
	VarianceCents         int64  `json:"variance_cents"`
	Classification        string `json:"classification"`
	MovementCount         int    `json:"movement_count"`
}

type SalesReportPayment struct {
	PaymentMethod string `json:"payment_method"`
	Sales         int64  `json:"sales"`
	TotalCents    int64  `json:"total_cents"`
}

type SalesReport struct {
	RegisterID    string               `json:"register_id,omitempty"`
	From          string               `json:"from"`
	To            string               `json:"to"`
	Sales         int64                `json:"sales"`
	GrossCents    int64                `json:"gross_cents"`
	DiscountCents int64                `json:"discount_cents"`
	NetCents      int64                `json:"net_cents"`
	ByPayment     []SalesReportPayment `json:"by_payment"`
}

type TopProduct struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	QuantitySold int    `json:"quantity_sold"`
	RevenueCents int64  `json:"revenue_cents"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	SessionID     string    `json:"session_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
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
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

const (
	OrderStatusDraft     = "draft"
	OrderStatusFinalized = "finalized"
	OrderStatusCancelled = "cancelled"
)

const (
	MovementSale       = "sale"
	MovementSupply     = "supply"
	MovementWithdrawal = "withdrawal"
)

const (
	StockMovementEntry = "entry"
	StockMovementExit  = "exit"
	StockMovementSale  = "sale"
)

const (
	PaymentCash   = "cash"
	PaymentCredit = "credit"
	PaymentDebit  = "debit"
	PaymentPix    = "pix"
)

const (
	VariancePending  = "pending"
	VarianceNormal   = "normal"
	VarianceWarning  = "warning"
	VarianceCritical = "critical"
)
