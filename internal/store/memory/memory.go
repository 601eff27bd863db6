package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"boxpdv/backend/internal/domain"
	"boxpdv/backend/internal/store"
	"boxpdv/backend/internal/xid"
)

type Store struct {
	mu                      sync.RWMutex
	products                map[string]domain.Product
	barcodeIndex            map[string]string
	stockMovements          []domain.StockMovement
	sessionsByID            map[string]domain.CashSession
	activeSessionByRegister map[string]string
	cashMovementsBySession  map[string][]domain.CashMovement
	ordersByID              map[string]*domain.SaleOrder
	receiptsByIdem          map[string]*domain.Receipt
	saleSeqByDate           map[string]int
	auditLogs               []domain.AuditLog
	usersByUsername         map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-agua-500", Barcode: "7894900011517", Name: "Agua Mineral 500ml", Category: "beverage", UnitPriceCents: 400, QuantityOnHand: 120, MinStock: 24, Active: true, CreatedAt: now},
		{ID: "prod-isotonico", Barcode: "7894900530008", Name: "Isotonico Limao 500ml", Category: "beverage", UnitPriceCents: 950, QuantityOnHand: 60, MinStock: 12, Active: true, CreatedAt: now},
		{ID: "prod-barra-prot", Barcode: "7898915750011", Name: "Barra de Proteina 45g", Category: "supplement", UnitPriceCents: 1200, QuantityOnHand: 80, MinStock: 20, Active: true, CreatedAt: now},
		{ID: "prod-whey-dose", Barcode: "7898915750028", Name: "Dose de Whey 30g", Category: "supplement", UnitPriceCents: 1500, QuantityOnHand: 50, MinStock: 10, Active: true, CreatedAt: now},
		{ID: "prod-creatina", Barcode: "7898915750035", Name: "Creatina 300g", Category: "supplement", UnitPriceCents: 8900, QuantityOnHand: 15, MinStock: 5, Active: true, CreatedAt: now},
		{ID: "prod-toalha", Barcode: "7891234500017", Name: "Toalha de Treino", Category: "gear", UnitPriceCents: 3500, QuantityOnHand: 30, MinStock: 6, Active: true, CreatedAt: now},
		{ID: "prod-luva", Barcode: "7891234500024", Name: "Luva de Treino M", Category: "gear", UnitPriceCents: 6900, QuantityOnHand: 18, MinStock: 4, Active: true, CreatedAt: now},
		{ID: "prod-coqueteleira", Barcode: "7891234500031", Name: "Coqueteleira 600ml", Category: "gear", UnitPriceCents: 2900, QuantityOnHand: 25, MinStock: 8, Active: true, CreatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	barcodeIndex := make(map[string]string, len(products))
	for _, p := range products {
		productMap[p.ID] = p
		if p.Barcode != "" {
			barcodeIndex[p.Barcode] = p.ID
		}
	}

	return &Store{
		products:                productMap,
		barcodeIndex:            barcodeIndex,
		stockMovements:          make([]domain.StockMovement, 0, 128),
		sessionsByID:            make(map[string]domain.CashSession),
		activeSessionByRegister: make(map[string]string),
		cashMovementsBySession:  make(map[string][]domain.CashMovement),
		ordersByID:              make(map[string]*domain.SaleOrder),
		receiptsByIdem:          make(map[string]*domain.Receipt),
		saleSeqByDate:           make(map[string]int),
		auditLogs:               make([]domain.AuditLog, 0, 128),
		usersByUsername:         seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product.Name = strings.TrimSpace(product.Name)
	product.Barcode = strings.TrimSpace(product.Barcode)
	if product.Name == "" || product.Category == "" || product.UnitPriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.QuantityOnHand < 0 || product.MinStock < 0 {
		return nil, store.ErrValidation
	}
	if product.Barcode != "" {
		if _, exists := s.barcodeIndex[product.Barcode]; exists {
			return nil, store.ErrValidation
		}
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	s.products[product.ID] = product
	if product.Barcode != "" {
		s.barcodeIndex[product.Barcode] = product.ID
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.barcodeIndex[strings.TrimSpace(barcode)]
	if !exists {
		return nil, store.ErrNotFound
	}
	product := s.products[id]
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) RecordStockMovement(_ context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if movement.Quantity < 1 {
		return nil, store.ErrValidation
	}
	// Sale movements are written exclusively by FinalizeSale.
	if movement.Type != domain.StockMovementEntry && movement.Type != domain.StockMovementExit {
		return nil, store.ErrValidation
	}
	product, exists := s.products[movement.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}

	switch movement.Type {
	case domain.StockMovementEntry:
		product.QuantityOnHand += movement.Quantity
	case domain.StockMovementExit:
		if product.QuantityOnHand < movement.Quantity {
			return nil, store.ErrInsufficientStock
		}
		product.QuantityOnHand -= movement.Quantity
	}
	s.products[movement.ProductID] = product

	if movement.ID == "" {
		movement.ID = xid.New("stk")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.stockMovements = append(s.stockMovements, movement)
	created := movement
	return &created, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 64)
	for _, movement := range s.stockMovements {
		if productID != "" && movement.ProductID != productID {
			continue
		}
		result = append(result, movement)
	}

	slices.SortFunc(result, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListLowStock(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, 16)
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if p.QuantityOnHand <= p.MinStock {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		if a.QuantityOnHand == b.QuantityOnHand {
			return cmpString(a.Name, b.Name)
		}
		if a.QuantityOnHand < b.QuantityOnHand {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) OpenSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.RegisterID) == "" || session.InitialAmountCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activeSessionByRegister[session.RegisterID]; exists {
		return nil, store.ErrSessionConflict
	}
	if session.ID == "" {
		session.ID = xid.New("cs")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.SalesTotalCents = 0
	session.SuppliesTotalCents = 0
	session.WithdrawalsTotalCents = 0
	session.ClosedAt = nil

	s.sessionsByID[session.ID] = session
	s.activeSessionByRegister[session.RegisterID] = session.ID
	copySession := session
	return &copySession, nil
}

func (s *Store) GetActiveSession(_ context.Context, registerID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.activeSessionByRegister[registerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	session, exists := s.sessionsByID[sessionID]
	if !exists || session.Status != domain.SessionStatusOpen {
		return nil, store.ErrNotFound
	}
	copySession := session
	return &copySession, nil
}

func (s *Store) GetSessionByID(_ context.Context, sessionID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySession := session
	return &copySession, nil
}

func (s *Store) ListSessions(_ context.Context, registerID string, limit int) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashSession, 0, len(s.sessionsByID))
	for _, session := range s.sessionsByID {
		if registerID != "" && session.RegisterID != registerID {
			continue
		}
		result = append(result, session)
	}
	slices.SortFunc(result, func(a, b domain.CashSession) int {
		if a.OpenedAt.Equal(b.OpenedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.OpenedAt.After(b.OpenedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AppendCashMovement(_ context.Context, movement domain.CashMovement) (*domain.CashSession, error) {
	if movement.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	if movement.Type != domain.MovementSupply && movement.Type != domain.MovementWithdrawal {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[movement.SessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	switch movement.Type {
	case domain.MovementSupply:
		session.SuppliesTotalCents += movement.AmountCents
	case domain.MovementWithdrawal:
		session.WithdrawalsTotalCents += movement.AmountCents
	}

	if movement.ID == "" {
		movement.ID = xid.New("cm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.cashMovementsBySession[session.ID] = append(s.cashMovementsBySession[session.ID], movement)
	s.sessionsByID[session.ID] = session
	copySession := session
	return &copySession, nil
}

func (s *Store) ListCashMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessionsByID[sessionID]; !exists {
		return nil, store.ErrNotFound
	}
	movements := s.cashMovementsBySession[sessionID]
	result := make([]domain.CashMovement, len(movements))
	copy(result, movements)
	return result, nil
}

func (s *Store) CloseSession(_ context.Context, registerID string, countedAmountCents int64, notes string, closedAt time.Time) (*domain.CashSession, error) {
	if countedAmountCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, exists := s.activeSessionByRegister[registerID]
	if !exists {
		return nil, store.ErrSessionNotOpen
	}
	session, exists := s.sessionsByID[sessionID]
	if !exists || session.Status != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	// Expected and variance are derived here, under the same lock that
	// guards finalize credits, so a concurrent sale cannot slip between the
	// totals read and the close.
	expected := session.InitialAmountCents +
		session.SalesTotalCents +
		session.SuppliesTotalCents -
		session.WithdrawalsTotalCents

	session.Status = domain.SessionStatusClosed
	session.CountedAmountCents = countedAmountCents
	session.ExpectedAmountCents = expected
	session.VarianceCents = countedAmountCents - expected
	session.ClosedAt = &closedAt
	if notes != "" {
		session.Notes = notes
	}

	delete(s.activeSessionByRegister, registerID)
	s.sessionsByID[sessionID] = session
	copySession := session
	return &copySession, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.SaleOrder) (*domain.SaleOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[order.SessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.RegisterID = session.RegisterID
	order.Number = s.nextSaleNumber(order.CreatedAt)
	order.Status = domain.OrderStatusDraft
	order.Items = []domain.SaleLineItem{}
	order.DiscountCents = 0
	order.SubtotalCents = 0
	order.TotalCents = 0
	order.FinalizedAt = nil

	s.ordersByID[order.ID] = cloneOrder(&order)
	return cloneOrder(&order), nil
}

func (s *Store) GetOrderByID(_ context.Context, orderID string) (*domain.SaleOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) UpsertOrderItem(_ context.Context, orderID string, item domain.SaleLineItem) (*domain.SaleOrder, error) {
	if item.Quantity < 1 || item.LineDiscountCents < 0 || item.UnitPriceCents < 1 {
		return nil, store.ErrValidation
	}
	lineTotal := int64(item.Quantity)*item.UnitPriceCents - item.LineDiscountCents
	if lineTotal < 0 {
		return nil, store.ErrValidation
	}
	item.LineTotalCents = lineTotal

	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.draftForUpdate(orderID)
	if err != nil {
		return nil, err
	}

	replaced := false
	for i := range order.Items {
		if order.Items[i].ProductID == item.ProductID {
			order.Items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		order.Items = append(order.Items, item)
	}
	recomputeTotals(order)
	return cloneOrder(order), nil
}

func (s *Store) RemoveOrderItem(_ context.Context, orderID string, productID string) (*domain.SaleOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.draftForUpdate(orderID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range order.Items {
		if order.Items[i].ProductID == productID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	order.Items = append(order.Items[:idx], order.Items[idx+1:]...)
	recomputeTotals(order)
	return cloneOrder(order), nil
}

func (s *Store) SetOrderDiscount(_ context.Context, orderID string, discountCents int64) (*domain.SaleOrder, error) {
	if discountCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.draftForUpdate(orderID)
	if err != nil {
		return nil, err
	}
	if discountCents > order.SubtotalCents {
		return nil, store.ErrValidation
	}
	order.DiscountCents = discountCents
	recomputeTotals(order)
	return cloneOrder(order), nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, reason string) (*domain.SaleOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusDraft {
		return nil, store.ErrOrderNotDraft
	}

	// A draft never touched stock or cash, so cancel is a pure status flip.
	order.Status = domain.OrderStatusCancelled
	order.CancelReason = reason
	return cloneOrder(order), nil
}

func (s *Store) ListSales(_ context.Context, registerID string, from time.Time, to time.Time, limit int) ([]domain.SaleOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleOrder, 0, 64)
	for _, order := range s.ordersByID {
		if order.Status != domain.OrderStatusFinalized {
			continue
		}
		if registerID != "" && order.RegisterID != registerID {
			continue
		}
		if order.FinalizedAt == nil || order.FinalizedAt.Before(from) || !order.FinalizedAt.Before(to) {
			continue
		}
		result = append(result, *cloneOrder(order))
	}
	slices.SortFunc(result, func(a, b domain.SaleOrder) int {
		if a.FinalizedAt.Equal(*b.FinalizedAt) {
			return cmpString(b.Number, a.Number)
		}
		if a.FinalizedAt.After(*b.FinalizedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) FindReceiptByIdempotency(_ context.Context, key string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receiptsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	replay := cloneReceipt(receipt)
	replay.Duplicate = true
	return replay, nil
}

// FinalizeSale is the single commit point of a sale. Under the store mutex it
// re-checks every precondition, applies the per-line stock decrements with
// compensating restores on failure, credits the cash session and flips the
// order to finalized. Either every effect lands or none does.
func (s *Store) FinalizeSale(_ context.Context, orderID string, paymentMethod string, tenderedCents int64, idempotencyKey string, at time.Time) (*domain.Receipt, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, store.ErrValidation
	}
	if !validPaymentMethod(paymentMethod) {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.receiptsByIdem[idempotencyKey]; ok {
		replay := cloneReceipt(existing)
		replay.Duplicate = true
		return replay, nil
	}

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusDraft {
		return nil, store.ErrOrderNotDraft
	}
	if len(order.Items) == 0 {
		return nil, store.ErrValidation
	}
	session, exists := s.sessionsByID[order.SessionID]
	if !exists || session.Status != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	changeDue := int64(0)
	if paymentMethod == domain.PaymentCash {
		if tenderedCents < order.TotalCents {
			return nil, store.ErrValidation
		}
		changeDue = tenderedCents - order.TotalCents
	} else {
		tenderedCents = 0
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}

	// Decrement line by line; on the first failure restore everything
	// already taken in this attempt before surfacing the error.
	applied := make([]domain.SaleLineItem, 0, len(order.Items))
	restore := func() {
		for _, line := range applied {
			product := s.products[line.ProductID]
			product.QuantityOnHand += line.Quantity
			s.products[line.ProductID] = product
		}
	}
	for _, line := range order.Items {
		product, ok := s.products[line.ProductID]
		if !ok || !product.Active {
			restore()
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, line.ProductID)
		}
		if product.QuantityOnHand < line.Quantity {
			restore()
			return nil, store.ErrInsufficientStock
		}
		product.QuantityOnHand -= line.Quantity
		s.products[line.ProductID] = product
		applied = append(applied, line)
	}

	for _, line := range applied {
		s.stockMovements = append(s.stockMovements, domain.StockMovement{
			ID:          xid.New("stk"),
			ProductID:   line.ProductID,
			Type:        domain.StockMovementSale,
			Quantity:    line.Quantity,
			ReferenceID: order.ID,
			CreatedAt:   at,
		})
	}

	session.SalesTotalCents += order.TotalCents
	s.cashMovementsBySession[session.ID] = append(s.cashMovementsBySession[session.ID], domain.CashMovement{
		ID:          xid.New("cm"),
		SessionID:   session.ID,
		Type:        domain.MovementSale,
		AmountCents: order.TotalCents,
		Note:        "sale " + order.Number,
		ReferenceID: order.ID,
		CreatedAt:   at,
	})
	s.sessionsByID[session.ID] = session

	order.Status = domain.OrderStatusFinalized
	order.PaymentMethod = paymentMethod
	finalizedAt := at
	order.FinalizedAt = &finalizedAt

	receipt := &domain.Receipt{
		OrderID:        order.ID,
		Number:         order.Number,
		SessionID:      order.SessionID,
		Items:          append([]domain.SaleLineItem(nil), order.Items...),
		SubtotalCents:  order.SubtotalCents,
		DiscountCents:  order.DiscountCents,
		TotalCents:     order.TotalCents,
		PaymentMethod:  paymentMethod,
		TenderedCents:  tenderedCents,
		ChangeDueCents: changeDue,
		FinalizedAt:    at,
	}
	s.receiptsByIdem[idempotencyKey] = receipt
	return cloneReceipt(receipt), nil
}

func (s *Store) GetSalesReport(_ context.Context, registerID string, from time.Time, to time.Time) (domain.SalesReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.SalesReport{
		RegisterID: registerID,
		From:       from.Format(time.RFC3339),
		To:         to.Format(time.RFC3339),
		ByPayment:  make([]domain.SalesReportPayment, 0, 4),
	}
	byPayment := map[string]*domain.SalesReportPayment{}

	for _, order := range s.ordersByID {
		if order.Status != domain.OrderStatusFinalized {
			continue
		}
		if registerID != "" && order.RegisterID != registerID {
			continue
		}
		if order.FinalizedAt == nil || order.FinalizedAt.Before(from) || !order.FinalizedAt.Before(to) {
			continue
		}

		report.Sales++
		report.GrossCents += order.SubtotalCents
		report.DiscountCents += order.DiscountCents
		report.NetCents += order.TotalCents

		payment := byPayment[order.PaymentMethod]
		if payment == nil {
			payment = &domain.SalesReportPayment{PaymentMethod: order.PaymentMethod}
			byPayment[order.PaymentMethod] = payment
		}
		payment.Sales++
		payment.TotalCents += order.TotalCents
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.SalesReportPayment) int {
		return cmpString(a.PaymentMethod, b.PaymentMethod)
	})
	return report, nil
}

func (s *Store) GetTopProducts(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.TopProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct := map[string]*domain.TopProduct{}
	for _, order := range s.ordersByID {
		if order.Status != domain.OrderStatusFinalized {
			continue
		}
		if order.FinalizedAt == nil || order.FinalizedAt.Before(from) || !order.FinalizedAt.Before(to) {
			continue
		}
		for _, line := range order.Items {
			entry := byProduct[line.ProductID]
			if entry == nil {
				entry = &domain.TopProduct{ProductID: line.ProductID, Name: line.Description}
				byProduct[line.ProductID] = entry
			}
			entry.QuantitySold += line.Quantity
			entry.RevenueCents += line.LineTotalCents
		}
	}

	result := make([]domain.TopProduct, 0, len(byProduct))
	for _, entry := range byProduct {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.TopProduct) int {
		if a.QuantitySold == b.QuantitySold {
			return cmpString(a.ProductID, b.ProductID)
		}
		if a.QuantitySold > b.QuantitySold {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrValidation
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// draftForUpdate returns the mutable draft order after re-checking that the
// order is still a draft and its session is still open. Callers hold s.mu.
func (s *Store) draftForUpdate(orderID string) (*domain.SaleOrder, error) {
	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusDraft {
		return nil, store.ErrOrderNotDraft
	}
	session, exists := s.sessionsByID[order.SessionID]
	if !exists || session.Status != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}
	return order, nil
}

// nextSaleNumber hands out VND<yyyymmdd><seq> numbers. Callers hold s.mu.
func (s *Store) nextSaleNumber(at time.Time) string {
	key := at.UTC().Format("20060102")
	s.saleSeqByDate[key]++
	return fmt.Sprintf("VND%s%04d", key, s.saleSeqByDate[key])
}

// recomputeTotals re-derives subtotal and total from the line items. The
// order discount is clamped to the new subtotal so a shrinking edit can
// never push the total below zero.
func recomputeTotals(order *domain.SaleOrder) {
	subtotal := int64(0)
	for _, line := range order.Items {
		subtotal += line.LineTotalCents
	}
	if order.DiscountCents > subtotal {
		order.DiscountCents = subtotal
	}
	order.SubtotalCents = subtotal
	order.TotalCents = subtotal - order.DiscountCents
}

func validPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCredit, domain.PaymentDebit, domain.PaymentPix:
		return true
	}
	return false
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneOrder(src *domain.SaleOrder) *domain.SaleOrder {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleLineItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	if src.FinalizedAt != nil {
		at := *src.FinalizedAt
		dup.FinalizedAt = &at
	}
	return &dup
}

func cloneReceipt(src *domain.Receipt) *domain.Receipt {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleLineItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
