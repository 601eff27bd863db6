package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"boxpdv/backend/internal/cache"
	"boxpdv/backend/internal/domain"
	"boxpdv/backend/internal/reconcile"
	"boxpdv/backend/internal/store"
	"boxpdv/backend/internal/xid"
)

// finalizeRetryLimit bounds the internal retries on transient commit
// conflicts before ErrConflict reaches the caller.
const finalizeRetryLimit = 3

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	receipts          cache.ReceiptCache
	receiptTTL        time.Duration
	defaultRegisterID string
}

func New(repo store.Repository, receipts cache.ReceiptCache, defaultRegisterID string, receiptTTL time.Duration) *Service {
	if defaultRegisterID == "" {
		defaultRegisterID = "register-1"
	}
	if receipts == nil {
		receipts = cache.NoopReceiptCache{}
	}
	if receiptTTL < time.Second {
		receiptTTL = 24 * time.Hour
	}

	return &Service{
		repo:              repo,
		receipts:          receipts,
		receiptTTL:        receiptTTL,
		defaultRegisterID: defaultRegisterID,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrValidation
	}
	if req.UnitPriceCents < 1 || req.InitialStock < 0 || req.MinStock < 0 {
		return domain.Product{}, store.ErrValidation
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Barcode:        req.Barcode,
		Name:           req.Name,
		Category:       req.Category,
		UnitPriceCents: req.UnitPriceCents,
		QuantityOnHand: req.InitialStock,
		MinStock:       req.MinStock,
		Active:         true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, "", "", fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.UnitPriceCents, req.InitialStock))
	return *created, nil
}

func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, store.ErrValidation
	}
	product, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) RecordStockMovement(ctx context.Context, req domain.StockMovementRequest) (domain.StockMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockMovement{}, fmt.Errorf("admin role required")
	}

	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ProductID == "" || req.Quantity < 1 || req.Reason == "" {
		return domain.StockMovement{}, store.ErrValidation
	}
	if req.Type != domain.StockMovementEntry && req.Type != domain.StockMovementExit {
		return domain.StockMovement{}, store.ErrValidation
	}

	created, err := s.repo.RecordStockMovement(ctx, domain.StockMovement{
		ProductID:  req.ProductID,
		Type:       req.Type,
		Quantity:   req.Quantity,
		Reason:     req.Reason,
		RecordedBy: actor.Username,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.logAudit(ctx, "stock_movement", "product", req.ProductID, "", "", fmt.Sprintf("type=%s,qty=%d,reason=%s", req.Type, req.Quantity, req.Reason))
	return *created, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStock(ctx)
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionResponse, error) {
	if req.RegisterID == "" {
		req.RegisterID = s.defaultRegisterID
	}
	if req.InitialAmountCents < 0 {
		return domain.SessionResponse{}, store.ErrValidation
	}

	actor, _ := ActorFromContext(ctx)
	session, err := s.repo.OpenSession(ctx, domain.CashSession{
		RegisterID:         req.RegisterID,
		OpenedBy:           actor.Username,
		OpenedAt:           time.Now().UTC(),
		InitialAmountCents: req.InitialAmountCents,
		Notes:              strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, "session_open", "cash_session", session.ID, session.ID, "", fmt.Sprintf("register=%s,initial=%d", session.RegisterID, session.InitialAmountCents))
	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (domain.SessionCloseResponse, error) {
	if req.RegisterID == "" {
		req.RegisterID = s.defaultRegisterID
	}
	if req.CountedAmountCents < 0 {
		return domain.SessionCloseResponse{}, store.ErrValidation
	}

	// The store derives expected and variance inside its own critical
	// section; reading the session first and passing totals in would race
	// with a concurrent finalize.
	closed, err := s.repo.CloseSession(ctx, req.RegisterID, req.CountedAmountCents, strings.TrimSpace(req.Notes), time.Now().UTC())
	if err != nil {
		return domain.SessionCloseResponse{}, err
	}

	s.logAudit(ctx, "session_close", "cash_session", closed.ID, closed.ID, "", fmt.Sprintf("counted=%d,expected=%d,variance=%d", req.CountedAmountCents, closed.ExpectedAmountCents, closed.VarianceCents))
	if reconcile.Classify(closed.VarianceCents) == domain.VarianceCritical {
		log.Printf("[service] WARN: critical cash variance register=%s session=%s variance=%d", closed.RegisterID, closed.ID, closed.VarianceCents)
	}

	return domain.SessionCloseResponse{
		Session:             *closed,
		ExpectedAmountCents: closed.ExpectedAmountCents,
		VarianceCents:       closed.VarianceCents,
	}, nil
}

func (s *Service) GetActiveSession(ctx context.Context, registerID string) (domain.SessionResponse, error) {
	if registerID == "" {
		registerID = s.defaultRegisterID
	}
	session, err := s.repo.GetActiveSession(ctx, registerID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) ListSessionHistory(ctx context.Context, registerID string, limit int) ([]domain.CashSession, error) {
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListSessions(ctx, strings.TrimSpace(registerID), limit)
}

func (s *Service) ListSessionMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.ListCashMovements(ctx, sessionID)
}

func (s *Service) SessionReconciliation(ctx context.Context, sessionID string) (domain.ReconciliationReport, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ReconciliationReport{}, store.ErrValidation
	}

	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return domain.ReconciliationReport{}, err
	}
	movements, err := s.repo.ListCashMovements(ctx, sessionID)
	if err != nil {
		return domain.ReconciliationReport{}, err
	}
	return reconcile.Report(*session, len(movements)), nil
}

func (s *Service) RecordSupply(ctx context.Context, req domain.CashEntryRequest) (domain.SessionResponse, error) {
	return s.recordCashEntry(ctx, req, domain.MovementSupply, "session_supply")
}

func (s *Service) RecordWithdrawal(ctx context.Context, req domain.CashEntryRequest) (domain.SessionResponse, error) {
	return s.recordCashEntry(ctx, req, domain.MovementWithdrawal, "session_withdrawal")
}

func (s *Service) recordCashEntry(ctx context.Context, req domain.CashEntryRequest, movementType string, action string) (domain.SessionResponse, error) {
	if req.RegisterID == "" {
		req.RegisterID = s.defaultRegisterID
	}
	if req.AmountCents < 1 {
		return domain.SessionResponse{}, store.ErrValidation
	}

	active, err := s.repo.GetActiveSession(ctx, req.RegisterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SessionResponse{}, store.ErrSessionNotOpen
		}
		return domain.SessionResponse{}, err
	}

	actor, _ := ActorFromContext(ctx)
	session, err := s.repo.AppendCashMovement(ctx, domain.CashMovement{
		SessionID:   active.ID,
		Type:        movementType,
		AmountCents: req.AmountCents,
		Note:        strings.TrimSpace(req.Note),
		RecordedBy:  actor.Username,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, action, "cash_session", session.ID, session.ID, "", fmt.Sprintf("amount=%d,note=%s", req.AmountCents, req.Note))
	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) CreateDraftOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.OrderResponse, error) {
	if req.RegisterID == "" {
		req.RegisterID = s.defaultRegisterID
	}

	active, err := s.repo.GetActiveSession(ctx, req.RegisterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.OrderResponse{}, store.ErrSessionNotOpen
		}
		return domain.OrderResponse{}, err
	}

	order, err := s.repo.CreateOrder(ctx, domain.SaleOrder{
		SessionID:     active.ID,
		RegisterID:    active.RegisterID,
		CustomerLabel: strings.TrimSpace(req.CustomerLabel),
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "order_create", "sale_order", order.ID, order.SessionID, order.ID, fmt.Sprintf("number=%s", order.Number))
	return domain.OrderResponse{Order: *order}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResponse{}, store.ErrValidation
	}
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	return domain.OrderResponse{Order: *order}, nil
}

// UpsertOrderItem snapshots price and description from the catalog at
// add-time. Draft composition never touches the stock ledger; availability
// is only enforced at finalize.
func (s *Service) UpsertOrderItem(ctx context.Context, orderID string, req domain.OrderItemRequest) (domain.OrderResponse, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" || req.ProductID == "" {
		return domain.OrderResponse{}, store.ErrValidation
	}
	if req.Quantity < 1 || req.LineDiscountCents < 0 {
		return domain.OrderResponse{}, store.ErrValidation
	}

	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if !product.Active {
		return domain.OrderResponse{}, fmt.Errorf("%w: product %s inactive", store.ErrValidation, product.ID)
	}

	order, err := s.repo.UpsertOrderItem(ctx, orderID, domain.SaleLineItem{
		ProductID:         product.ID,
		Description:       product.Name,
		Quantity:          req.Quantity,
		UnitPriceCents:    product.UnitPriceCents,
		LineDiscountCents: req.LineDiscountCents,
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "order_item_upsert", "sale_order", order.ID, order.SessionID, order.ID, fmt.Sprintf("product=%s,qty=%d", product.ID, req.Quantity))
	return domain.OrderResponse{Order: *order}, nil
}

func (s *Service) RemoveOrderItem(ctx context.Context, orderID string, productID string) (domain.OrderResponse, error) {
	orderID = strings.TrimSpace(orderID)
	productID = strings.TrimSpace(productID)
	if orderID == "" || productID == "" {
		return domain.OrderResponse{}, store.ErrValidation
	}

	order, err := s.repo.RemoveOrderItem(ctx, orderID, productID)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "order_item_remove", "sale_order", order.ID, order.SessionID, order.ID, fmt.Sprintf("product=%s", productID))
	return domain.OrderResponse{Order: *order}, nil
}

func (s *Service) SetOrderDiscount(ctx context.Context, orderID string, req domain.OrderDiscountRequest) (domain.OrderResponse, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" || req.DiscountCents < 0 {
		return domain.OrderResponse{}, store.ErrValidation
	}

	order, err := s.repo.SetOrderDiscount(ctx, orderID, req.DiscountCents)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "order_discount", "sale_order", order.ID, order.SessionID, order.ID, fmt.Sprintf("discount=%d", req.DiscountCents))
	return domain.OrderResponse{Order: *order}, nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string, req domain.OrderCancelRequest) (domain.OrderResponse, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResponse{}, store.ErrValidation
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "unspecified"
	}

	order, err := s.repo.CancelOrder(ctx, orderID, reason)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "order_cancel", "sale_order", order.ID, order.SessionID, order.ID, reason)
	return domain.OrderResponse{Order: *order}, nil
}

// FinalizeOrder is the single irreversible commit of a sale. The idempotency
// key is resolved against the receipt cache first, then the repository
// record, before the atomic FinalizeSale is attempted. Transient commit
// conflicts are retried up to finalizeRetryLimit times.
func (s *Service) FinalizeOrder(ctx context.Context, orderID string, req domain.FinalizeRequest) (domain.Receipt, error) {
	orderID = strings.TrimSpace(orderID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if orderID == "" || req.IdempotencyKey == "" {
		return domain.Receipt{}, store.ErrValidation
	}
	if req.TenderedCents < 0 {
		return domain.Receipt{}, store.ErrValidation
	}

	if cached, hit, err := s.receipts.Get(ctx, receiptCacheKey(req.IdempotencyKey)); err != nil {
		log.Printf("[service] WARN: receipt cache lookup failed key=%s: %v", req.IdempotencyKey, err)
	} else if hit && cached != nil {
		replay := *cached
		replay.Duplicate = true
		return replay, nil
	}

	if existing, err := s.repo.FindReceiptByIdempotency(ctx, req.IdempotencyKey); err == nil {
		s.cacheReceipt(ctx, req.IdempotencyKey, existing)
		return *existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Receipt{}, err
	}

	var receipt *domain.Receipt
	var err error
	for attempt := 1; attempt <= finalizeRetryLimit; attempt++ {
		receipt, err = s.repo.FinalizeSale(ctx, orderID, req.PaymentMethod, req.TenderedCents, req.IdempotencyKey, time.Now().UTC())
		if err == nil || !errors.Is(err, store.ErrConflict) {
			break
		}
		log.Printf("[service] WARN: finalize conflict order=%s attempt=%d", orderID, attempt)
	}
	if err != nil {
		actor, _ := ActorFromContext(ctx)
		log.Printf("[service] finalize failed order=%s operator=%s: %v", orderID, actor.Username, err)
		return domain.Receipt{}, err
	}

	s.cacheReceipt(ctx, req.IdempotencyKey, receipt)
	s.logAudit(ctx, "order_finalize", "sale_order", receipt.OrderID, receipt.SessionID, receipt.OrderID, fmt.Sprintf("number=%s,total=%d,payment=%s,change=%d", receipt.Number, receipt.TotalCents, receipt.PaymentMethod, receipt.ChangeDueCents))
	return *receipt, nil
}

func (s *Service) ListSales(ctx context.Context, registerID string, fromDate string, toDate string, limit int) ([]domain.SaleOrder, error) {
	from, to, err := parsePeriod(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, strings.TrimSpace(registerID), from, to, limit)
}

// ReceiptText renders a plain-text preview of a finalized sale for the
// register display or printer bridge.
func (s *Service) ReceiptText(ctx context.Context, orderID string) (string, error) {
	resp, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	order := resp.Order
	if order.Status != domain.OrderStatusFinalized {
		return "", store.ErrOrderNotDraft
	}

	lines := []string{
		"BoxPDV",
		"========================",
		"Venda: " + order.Number,
		"Caixa: " + order.RegisterID,
		"Data: " + order.FinalizedAt.Format("2006-01-02 15:04:05"),
		"------------------------",
	}
	for _, item := range order.Items {
		lines = append(lines, fmt.Sprintf("%s x%d", item.Description, item.Quantity))
		lines = append(lines, fmt.Sprintf("  %s", formatCents(item.LineTotalCents)))
	}
	lines = append(lines,
		"------------------------",
		"Subtotal : "+formatCents(order.SubtotalCents),
		"Desconto : "+formatCents(order.DiscountCents),
		"Total    : "+formatCents(order.TotalCents),
		"Pagto    : "+order.PaymentMethod,
		"========================",
		"Obrigado e bom treino",
		"",
	)
	return strings.Join(lines, "\n"), nil
}

func (s *Service) SalesReport(ctx context.Context, registerID string, fromDate string, toDate string) (domain.SalesReport, error) {
	from, to, err := parsePeriod(fromDate, toDate)
	if err != nil {
		return domain.SalesReport{}, err
	}
	return s.repo.GetSalesReport(ctx, strings.TrimSpace(registerID), from, to)
}

func (s *Service) TopProducts(ctx context.Context, fromDate string, toDate string, limit int) ([]domain.TopProduct, error) {
	from, to, err := parsePeriod(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 10
	}
	return s.repo.GetTopProducts(ctx, from, to, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrValidation
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) cacheReceipt(ctx context.Context, key string, receipt *domain.Receipt) {
	clean := *receipt
	clean.Duplicate = false
	if err := s.receipts.Set(ctx, receiptCacheKey(key), &clean, s.receiptTTL); err != nil {
		log.Printf("[service] WARN: failed to cache receipt key=%s: %v", key, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, sessionID string, orderID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		SessionID:     sessionID,
		OrderID:       orderID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func receiptCacheKey(idempotencyKey string) string {
	return "receipt:" + idempotencyKey
}

// parsePeriod turns yyyy-mm-dd bounds into a [from, to) UTC window.
// Empty bounds default to the current day.
func parsePeriod(fromDate string, toDate string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	from := today
	if strings.TrimSpace(fromDate) != "" {
		parsed, err := time.Parse("2006-01-02", fromDate)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrValidation
		}
		from = parsed.UTC()
	}

	to := from.Add(24 * time.Hour)
	if strings.TrimSpace(toDate) != "" {
		parsed, err := time.Parse("2006-01-02", toDate)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrValidation
		}
		to = parsed.UTC().Add(24 * time.Hour)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, store.ErrValidation
	}
	return from, to, nil
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%sR$ %d,%02d", sign, cents/100, cents%100)
}
