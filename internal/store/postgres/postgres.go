package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"boxpdv/backend/internal/domain"
	"boxpdv/backend/internal/store"
	"boxpdv/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, barcode, name, category, unit_price_cents, quantity_on_hand, min_stock, active, created_at
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	product.Barcode = strings.TrimSpace(product.Barcode)
	if product.Name == "" || product.Category == "" || product.UnitPriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.QuantityOnHand < 0 || product.MinStock < 0 {
		return nil, store.ErrValidation
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, barcode, name, category, unit_price_cents, quantity_on_hand, min_stock, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, nullIfEmpty(product.Barcode), product.Name, product.Category, product.UnitPriceCents,
		product.QuantityOnHand, product.MinStock, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.getProduct(ctx, `
		SELECT id, barcode, name, category, unit_price_cents, quantity_on_hand, min_stock, active, created_at
		FROM products
		WHERE id = $1
	`, id)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	return s.getProduct(ctx, `
		SELECT id, barcode, name, category, unit_price_cents, quantity_on_hand, min_stock, active, created_at
		FROM products
		WHERE barcode = $1
	`, strings.TrimSpace(barcode))
}

func (s *Store) getProduct(ctx context.Context, query string, arg any) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) RecordStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if movement.Quantity < 1 {
		return nil, store.ErrValidation
	}
	if movement.Type != domain.StockMovementEntry && movement.Type != domain.StockMovementExit {
		return nil, store.ErrValidation
	}
	if movement.ID == "" {
		movement.ID = xid.New("stk")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var query string
	if movement.Type == domain.StockMovementEntry {
		query = `
			UPDATE products
			SET quantity_on_hand = quantity_on_hand + $1
			WHERE id = $2
		`
	} else {
		query = `
			UPDATE products
			SET quantity_on_hand = quantity_on_hand - $1
			WHERE id = $2 AND quantity_on_hand >= $1
		`
	}
	res, err := tx.ExecContext(ctx, query, movement.Quantity, movement.ProductID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if movement.Type == domain.StockMovementEntry {
			return nil, store.ErrNotFound
		}
		if _, lookupErr := s.GetProductByID(ctx, movement.ProductID); errors.Is(lookupErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInsufficientStock
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, type, quantity, reason, reference_id, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.ProductID, movement.Type, movement.Quantity, movement.Reason,
		nullIfEmpty(movement.ReferenceID), nullIfEmpty(movement.RecordedBy), movement.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
	}

	created := movement
	return &created, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, type, quantity, reason, reference_id, recorded_by, created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var movement domain.StockMovement
		var reason, referenceID, recordedBy sql.NullString
		if err := rows.Scan(&movement.ID, &movement.ProductID, &movement.Type, &movement.Quantity,
			&reason, &referenceID, &recordedBy, &movement.CreatedAt); err != nil {
			return nil, err
		}
		movement.Reason = reason.String
		movement.ReferenceID = referenceID.String
		movement.RecordedBy = recordedBy.String
		movement.CreatedAt = movement.CreatedAt.UTC()
		movements = append(movements, movement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, barcode, name, category, unit_price_cents, quantity_on_hand, min_stock, active, created_at
		FROM products
		WHERE active = true AND quantity_on_hand <= min_stock
		ORDER BY quantity_on_hand ASC, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.RegisterID) == "" || session.InitialAmountCents < 0 {
		return nil, store.ErrValidation
	}
	if session.ID == "" {
		session.ID = xid.New("cs")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen

	// A partial unique index on (register_id) WHERE status = 'open' turns a
	// double-open race into a unique violation.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (
			id, register_id, opened_by, opened_at, initial_amount_cents,
			sales_total_cents, supplies_total_cents, withdrawals_total_cents,
			status, notes
		)
		VALUES ($1,$2,$3,$4,$5,0,0,0,$6,$7)
	`, session.ID, session.RegisterID, nullIfEmpty(session.OpenedBy), session.OpenedAt,
		session.InitialAmountCents, session.Status, strings.TrimSpace(session.Notes))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrSessionConflict
		}
		return nil, err
	}

	session.SalesTotalCents = 0
	session.SuppliesTotalCents = 0
	session.WithdrawalsTotalCents = 0
	saved := session
	return &saved, nil
}

func (s *Store) GetActiveSession(ctx context.Context, registerID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+`
		WHERE register_id = $1 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`, registerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+`
		WHERE id = $1
	`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, registerID string, limit int) ([]domain.CashSession, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, sessionSelect+`
		WHERE ($1 = '' OR register_id = $1)
		ORDER BY opened_at DESC, id DESC
		LIMIT $2
	`, registerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) AppendCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashSession, error) {
	if movement.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	if movement.Type != domain.MovementSupply && movement.Type != domain.MovementWithdrawal {
		return nil, store.ErrValidation
	}
	if movement.ID == "" {
		movement.ID = xid.New("cm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	column := "supplies_total_cents"
	if movement.Type == domain.MovementWithdrawal {
		column = "withdrawals_total_cents"
	}
	session, err := scanSession(tx.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET `+column+` = `+column+` + $2
		WHERE id = $1 AND status = 'open'
		RETURNING `+sessionColumns+`
	`, movement.SessionID, movement.AmountCents))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, lookupErr := s.GetSessionByID(ctx, movement.SessionID); errors.Is(lookupErr, store.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrSessionNotOpen
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, type, amount_cents, note, reference_id, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.SessionID, movement.Type, movement.AmountCents,
		strings.TrimSpace(movement.Note), nullIfEmpty(movement.ReferenceID), nullIfEmpty(movement.RecordedBy), movement.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
	}
	return &session, nil
}

func (s *Store) ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	if _, err := s.GetSessionByID(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, amount_cents, note, reference_id, recorded_by, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 32)
	for rows.Next() {
		var movement domain.CashMovement
		var note, referenceID, recordedBy sql.NullString
		if err := rows.Scan(&movement.ID, &movement.SessionID, &movement.Type, &movement.AmountCents,
			&note, &referenceID, &recordedBy, &movement.CreatedAt); err != nil {
			return nil, err
		}
		movement.Note = note.String
		movement.ReferenceID = referenceID.String
		movement.RecordedBy = recordedBy.String
		movement.CreatedAt = movement.CreatedAt.UTC()
		movements = append(movements, movement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CloseSession(ctx context.Context, registerID string, countedAmountCents int64, notes string, closedAt time.Time) (*domain.CashSession, error) {
	if countedAmountCents < 0 {
		return nil, store.ErrValidation
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	// Expected and variance are computed from the row's own accumulators in
	// the same statement that flips the status, so a sale finalizing
	// concurrently cannot leave the frozen totals stale.
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET status = 'closed',
			counted_amount_cents = $2,
			expected_amount_cents = initial_amount_cents + sales_total_cents + supplies_total_cents - withdrawals_total_cents,
			variance_cents = $2 - (initial_amount_cents + sales_total_cents + supplies_total_cents - withdrawals_total_cents),
			closed_at = $3,
			notes = CASE WHEN $4 <> '' THEN $4 ELSE notes END
		WHERE register_id = $1 AND status = 'open'
		RETURNING `+sessionColumns+`
	`, registerID, countedAmountCents, closedAt, strings.TrimSpace(notes)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionNotOpen
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.SaleOrder) (*domain.SaleOrder, error) {
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status, registerID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, register_id
		FROM cash_sessions
		WHERE id = $1
	`, order.SessionID).Scan(&status, &registerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	day := order.CreatedAt.UTC().Format("20060102")
	var seq int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sale_counters (day, seq)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = sale_counters.seq + 1
		RETURNING seq
	`, day).Scan(&seq)
	if err != nil {
		return nil, err
	}

	order.RegisterID = registerID
	order.Number = fmt.Sprintf("VND%s%04d", day, seq)
	order.Status = domain.OrderStatusDraft
	order.Items = []domain.SaleLineItem{}
	order.DiscountCents = 0
	order.SubtotalCents = 0
	order.TotalCents = 0

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sale_orders (
			id, number, register_id, session_id, customer_label, status,
			discount_cents, subtotal_cents, total_cents, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,0,$7)
	`, order.ID, order.Number, order.RegisterID, order.SessionID,
		strings.TrimSpace(order.CustomerLabel), order.Status, order.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
	}
	saved := order
	return &saved, nil
}

func (s *Store) GetOrderByID(ctx context.Context, orderID string) (*domain.SaleOrder, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, orderSelect+`
		WHERE id = $1
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := s.loadOrderItems(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func (s *Store) UpsertOrderItem(ctx context.Context, orderID string, item domain.SaleLineItem) (*domain.SaleOrder, error) {
	if item.Quantity < 1 || item.LineDiscountCents < 0 || item.UnitPriceCents < 1 {
		return nil, store.ErrValidation
	}
	lineTotal := int64(item.Quantity)*item.UnitPriceCents - item.LineDiscountCents
	if lineTotal < 0 {
		return nil, store.ErrValidation
	}
	item.LineTotalCents = lineTotal

	return s.mutateDraft(ctx, orderID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_order_items (order_id, product_id, description, quantity, unit_price_cents, line_discount_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (order_id, product_id) DO UPDATE SET
				description = EXCLUDED.description,
				quantity = EXCLUDED.quantity,
				unit_price_cents = EXCLUDED.unit_price_cents,
				line_discount_cents = EXCLUDED.line_discount_cents,
				line_total_cents = EXCLUDED.line_total_cents
		`, orderID, item.ProductID, item.Description, item.Quantity, item.UnitPriceCents, item.LineDiscountCents, item.LineTotalCents)
		return err
	})
}

func (s *Store) RemoveOrderItem(ctx context.Context, orderID string, productID string) (*domain.SaleOrder, error) {
	return s.mutateDraft(ctx, orderID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM sale_order_items
			WHERE order_id = $1 AND product_id = $2
		`, orderID, productID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) SetOrderDiscount(ctx context.Context, orderID string, discountCents int64) (*domain.SaleOrder, error) {
	if discountCents < 0 {
		return nil, store.ErrValidation
	}

	return s.mutateDraft(ctx, orderID, func(tx *sql.Tx) error {
		var subtotal int64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(line_total_cents), 0)::bigint
			FROM sale_order_items
			WHERE order_id = $1
		`, orderID).Scan(&subtotal)
		if err != nil {
			return err
		}
		if discountCents > subtotal {
			return store.ErrValidation
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sale_orders SET discount_cents = $2 WHERE id = $1
		`, orderID, discountCents)
		return err
	})
}

// mutateDraft wraps a draft mutation in one serializable transaction: lock the
// order row, re-check draft status and session openness, apply the mutation,
// then recompute the stored totals from the item rows.
func (s *Store) mutateDraft(ctx context.Context, orderID string, mutate func(tx *sql.Tx) error) (*domain.SaleOrder, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status, sessionID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, session_id
		FROM sale_orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&status, &sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.OrderStatusDraft {
		return nil, store.ErrOrderNotDraft
	}

	var sessionStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM cash_sessions WHERE id = $1
	`, sessionID).Scan(&sessionStatus)
	if err != nil {
		return nil, err
	}
	if sessionStatus != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	if err := mutate(tx); err != nil {
		return nil, err
	}

	// The order discount is clamped to the recomputed subtotal so a
	// shrinking edit can never push the total below zero.
	order, err := scanOrder(tx.QueryRowContext(ctx, `
		UPDATE sale_orders
		SET subtotal_cents = totals.subtotal,
			discount_cents = LEAST(discount_cents, totals.subtotal),
			total_cents = totals.subtotal - LEAST(discount_cents, totals.subtotal)
		FROM (
			SELECT COALESCE(SUM(line_total_cents), 0)::bigint AS subtotal
			FROM sale_order_items
			WHERE order_id = $1
		) AS totals
		WHERE id = $1
		RETURNING `+orderColumns+`
	`, orderID))
	if err != nil {
		return nil, err
	}
	items, err := s.loadOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
	}
	return &order, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID string, reason string) (*domain.SaleOrder, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		UPDATE sale_orders
		SET status = 'cancelled', cancel_reason = $2
		WHERE id = $1 AND status = 'draft'
		RETURNING `+orderColumns+`
	`, orderID, strings.TrimSpace(reason)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, lookupErr := s.GetOrderByID(ctx, orderID); errors.Is(lookupErr, store.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrOrderNotDraft
		}
		return nil, err
	}
	items, err := s.loadOrderItems(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func (s *Store) ListSales(ctx context.Context, registerID string, from time.Time, to time.Time, limit int) ([]domain.SaleOrder, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, orderSelect+`
		WHERE status = 'finalized'
			AND ($1 = '' OR register_id = $1)
			AND finalized_at >= $2 AND finalized_at < $3
		ORDER BY finalized_at DESC, number DESC
		LIMIT $4
	`, registerID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.SaleOrder, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := s.loadOrderItems(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) FindReceiptByIdempotency(ctx context.Context, key string) (*domain.Receipt, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload
		FROM sale_receipts
		WHERE idempotency_key = $1
	`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var receipt domain.Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return nil, err
	}
	receipt.Duplicate = true
	return &receipt, nil
}

// FinalizeSale commits a sale in one serializable transaction: conditional
// per-line stock decrements, session credit, order transition and receipt
// record either all land or the whole transaction rolls back.
func (s *Store) FinalizeSale(ctx context.Context, orderID string, paymentMethod string, tenderedCents int64, idempotencyKey string, at time.Time) (*domain.Receipt, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, store.ErrValidation
	}
	if !validPaymentMethod(paymentMethod) {
		return nil, store.ErrValidation
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if existing, err := s.FindReceiptByIdempotency(ctx, idempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := scanOrder(tx.QueryRowContext(ctx, orderSelect+`
		WHERE id = $1
		FOR UPDATE
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if order.Status != domain.OrderStatusDraft {
		return nil, store.ErrOrderNotDraft
	}

	var sessionStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM cash_sessions
		WHERE id = $1
		FOR UPDATE
	`, order.SessionID).Scan(&sessionStatus)
	if err != nil {
		return nil, err
	}
	if sessionStatus != domain.SessionStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	items, err := s.loadOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, store.ErrValidation
	}
	order.Items = items

	changeDue := int64(0)
	if paymentMethod == domain.PaymentCash {
		if tenderedCents < order.TotalCents {
			return nil, store.ErrValidation
		}
		changeDue = tenderedCents - order.TotalCents
	} else {
		tenderedCents = 0
	}

	for _, line := range items {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET quantity_on_hand = quantity_on_hand - $1
			WHERE id = $2 AND active = true AND quantity_on_hand >= $1
		`, line.Quantity, line.ProductID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			// Rollback restores every decrement already applied above.
			return nil, store.ErrInsufficientStock
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, product_id, type, quantity, reason, reference_id, created_at)
			VALUES ($1,$2,$3,$4,'',$5,$6)
		`, xid.New("stk"), line.ProductID, domain.StockMovementSale, line.Quantity, orderID, at)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET sales_total_cents = sales_total_cents + $2
		WHERE id = $1
	`, order.SessionID, order.TotalCents)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, type, amount_cents, note, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, xid.New("cm"), order.SessionID, domain.MovementSale, order.TotalCents, "sale "+order.Number, orderID, at)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sale_orders
		SET status = 'finalized', payment_method = $2, finalized_at = $3
		WHERE id = $1
	`, orderID, paymentMethod, at)
	if err != nil {
		return nil, err
	}

	receipt := domain.Receipt{
		OrderID:        order.ID,
		Number:         order.Number,
		SessionID:      order.SessionID,
		Items:          items,
		SubtotalCents:  order.SubtotalCents,
		DiscountCents:  order.DiscountCents,
		TotalCents:     order.TotalCents,
		PaymentMethod:  paymentMethod,
		TenderedCents:  tenderedCents,
		ChangeDueCents: changeDue,
		FinalizedAt:    at,
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sale_receipts (idempotency_key, order_id, payload, created_at)
		VALUES ($1,$2,$3,$4)
	`, idempotencyKey, orderID, payload, at)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindReceiptByIdempotency(ctx, idempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
	}
	saved := receipt
	return &saved, nil
}

func (s *Store) GetSalesReport(ctx context.Context, registerID string, from time.Time, to time.Time) (domain.SalesReport, error) {
	report := domain.SalesReport{
		RegisterID: registerID,
		From:       from.Format(time.RFC3339),
		To:         to.Format(time.RFC3339),
		ByPayment:  make([]domain.SalesReportPayment, 0, 4),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*)::bigint,
			COALESCE(SUM(subtotal_cents),0)::bigint,
			COALESCE(SUM(discount_cents),0)::bigint,
			COALESCE(SUM(total_cents),0)::bigint
		FROM sale_orders
		WHERE status = 'finalized'
			AND ($1 = '' OR register_id = $1)
			AND finalized_at >= $2 AND finalized_at < $3
		GROUP BY payment_method
		ORDER BY payment_method
	`, registerID, from, to)
	if err != nil {
		return domain.SalesReport{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.SalesReportPayment
		var gross, discount int64
		if err := rows.Scan(&entry.PaymentMethod, &entry.Sales, &gross, &discount, &entry.TotalCents); err != nil {
			return domain.SalesReport{}, err
		}
		report.Sales += entry.Sales
		report.GrossCents += gross
		report.DiscountCents += discount
		report.NetCents += entry.TotalCents
		report.ByPayment = append(report.ByPayment, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.SalesReport{}, err
	}
	return report, nil
}

func (s *Store) GetTopProducts(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TopProduct, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, MAX(i.description), SUM(i.quantity)::int, COALESCE(SUM(i.line_total_cents),0)::bigint
		FROM sale_order_items i
		JOIN sale_orders o ON o.id = i.order_id
		WHERE o.status = 'finalized' AND o.finalized_at >= $1 AND o.finalized_at < $2
		GROUP BY i.product_id
		ORDER BY SUM(i.quantity) DESC, i.product_id
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.TopProduct, 0, limit)
	for rows.Next() {
		var entry domain.TopProduct
		if err := rows.Scan(&entry.ProductID, &entry.Name, &entry.QuantitySold, &entry.RevenueCents); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, session_id, order_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID,
		nullIfEmpty(entry.SessionID), nullIfEmpty(entry.OrderID), entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, session_id, order_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var sessionID, orderID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &sessionID, &orderID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.SessionID = sessionID.String
		entry.OrderID = orderID.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, register_id, opened_by, opened_at, initial_amount_cents,
	sales_total_cents, supplies_total_cents, withdrawals_total_cents,
	status, closed_at, counted_amount_cents, expected_amount_cents, variance_cents, notes`

const sessionSelect = `
	SELECT ` + sessionColumns + `
	FROM cash_sessions
`

const orderColumns = `id, number, register_id, session_id, customer_label, status,
	discount_cents, subtotal_cents, total_cents, payment_method, cancel_reason, created_at, finalized_at`

const orderSelect = `
	SELECT ` + orderColumns + `
	FROM sale_orders
`

func scanProduct(row rowScanner) (domain.Product, error) {
	var product domain.Product
	var barcode sql.NullString
	err := row.Scan(&product.ID, &barcode, &product.Name, &product.Category, &product.UnitPriceCents,
		&product.QuantityOnHand, &product.MinStock, &product.Active, &product.CreatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	product.Barcode = barcode.String
	product.CreatedAt = product.CreatedAt.UTC()
	return product, nil
}

func scanSession(row rowScanner) (domain.CashSession, error) {
	var session domain.CashSession
	var openedBy, notes sql.NullString
	var closedAt sql.NullTime
	var counted, expected, variance sql.NullInt64
	err := row.Scan(&session.ID, &session.RegisterID, &openedBy, &session.OpenedAt, &session.InitialAmountCents,
		&session.SalesTotalCents, &session.SuppliesTotalCents, &session.WithdrawalsTotalCents,
		&session.Status, &closedAt, &counted, &expected, &variance, &notes)
	if err != nil {
		return domain.CashSession{}, err
	}
	session.OpenedBy = openedBy.String
	session.Notes = notes.String
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	session.CountedAmountCents = counted.Int64
	session.ExpectedAmountCents = expected.Int64
	session.VarianceCents = variance.Int64
	return session, nil
}

func scanOrder(row rowScanner) (domain.SaleOrder, error) {
	var order domain.SaleOrder
	var customerLabel, paymentMethod, cancelReason sql.NullString
	var finalizedAt sql.NullTime
	err := row.Scan(&order.ID, &order.Number, &order.RegisterID, &order.SessionID, &customerLabel,
		&order.Status, &order.DiscountCents, &order.SubtotalCents, &order.TotalCents,
		&paymentMethod, &cancelReason, &order.CreatedAt, &finalizedAt)
	if err != nil {
		return domain.SaleOrder{}, err
	}
	order.CustomerLabel = customerLabel.String
	order.PaymentMethod = paymentMethod.String
	order.CancelReason = cancelReason.String
	order.CreatedAt = order.CreatedAt.UTC()
	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		order.FinalizedAt = &at
	}
	order.Items = []domain.SaleLineItem{}
	return order, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) loadOrderItems(ctx context.Context, q queryer, orderID string) ([]domain.SaleLineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, description, quantity, unit_price_cents, line_discount_cents, line_total_cents
		FROM sale_order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleLineItem, 0, 8)
	for rows.Next() {
		var item domain.SaleLineItem
		if err := rows.Scan(&item.ProductID, &item.Description, &item.Quantity,
			&item.UnitPriceCents, &item.LineDiscountCents, &item.LineTotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func validPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCredit, domain.PaymentDebit, domain.PaymentPix:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapCommitErr turns a serialization failure into the transient conflict
// sentinel so the service layer can retry.
func mapCommitErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
