package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"boxpdv/backend/internal/domain"
	"boxpdv/backend/internal/store"
)

func TestSaleNumbersAreSequentialPerDay(t *testing.T) {
	repo := NewSeeded()
	ctx := context.Background()

	session, err := repo.OpenSession(ctx, domain.CashSession{RegisterID: "register-1", InitialAmountCents: 1000})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	first, err := repo.CreateOrder(ctx, domain.SaleOrder{SessionID: session.ID})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	second, err := repo.CreateOrder(ctx, domain.SaleOrder{SessionID: session.ID})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if !strings.HasPrefix(first.Number, "VND") || len(first.Number) != 15 {
		t.Fatalf("unexpected sale number format %q", first.Number)
	}
	if !strings.HasSuffix(first.Number, "0001") || !strings.HasSuffix(second.Number, "0002") {
		t.Fatalf("expected sequential numbers, got %s then %s", first.Number, second.Number)
	}
}

func TestBarcodeLookup(t *testing.T) {
	repo := NewSeeded()
	ctx := context.Background()

	product, err := repo.GetProductByBarcode(ctx, "7894900011517")
	if err != nil {
		t.Fatalf("barcode lookup failed: %v", err)
	}
	if product.ID != "prod-agua-500" {
		t.Fatalf("unexpected product %s", product.ID)
	}

	if _, err := repo.GetProductByBarcode(ctx, "0000000000000"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown barcode, got %v", err)
	}

	// Duplicate barcodes are rejected at creation.
	if _, err := repo.CreateProduct(ctx, domain.Product{
		Barcode: "7894900011517", Name: "Clone", Category: "beverage", UnitPriceCents: 100,
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for duplicate barcode, got %v", err)
	}
}

func TestReturnedOrdersAreDetachedCopies(t *testing.T) {
	repo := NewSeeded()
	ctx := context.Background()

	session, err := repo.OpenSession(ctx, domain.CashSession{RegisterID: "register-1", InitialAmountCents: 1000})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	order, err := repo.CreateOrder(ctx, domain.SaleOrder{SessionID: session.ID})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	updated, err := repo.UpsertOrderItem(ctx, order.ID, domain.SaleLineItem{
		ProductID: "prod-agua-500", Description: "Agua Mineral 500ml", Quantity: 2, UnitPriceCents: 400,
	})
	if err != nil {
		t.Fatalf("upsert item failed: %v", err)
	}

	// Mutating the returned copy must not leak into the store.
	updated.Items[0].Quantity = 99
	reloaded, err := repo.GetOrderByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if reloaded.Items[0].Quantity != 2 {
		t.Fatalf("store order mutated through returned copy: qty=%d", reloaded.Items[0].Quantity)
	}
}

func TestCashMovementsAccumulateSessionTotals(t *testing.T) {
	repo := NewSeeded()
	ctx := context.Background()

	session, err := repo.OpenSession(ctx, domain.CashSession{RegisterID: "register-1", InitialAmountCents: 5000})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	if _, err := repo.AppendCashMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementSupply, AmountCents: 2000}); err != nil {
		t.Fatalf("supply failed: %v", err)
	}
	after, err := repo.AppendCashMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementWithdrawal, AmountCents: 700})
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if after.SuppliesTotalCents != 2000 || after.WithdrawalsTotalCents != 700 {
		t.Fatalf("unexpected totals %d/%d", after.SuppliesTotalCents, after.WithdrawalsTotalCents)
	}

	movements, err := repo.ListCashMovements(ctx, session.ID)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected two movements, got %d", len(movements))
	}

	// Sale movements are reserved for FinalizeSale.
	if _, err := repo.AppendCashMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementSale, AmountCents: 100}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for manual sale movement, got %v", err)
	}
}

func TestCloseSessionDerivesExpectedFromSessionTotals(t *testing.T) {
	repo := NewSeeded()
	ctx := context.Background()

	session, err := repo.OpenSession(ctx, domain.CashSession{RegisterID: "register-1", InitialAmountCents: 5000})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if _, err := repo.AppendCashMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementSupply, AmountCents: 2000}); err != nil {
		t.Fatalf("supply failed: %v", err)
	}
	if _, err := repo.AppendCashMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementWithdrawal, AmountCents: 700}); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	// The store derives expected and variance from its own accumulators at
	// close time. The caller only supplies the counted amount, so movements
	// recorded right up to the close are always reflected.
	closed, err := repo.CloseSession(ctx, "register-1", 6400, "", time.Time{})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.ExpectedAmountCents != 6300 {
		t.Fatalf("expected 6300, got %d", closed.ExpectedAmountCents)
	}
	if closed.VarianceCents != 100 {
		t.Fatalf("expected variance 100, got %d", closed.VarianceCents)
	}
	if closed.ClosedAt == nil || closed.ClosedAt.IsZero() {
		t.Fatalf("expected close timestamp to be set")
	}
}
