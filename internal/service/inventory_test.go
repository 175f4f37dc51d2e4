package service

import (
	"errors"
	"testing"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
)

func TestDeleteProductCreditsRemainingStockValue(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 5, 15, 10)

	if err := f.svc.DeleteProduct(ctx, testAccount, product.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetProduct(ctx, testAccount, product.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected product gone, got %v", err)
	}
	settings := f.settings(t)
	if settings.CurrentBusinessCash != 50 || settings.TotalProducts != 0 {
		t.Fatalf("expected cash 50 and no products, got cash=%v total=%d", settings.CurrentBusinessCash, settings.TotalProducts)
	}
	credits := f.ledger(t, domain.LedgerStockAdjustmentCredit)
	if len(credits) != 1 || credits[0].Amount != 50 {
		t.Fatalf("expected one stock_adjustment_credit of 50, got %+v", credits)
	}
}

func TestDeleteProductWithoutCredit(t *testing.T) {
	f := newFixture(t)
	product := f.addProduct(t, "SKU-1", 5, 15, 10)

	if err := f.svc.DeleteProduct(testContext(), testAccount, product.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cash := f.settings(t).CurrentBusinessCash; cash != 0 {
		t.Fatalf("expected cash untouched, got %v", cash)
	}
	if credits := f.ledger(t, domain.LedgerStockAdjustmentCredit); len(credits) != 0 {
		t.Fatalf("expected no ledger entry, got %d", len(credits))
	}
}

func TestAddProductValidationAndUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	f.addProduct(t, "SKU-1", 5, 15, 10)

	_, err := f.svc.AddProduct(ctx, testAccount, domain.ProductCreateRequest{ProductCode: "SKU-1", Name: "Copy", Price: 3})
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	_, err = f.svc.AddProduct(ctx, testAccount, domain.ProductCreateRequest{ProductCode: "SKU-2", Name: "Odd", Price: 3, DiscountPercentage: 120})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid discount, got %v", err)
	}
	if total := f.settings(t).TotalProducts; total != 1 {
		t.Fatalf("expected one product counted, got %d", total)
	}
}

func TestAdjustStockNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 3, 15, 10)

	_, err := f.svc.AdjustStock(ctx, testAccount, product.ID, domain.StockAdjustmentRequest{Delta: -4, Reason: "breakage"})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	updated, err := f.svc.AdjustStock(ctx, testAccount, product.ID, domain.StockAdjustmentRequest{Delta: -3, Reason: "breakage"})
	if err != nil || updated.Stock != 0 {
		t.Fatalf("expected stock 0, got %+v err=%v", updated, err)
	}
}

func TestListLowStockProducts(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	f.addProduct(t, "SKU-B", 9, 15, 10)
	low := f.addProduct(t, "SKU-A", 2, 15, 10)
	edge := f.addProduct(t, "SKU-C", 5, 15, 10)

	products, err := f.svc.ListLowStockProducts(ctx, testAccount)
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(products) != 2 || products[0].ID != low.ID || products[1].ID != edge.ID {
		t.Fatalf("expected SKU-A then SKU-C, got %+v", products)
	}

	all, _ := f.svc.ListProducts(ctx, testAccount)
	if len(all) != 3 || all[0].ProductCode != "SKU-A" || all[2].ProductCode != "SKU-C" {
		t.Fatalf("expected products ordered by code, got %+v", all)
	}
}
