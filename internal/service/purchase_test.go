package service

import (
	"errors"
	"testing"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
)

func restock(product domain.Product, qty int, price float64) domain.PurchaseLine {
	return domain.PurchaseLine{Ref: domain.RestockLine{ProductID: product.ID}, Quantity: qty, PurchasePrice: price}
}

func TestPurchasePartialPayment(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 5, 70, 8)
	supplier := f.addSupplier(t, "PT Sumber")

	invoice, err := f.svc.AddPurchaseInvoice(ctx, testAccount, domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items:      []domain.PurchaseLine{restock(product, 10, 50)},
		AmountPaid: 200,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if invoice.GrandTotal != 500 || invoice.PaymentStatus != domain.PaymentStatusPartiallyPaid || invoice.NumericPurchaseID != 1 {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}

	stored, err := f.svc.GetSupplier(ctx, testAccount, supplier.ID)
	if err != nil || stored.CurrentBalance != 300 {
		t.Fatalf("expected supplier balance 300, got %v err=%v", stored.CurrentBalance, err)
	}
	refreshed, _ := f.svc.GetProduct(ctx, testAccount, product.ID)
	if refreshed.Stock != 15 || refreshed.CostPrice != 50 {
		t.Fatalf("expected stock 15 and cost overwritten to 50, got %+v", refreshed)
	}
	if cash := f.settings(t).CurrentBusinessCash; cash != -200 {
		t.Fatalf("expected cash -200, got %v", cash)
	}
	payments := f.ledger(t, domain.LedgerPurchasePayment)
	if len(payments) != 1 || payments[0].Amount != -200 {
		t.Fatalf("expected one purchase_payment entry of -200, got %+v", payments)
	}

	outstanding, err := f.svc.ListOutstandingPurchases(ctx, testAccount, supplier.ID)
	if err != nil || len(outstanding) != 1 || outstanding[0].ID != invoice.ID {
		t.Fatalf("expected the invoice to be outstanding, got %+v err=%v", outstanding, err)
	}
}

func TestPurchasePaymentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 0, 10, 5)
	supplier := f.addSupplier(t, "PT Sumber")

	cases := []struct {
		paid float64
		tax  float64
		want domain.PaymentStatus
	}{
		{paid: 0, want: domain.PaymentStatusUnpaid},
		{paid: 50, tax: 5, want: domain.PaymentStatusPartiallyPaid},
		{paid: 55, tax: 5, want: domain.PaymentStatusPaid},
		{paid: 60, want: domain.PaymentStatusPaid},
	}
	for _, tc := range cases {
		invoice, err := f.svc.AddPurchaseInvoice(ctx, testAccount, domain.PurchaseInvoiceRequest{
			SupplierID: supplier.ID,
			Items:      []domain.PurchaseLine{restock(product, 10, 5)},
			TaxAmount:  tc.tax,
			AmountPaid: tc.paid,
		})
		if err != nil {
			t.Fatalf("purchase paid=%v: %v", tc.paid, err)
		}
		if invoice.PaymentStatus != tc.want {
			t.Fatalf("paid=%v tax=%v: expected %s, got %s", tc.paid, tc.tax, tc.want, invoice.PaymentStatus)
		}
	}
}

func TestPurchaseCreatesNewProducts(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	supplier := f.addSupplier(t, "PT Sumber")

	invoice, err := f.svc.AddPurchaseInvoice(ctx, testAccount, domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items: []domain.PurchaseLine{{
			Ref:           domain.NewProductLine{ProductCode: "NEW-1", Name: "Kopi Bubuk", SalePrice: 18},
			Quantity:      12,
			PurchasePrice: 11,
		}},
		AmountPaid: 132,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	item := invoice.Items[0]
	if !item.NewProduct || item.ProductID == "" {
		t.Fatalf("expected resolved new product item, got %+v", item)
	}
	product, err := f.svc.GetProduct(ctx, testAccount, item.ProductID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 12 || product.CostPrice != 11 || product.Price != 18 || product.Category != domain.UncategorizedCategory {
		t.Fatalf("unexpected created product: %+v", product)
	}
	settings := f.settings(t)
	if settings.TotalProducts != 1 || settings.LastPurchaseNumericID != 1 {
		t.Fatalf("unexpected counters: %+v", settings)
	}
}

func TestPurchaseRejectsDuplicateProductCodes(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	f.addProduct(t, "SKU-1", 1, 10, 5)
	supplier := f.addSupplier(t, "PT Sumber")

	existing := domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items: []domain.PurchaseLine{{
			Ref:      domain.NewProductLine{ProductCode: "SKU-1", Name: "Again", SalePrice: 10},
			Quantity: 1,
		}},
	}
	if _, err := f.svc.AddPurchaseInvoice(ctx, testAccount, existing); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key for existing code, got %v", err)
	}

	repeated := domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items: []domain.PurchaseLine{
			{Ref: domain.NewProductLine{ProductCode: "X-1", Name: "One", SalePrice: 10}, Quantity: 1},
			{Ref: domain.NewProductLine{ProductCode: "X-1", Name: "Two", SalePrice: 10}, Quantity: 1},
		},
	}
	if _, err := f.svc.AddPurchaseInvoice(ctx, testAccount, repeated); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key for repeated code, got %v", err)
	}

	settings := f.settings(t)
	if settings.LastPurchaseNumericID != 0 || settings.TotalProducts != 1 {
		t.Fatalf("expected no writes from rejected invoices, got %+v", settings)
	}
}

func TestPurchaseUnknownSupplier(t *testing.T) {
	f := newFixture(t)
	product := f.addProduct(t, "SKU-1", 1, 10, 5)
	_, err := f.svc.AddPurchaseInvoice(testContext(), testAccount, domain.PurchaseInvoiceRequest{
		SupplierID: "sup-missing",
		Items:      []domain.PurchaseLine{restock(product, 1, 5)},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := f.stock(t, product.ID); got != 1 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestUpdatePurchaseAppliesDeltas(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 5, 70, 8)
	supplier := f.addSupplier(t, "PT Sumber")

	invoice, err := f.svc.AddPurchaseInvoice(ctx, testAccount, domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items:      []domain.PurchaseLine{restock(product, 10, 50)},
		AmountPaid: 200,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	updated, err := f.svc.UpdatePurchaseInvoice(ctx, testAccount, invoice.ID, domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items:      []domain.PurchaseLine{restock(product, 4, 50)},
		AmountPaid: 100,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.NumericPurchaseID != invoice.NumericPurchaseID || updated.GrandTotal != 200 || updated.PaymentStatus != domain.PaymentStatusPartiallyPaid {
		t.Fatalf("unexpected updated invoice: %+v", updated)
	}
	if got := f.stock(t, product.ID); got != 9 {
		t.Fatalf("expected stock 5+4=9, got %d", got)
	}
	stored, _ := f.svc.GetSupplier(ctx, testAccount, supplier.ID)
	if stored.CurrentBalance != 100 {
		t.Fatalf("expected supplier balance 100, got %v", stored.CurrentBalance)
	}
	if cash := f.settings(t).CurrentBusinessCash; cash != -100 {
		t.Fatalf("expected cash -100 after paying back 100, got %v", cash)
	}

	var total float64
	for _, e := range f.ledger(t, domain.LedgerPurchasePayment) {
		total += e.Amount
	}
	if total != -100 {
		t.Fatalf("expected purchase payments to sum to -100, got %v", total)
	}
	reconciled, err := f.svc.ReconcileCash(ctx, testAccount)
	if err != nil || !reconciled.Balanced {
		t.Fatalf("expected ledger to reconcile, got %+v err=%v", reconciled, err)
	}
}

func TestUpdatePurchaseFailsWhenStockWouldGoNegative(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 0, 70, 8)
	supplier := f.addSupplier(t, "PT Sumber")

	invoice, err := f.svc.AddPurchaseInvoice(ctx, testAccount, domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items:      []domain.PurchaseLine{restock(product, 10, 50)},
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := f.svc.ProcessSale(ctx, testAccount, domain.SaleRequest{Items: []domain.SaleItem{inventoryItem(product, 9, 70)}}); err != nil {
		t.Fatalf("sale: %v", err)
	}

	_, err = f.svc.UpdatePurchaseInvoice(ctx, testAccount, invoice.ID, domain.PurchaseInvoiceRequest{
		SupplierID: supplier.ID,
		Items:      []domain.PurchaseLine{restock(product, 2, 50)},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := f.stock(t, product.ID); got != 1 {
		t.Fatalf("expected stock to stay 1, got %d", got)
	}
}

func TestUpdatePurchaseMovesOwedAmountBetweenSuppliers(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 0, 70, 8)
	first := f.addSupplier(t, "PT Satu")
	second := f.addSupplier(t, "PT Dua")

	invoice, err := f.svc.AddPurchaseInvoice(ctx, testAccount, domain.PurchaseInvoiceRequest{
		SupplierID: first.ID,
		Items:      []domain.PurchaseLine{restock(product, 10, 10)},
		AmountPaid: 40,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := f.svc.UpdatePurchaseInvoice(ctx, testAccount, invoice.ID, domain.PurchaseInvoiceRequest{
		SupplierID: second.ID,
		Items:      []domain.PurchaseLine{restock(product, 10, 10)},
		AmountPaid: 40,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	a, _ := f.svc.GetSupplier(ctx, testAccount, first.ID)
	b, _ := f.svc.GetSupplier(ctx, testAccount, second.ID)
	if a.CurrentBalance != 0 || b.CurrentBalance != 60 {
		t.Fatalf("expected balances 0 and 60, got %v and %v", a.CurrentBalance, b.CurrentBalance)
	}
	for _, s := range []domain.Supplier{first, second} {
		rec, err := f.svc.ReconcileSupplier(ctx, testAccount, s.ID)
		if err != nil || !rec.Balanced {
			t.Fatalf("expected supplier %s to reconcile, got %+v err=%v", s.Name, rec, err)
		}
	}
}
