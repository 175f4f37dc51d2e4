package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/store/memory"
	"tokoku/backend/internal/worker"
)

func TestSaleOverStockFailsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 10, 15, 8)

	_, err := f.svc.ProcessSale(ctx, testAccount, domain.SaleRequest{
		Items: []domain.SaleItem{inventoryItem(product, 11, 15)},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var stockErr *store.StockError
	if !errors.As(err, &stockErr) || stockErr.Available != 10 || stockErr.Requested != 11 {
		t.Fatalf("expected stock error detail, got %v", err)
	}

	if got := f.stock(t, product.ID); got != 10 {
		t.Fatalf("expected stock to remain 10, got %d", got)
	}
	sales, _ := f.svc.ListSales(ctx, testAccount, 0)
	if len(sales) != 0 {
		t.Fatalf("expected no sale documents, got %d", len(sales))
	}
	if settings := f.settings(t); settings.LastSaleNumericID != 0 {
		t.Fatalf("expected no sale id consumed, got %d", settings.LastSaleNumericID)
	}
}

func TestSaleAggregatesLinesForTheSameProduct(t *testing.T) {
	f := newFixture(t)
	product := f.addProduct(t, "SKU-1", 5, 10, 4)

	_, err := f.svc.ProcessSale(testContext(), testAccount, domain.SaleRequest{
		Items: []domain.SaleItem{inventoryItem(product, 3, 10), inventoryItem(product, 3, 10)},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected combined lines to exceed stock, got %v", err)
	}
}

func TestSaleDiscountCreditsCashAndLedger(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 10, 50, 30)

	sale, err := f.svc.ProcessSale(ctx, testAccount, domain.SaleRequest{
		Items:          []domain.SaleItem{inventoryItem(product, 2, 50)},
		DiscountAmount: 20,
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if sale.SubTotal != 100 || sale.GrandTotal != 80 || sale.EstimatedTotalCOGS != 60 {
		t.Fatalf("unexpected totals: %+v", sale)
	}
	if sale.NumericSaleID != 1 || sale.CustomerID != domain.WalkInCustomerID {
		t.Fatalf("unexpected sale identity: id=%d customer=%s", sale.NumericSaleID, sale.CustomerID)
	}
	if sale.Items[0].CostPrice != 30 || sale.Items[0].Name != "Product SKU-1" {
		t.Fatalf("expected cost and name snapshot on item, got %+v", sale.Items[0])
	}

	if got := f.stock(t, product.ID); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}
	if cash := f.settings(t).CurrentBusinessCash; cash != 80 {
		t.Fatalf("expected cash 80, got %v", cash)
	}
	income := f.ledger(t, domain.LedgerSaleIncome)
	if len(income) != 1 || income[0].Amount != 80 || income[0].RelatedDocumentID != sale.ID {
		t.Fatalf("expected one sale_income entry of 80, got %+v", income)
	}

	activity, err := f.svc.ListActivity(ctx, testAccount, 0)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	kinds := map[domain.ActivityType]int{}
	for _, a := range activity {
		kinds[a.Type]++
	}
	if kinds[domain.ActivitySaleRecorded] != 1 || kinds[domain.ActivityStockDecreased] != 1 {
		t.Fatalf("expected sale and stock activity, got %v", kinds)
	}
}

func TestSaleDiscountIsClampedToSubtotal(t *testing.T) {
	f := newFixture(t)
	product := f.addProduct(t, "SKU-1", 10, 50, 30)

	sale, err := f.svc.ProcessSale(testContext(), testAccount, domain.SaleRequest{
		Items:          []domain.SaleItem{inventoryItem(product, 1, 50)},
		DiscountAmount: 75,
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if sale.DiscountAmount != 50 || sale.GrandTotal != 0 {
		t.Fatalf("expected discount clamped to 50 and total 0, got %+v", sale)
	}
	if entries := f.ledger(t, domain.LedgerSaleIncome); len(entries) != 0 {
		t.Fatalf("expected no income entry for a zero total, got %d", len(entries))
	}
}

func TestSaleValidationRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	product := f.addProduct(t, "SKU-1", 10, 50, 30)
	ctx := testContext()

	cases := []domain.SaleRequest{
		{},
		{Items: []domain.SaleItem{inventoryItem(product, 0, 50)}},
		{Items: []domain.SaleItem{inventoryItem(product, 1, 0)}},
		{Items: []domain.SaleItem{inventoryItem(product, 1, 50)}, DiscountAmount: -1},
		{Items: []domain.SaleItem{inventoryItem(product, 1, 50)}, SaleType: "LAYAWAY"},
		{Items: []domain.SaleItem{{Quantity: 1, UnitPrice: 5}}},
	}
	for i, req := range cases {
		if _, err := f.svc.ProcessSale(ctx, testAccount, req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestSaleUnknownProductIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ProcessSale(testContext(), testAccount, domain.SaleRequest{
		Items: []domain.SaleItem{{Ref: domain.InventoryLine{ProductID: "prd-missing"}, Quantity: 1, UnitPrice: 5}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var opErr *store.OpError
	if !errors.As(err, &opErr) || opErr.Path != "products/prd-missing" {
		t.Fatalf("expected operation path on error, got %v", err)
	}
}

func TestSaleManualLineDoesNotTouchStock(t *testing.T) {
	f := newFixture(t)
	sale, err := f.svc.ProcessSale(testContext(), testAccount, domain.SaleRequest{
		SaleType: domain.SaleTypeInstant,
		Items: []domain.SaleItem{{
			Ref:       domain.ManualLine{Description: "Gift wrapping"},
			Quantity:  1,
			UnitPrice: 12.5,
		}},
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if sale.GrandTotal != 12.5 || sale.EstimatedTotalCOGS != 0 || sale.Items[0].Name != "Gift wrapping" {
		t.Fatalf("unexpected manual sale: %+v", sale)
	}
	if _, ok := sale.Items[0].Ref.(domain.ManualLine); !ok {
		t.Fatalf("expected manual line to survive, got %T", sale.Items[0].Ref)
	}

	stored, err := f.svc.GetSale(context.Background(), testAccount, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if _, ok := stored.Items[0].Ref.(domain.ManualLine); !ok || stored.SaleType != domain.SaleTypeInstant {
		t.Fatalf("expected stored manual INSTANT sale, got %+v", stored)
	}
}

func TestSaleIsNotIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 10, 5, 2)
	req := domain.SaleRequest{Items: []domain.SaleItem{inventoryItem(product, 2, 5)}}

	first, err := f.svc.ProcessSale(ctx, testAccount, req)
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}
	second, err := f.svc.ProcessSale(ctx, testAccount, req)
	if err != nil {
		t.Fatalf("second sale: %v", err)
	}
	if first.ID == second.ID || first.NumericSaleID != 1 || second.NumericSaleID != 2 {
		t.Fatalf("expected two distinct sales, got %s/%d and %s/%d", first.ID, first.NumericSaleID, second.ID, second.NumericSaleID)
	}
	if got := f.stock(t, product.ID); got != 6 {
		t.Fatalf("expected two decrements to stock 6, got %d", got)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t)
	product := f.addProduct(t, "SKU-1", 10, 5, 2)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[int64]bool{}
	var succeeded, rejected int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sale, err := f.svc.ProcessSale(testContext(), testAccount, domain.SaleRequest{
				Items: []domain.SaleItem{inventoryItem(product, 1, 5)},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
				if ids[sale.NumericSaleID] {
					t.Errorf("duplicate numeric sale id %d", sale.NumericSaleID)
				}
				ids[sale.NumericSaleID] = true
			case errors.Is(err, store.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 || rejected != 10 {
		t.Fatalf("expected 10 sales and 10 rejections, got %d and %d", succeeded, rejected)
	}
	for id := int64(1); id <= 10; id++ {
		if !ids[id] {
			t.Fatalf("expected gap-free ids 1..10, missing %d", id)
		}
	}
	if got := f.stock(t, product.ID); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
	settings := f.settings(t)
	if settings.LastSaleNumericID != 10 || settings.CurrentBusinessCash != 50 {
		t.Fatalf("expected counter 10 and cash 50, got %d and %v", settings.LastSaleNumericID, settings.CurrentBusinessCash)
	}
}

func TestSaleAutoCreatesCashCustomerFromPhone(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 10, 5, 2)

	sale, err := f.svc.ProcessSale(ctx, testAccount, domain.SaleRequest{
		Items:        []domain.SaleItem{inventoryItem(product, 1, 5)},
		CustomerName: "0812-555 1234",
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if sale.CustomerID != "" {
		t.Fatalf("expected customer to be resolved after commit, got %s", sale.CustomerID)
	}
	f.queue.Wait()

	customers, err := f.svc.ListCustomers(ctx, testAccount)
	if err != nil || len(customers) != 1 {
		t.Fatalf("expected one auto-created customer, got %d err=%v", len(customers), err)
	}
	if customers[0].Name != "Cash" || customers[0].Phone != "0812-555 1234" {
		t.Fatalf("expected Cash customer with phone, got %+v", customers[0])
	}
	patched, err := f.svc.GetSale(ctx, testAccount, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if patched.CustomerID != customers[0].ID || patched.CustomerName != "Cash" {
		t.Fatalf("expected sale linked to new customer, got %+v", patched)
	}
}

func TestSaleNamedCustomerResolution(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 10, 5, 2)
	budi, err := f.svc.CreateCustomer(ctx, testAccount, domain.CustomerCreateRequest{Name: "Budi", Phone: "0811"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	sale, err := f.svc.ProcessSale(ctx, testAccount, domain.SaleRequest{
		Items:        []domain.SaleItem{inventoryItem(product, 1, 5)},
		CustomerName: "budi",
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if sale.CustomerID != budi.ID {
		t.Fatalf("expected existing customer %s, got %s", budi.ID, sale.CustomerID)
	}

	walkIn, err := f.svc.ProcessSale(ctx, testAccount, domain.SaleRequest{
		Items:        []domain.SaleItem{inventoryItem(product, 1, 5)},
		CustomerName: "walk-in customer",
	})
	if err != nil {
		t.Fatalf("walk-in sale: %v", err)
	}
	if walkIn.CustomerID != domain.WalkInCustomerID {
		t.Fatalf("expected walk-in, got %s", walkIn.CustomerID)
	}

	f.queue.Wait()
	customers, _ := f.svc.ListCustomers(ctx, testAccount)
	if len(customers) != 1 {
		t.Fatalf("expected no auto-created customers, got %d", len(customers))
	}

	if _, err := f.svc.ProcessSale(ctx, testAccount, domain.SaleRequest{
		Items:      []domain.SaleItem{inventoryItem(product, 1, 5)},
		CustomerID: "cus-missing",
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown customer id to fail, got %v", err)
	}
}

// heldDeferrer keeps deferred tasks until the test releases them together.
type heldDeferrer struct {
	mu    sync.Mutex
	tasks []worker.Task
}

func (d *heldDeferrer) Submit(_ string, run worker.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, run)
}

func (d *heldDeferrer) release(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()

	errs := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- task(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("deferred task: %v", err)
		}
	}
}

func TestDeferredCustomerCreationReusesMatchingCustomer(t *testing.T) {
	held := &heldDeferrer{}
	svc := New(memory.New(), newMapCache(), held, time.Minute)
	ctx := testContext()

	product, err := svc.AddProduct(ctx, testAccount, domain.ProductCreateRequest{
		ProductCode: "SKU-1", Name: "Teh", Price: 5, CostPrice: 2, Stock: 10,
	})
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	var sales []domain.Sale
	for _, typed := range []string{"Budi", "budi ", "0812-555 1234", "08125551234"} {
		sale, err := svc.ProcessSale(ctx, testAccount, domain.SaleRequest{
			Items:        []domain.SaleItem{inventoryItem(product, 1, 5)},
			CustomerName: typed,
		})
		if err != nil {
			t.Fatalf("sale for %q: %v", typed, err)
		}
		sales = append(sales, sale)
	}
	held.release(t)

	customers, err := svc.ListCustomers(ctx, testAccount)
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	if len(customers) != 2 {
		t.Fatalf("expected one Budi and one Cash customer, got %+v", customers)
	}

	linked := make([]string, len(sales))
	for i, sale := range sales {
		got, err := svc.GetSale(ctx, testAccount, sale.ID)
		if err != nil {
			t.Fatalf("get sale: %v", err)
		}
		if got.CustomerID == "" {
			t.Fatalf("expected sale %s to be linked to a customer", sale.ID)
		}
		linked[i] = got.CustomerID
	}
	if linked[0] != linked[1] || linked[2] != linked[3] || linked[0] == linked[2] {
		t.Fatalf("expected repeated names and phones to share a customer, got %v", linked)
	}
}

func TestCreateQuotationAssignsNumbersWithoutStockEffect(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	product := f.addProduct(t, "SKU-1", 3, 5, 2)

	for want := int64(1); want <= 2; want++ {
		q, err := f.svc.CreateQuotation(ctx, testAccount, domain.QuotationRequest{
			CustomerName: "Sari",
			Items:        []domain.SaleItem{inventoryItem(product, 5, 5)},
		})
		if err != nil {
			t.Fatalf("quotation: %v", err)
		}
		if q.NumericQuotationID != want || q.GrandTotal != 25 {
			t.Fatalf("unexpected quotation %+v", q)
		}
	}
	if got := f.stock(t, product.ID); got != 3 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
	settings := f.settings(t)
	if settings.LastQuotationNumericID != 2 || settings.LastSaleNumericID != 0 || settings.CurrentBusinessCash != 0 {
		t.Fatalf("unexpected counters after quotations: %+v", settings)
	}
	list, err := f.svc.ListQuotations(ctx, testAccount, 1)
	if err != nil || len(list) != 1 || list[0].NumericQuotationID != 2 {
		t.Fatalf("expected newest quotation first, got %+v err=%v", list, err)
	}
}
