package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/money"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

func validatePurchaseRequest(req domain.PurchaseInvoiceRequest) error {
	if strings.TrimSpace(req.SupplierID) == "" {
		return store.Invalid("supplier_id", "is required")
	}
	if len(req.Items) == 0 {
		return store.Invalid("items", "must not be empty")
	}
	if req.TaxAmount < 0 {
		return store.Invalid("tax_amount", "must not be negative")
	}
	if req.AmountPaid < 0 {
		return store.Invalid("amount_paid", "must not be negative")
	}
	codes := make(map[string]struct{})
	for i, line := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if line.Quantity <= 0 {
			return store.Invalid(field+".quantity", "must be positive")
		}
		if line.PurchasePrice < 0 {
			return store.Invalid(field+".purchase_price", "must not be negative")
		}
		switch ref := line.Ref.(type) {
		case domain.RestockLine:
			if strings.TrimSpace(ref.ProductID) == "" {
				return store.Invalid(field+".product_id", "is required")
			}
		case domain.NewProductLine:
			code := strings.TrimSpace(ref.ProductCode)
			if code == "" {
				return store.Invalid(field+".product_code", "is required")
			}
			if strings.TrimSpace(ref.Name) == "" {
				return store.Invalid(field+".name", "is required")
			}
			if ref.SalePrice <= 0 {
				return store.Invalid(field+".sale_price", "must be positive")
			}
			if _, dup := codes[code]; dup {
				return fmt.Errorf("%w: product code %s repeated in invoice", store.ErrDuplicateKey, code)
			}
			codes[code] = struct{}{}
		default:
			return store.Invalid(field+".line", "must be a restock or new product line")
		}
	}
	return nil
}

func derivePaymentStatus(grandTotal decimal.Decimal, amountPaid decimal.Decimal) domain.PaymentStatus {
	switch {
	case grandTotal.IsPositive() && amountPaid.GreaterThanOrEqual(grandTotal):
		return domain.PaymentStatusPaid
	case amountPaid.IsPositive() && amountPaid.LessThan(grandTotal):
		return domain.PaymentStatusPartiallyPaid
	default:
		return domain.PaymentStatusUnpaid
	}
}

type stockChange struct {
	product domain.Product
	delta   int
	created bool
}

// applyPurchaseLines writes the stock, cost and product-creation effects of
// lines inside tx. previous holds quantities already received on an earlier
// version of the same invoice so only the difference reaches stock.
func (s *Service) applyPurchaseLines(ctx context.Context, tx store.Docs, settings *domain.AppSettings, lines []domain.PurchaseLine, previous map[string]int) ([]domain.PurchaseItem, decimal.Decimal, []stockChange, error) {
	for _, line := range lines {
		if ref, ok := line.Ref.(domain.NewProductLine); ok {
			code := strings.TrimSpace(ref.ProductCode)
			taken, err := productCodeTaken(ctx, tx, code)
			if err != nil {
				return nil, decimal.Zero, nil, err
			}
			if taken {
				return nil, decimal.Zero, nil, fmt.Errorf("%w: product code %s", store.ErrDuplicateKey, code)
			}
		}
	}

	received := make(map[string]int)
	restockIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		if ref, ok := line.Ref.(domain.RestockLine); ok {
			received[ref.ProductID] += line.Quantity
			restockIDs = append(restockIDs, ref.ProductID)
		}
	}
	products, err := loadProductsTx(ctx, tx, restockIDs, false)
	if err != nil {
		return nil, decimal.Zero, nil, err
	}

	now := s.now()
	subTotal := decimal.Zero
	items := make([]domain.PurchaseItem, 0, len(lines))
	changes := make([]stockChange, 0, len(lines))
	for _, line := range lines {
		price := money.Round(line.PurchasePrice)
		lineTotal := money.Line(line.Quantity, price)
		subTotal = subTotal.Add(lineTotal)

		switch ref := line.Ref.(type) {
		case domain.RestockLine:
			product := products[ref.ProductID]
			product.CostPrice = price
			products[ref.ProductID] = product
			items = append(items, domain.PurchaseItem{
				ProductID:     product.ID,
				ProductCode:   product.ProductCode,
				Name:          product.Name,
				Quantity:      line.Quantity,
				PurchasePrice: price,
				LineTotal:     money.Float(lineTotal),
			})
		case domain.NewProductLine:
			category := strings.TrimSpace(ref.Category)
			if category == "" {
				category = domain.UncategorizedCategory
			}
			product := domain.Product{
				ID:          xid.New("prd"),
				ProductCode: strings.TrimSpace(ref.ProductCode),
				Name:        strings.TrimSpace(ref.Name),
				Price:       money.Round(ref.SalePrice),
				CostPrice:   price,
				Stock:       line.Quantity,
				Category:    category,
				LastUpdated: now,
			}
			if err := store.Save(ctx, tx, store.CollectionProducts, product.ID, product); err != nil {
				return nil, decimal.Zero, nil, err
			}
			settings.TotalProducts++
			ensureCategory(settings, category)
			changes = append(changes, stockChange{product: product, delta: line.Quantity, created: true})
			items = append(items, domain.PurchaseItem{
				ProductID:     product.ID,
				ProductCode:   product.ProductCode,
				Name:          product.Name,
				Quantity:      line.Quantity,
				PurchasePrice: price,
				LineTotal:     money.Float(lineTotal),
				NewProduct:    true,
			})
		}
	}

	// Products received earlier but no longer on the invoice give their stock back.
	for id := range previous {
		if _, ok := received[id]; ok {
			continue
		}
		missing, err := loadProductsTx(ctx, tx, []string{id}, true)
		if err != nil {
			return nil, decimal.Zero, nil, err
		}
		if product, ok := missing[id]; ok {
			products[id] = product
			received[id] = 0
		}
	}

	for id, qty := range received {
		product := products[id]
		delta := qty - previous[id]
		next := product.Stock + delta
		if next < 0 {
			return nil, decimal.Zero, nil, &store.StockError{ProductID: id, Requested: -delta, Available: product.Stock}
		}
		product.Stock = next
		product.LastUpdated = now
		if err := store.Save(ctx, tx, store.CollectionProducts, product.ID, product); err != nil {
			return nil, decimal.Zero, nil, err
		}
		if delta != 0 {
			changes = append(changes, stockChange{product: product, delta: delta})
		}
	}
	return items, subTotal, changes, nil
}

// AddPurchaseInvoice records a supplier delivery in one transaction: stock,
// new products, the invoice number, the supplier balance and the cash paid.
func (s *Service) AddPurchaseInvoice(ctx context.Context, accountID string, req domain.PurchaseInvoiceRequest) (domain.PurchaseInvoice, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.PurchaseInvoice{}, err
	}
	if err := validatePurchaseRequest(req); err != nil {
		return domain.PurchaseInvoice{}, err
	}

	invoiceID := xid.New("pur")
	var invoice domain.PurchaseInvoice
	var changes []stockChange
	var supplierBefore, supplierAfter float64
	var currencyCode string

	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		supplier, err := store.Load[domain.Supplier](ctx, tx, store.CollectionSuppliers, req.SupplierID)
		if err != nil {
			return store.Wrap("loadSupplier", store.Path(store.CollectionSuppliers, req.SupplierID), err)
		}
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		currencyCode = settings.Currency

		items, subTotal, applied, err := s.applyPurchaseLines(ctx, tx, &settings, req.Items, nil)
		if err != nil {
			return err
		}
		changes = applied

		now := s.now()
		grandTotal := subTotal.Add(money.D(req.TaxAmount))
		paid := money.D(req.AmountPaid)
		settings.LastPurchaseNumericID++
		invoice = domain.PurchaseInvoice{
			ID:                invoiceID,
			NumericPurchaseID: settings.LastPurchaseNumericID,
			SupplierID:        supplier.ID,
			SupplierName:      supplier.Name,
			InvoiceNumber:     strings.TrimSpace(req.InvoiceNumber),
			Items:             items,
			SubTotal:          money.Float(subTotal),
			TaxAmount:         money.Round(req.TaxAmount),
			GrandTotal:        money.Float(grandTotal),
			AmountPaid:        money.Float(paid),
			PaymentStatus:     derivePaymentStatus(grandTotal, paid),
			Notes:             strings.TrimSpace(req.Notes),
			InvoiceDate:       now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if req.InvoiceDate != nil {
			invoice.InvoiceDate = req.InvoiceDate.UTC()
		}

		supplierBefore = supplier.CurrentBalance
		supplier.CurrentBalance = money.Float(money.D(supplier.CurrentBalance).Add(grandTotal).Sub(paid))
		supplier.UpdatedAt = now
		supplierAfter = supplier.CurrentBalance
		settings.CurrentBusinessCash = money.Float(money.D(settings.CurrentBusinessCash).Sub(paid))

		if err := store.Save(ctx, tx, store.CollectionPurchases, invoice.ID, invoice); err != nil {
			return err
		}
		if err := store.Save(ctx, tx, store.CollectionSuppliers, supplier.ID, supplier); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.PurchaseInvoice{}, store.Wrap("addPurchaseInvoice", store.Path(store.CollectionPurchases, invoiceID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("purchase-audit", func(ctx context.Context) error {
		s.logStockChanges(ctx, accountID, actor, changes, fmt.Sprintf("purchase #%d", invoice.NumericPurchaseID))
		s.logActivity(ctx, accountID, domain.ActivitySupplierBalanceChanged, actor,
			fmt.Sprintf("Balance for %s changed from %s to %s", invoice.SupplierName,
				money.Format(supplierBefore, currencyCode), money.Format(supplierAfter, currencyCode)),
			map[string]any{"supplier_id": invoice.SupplierID, "previous": supplierBefore, "current": supplierAfter})
		s.logActivity(ctx, accountID, domain.ActivityPurchaseRecorded, actor,
			fmt.Sprintf("Purchase #%d from %s recorded, total %s, paid %s", invoice.NumericPurchaseID, invoice.SupplierName,
				money.Format(invoice.GrandTotal, currencyCode), money.Format(invoice.AmountPaid, currencyCode)),
			map[string]any{"purchase_id": invoice.ID, "payment_status": string(invoice.PaymentStatus)})
		return nil
	})
	if invoice.AmountPaid > 0 {
		s.runDeferred("purchase-ledger", func(ctx context.Context) error {
			return s.recordLedger(ctx, accountID, s.newLedgerEntry(domain.LedgerPurchasePayment, -invoice.AmountPaid, invoice.ID,
				fmt.Sprintf("Payment for purchase #%d", invoice.NumericPurchaseID)))
		})
	}
	return invoice, nil
}

// UpdatePurchaseInvoice edits an invoice in place, applying only the
// differences in stock, supplier balance and cash paid against its previous
// version.
func (s *Service) UpdatePurchaseInvoice(ctx context.Context, accountID string, invoiceID string, req domain.PurchaseInvoiceRequest) (domain.PurchaseInvoice, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.PurchaseInvoice{}, err
	}
	if err := validatePurchaseRequest(req); err != nil {
		return domain.PurchaseInvoice{}, err
	}

	var updated domain.PurchaseInvoice
	var changes []stockChange
	var paidDelta float64
	var currencyCode string

	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		old, err := store.Load[domain.PurchaseInvoice](ctx, tx, store.CollectionPurchases, invoiceID)
		if err != nil {
			return err
		}
		supplier, err := store.Load[domain.Supplier](ctx, tx, store.CollectionSuppliers, req.SupplierID)
		if err != nil {
			return store.Wrap("loadSupplier", store.Path(store.CollectionSuppliers, req.SupplierID), err)
		}
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		currencyCode = settings.Currency

		previous := make(map[string]int)
		for _, item := range old.Items {
			previous[item.ProductID] += item.Quantity
		}
		items, subTotal, applied, err := s.applyPurchaseLines(ctx, tx, &settings, req.Items, previous)
		if err != nil {
			return err
		}
		changes = applied

		now := s.now()
		grandTotal := subTotal.Add(money.D(req.TaxAmount))
		paid := money.D(req.AmountPaid)
		oldOwed := money.D(old.GrandTotal).Sub(money.D(old.AmountPaid))
		newOwed := grandTotal.Sub(paid)

		if old.SupplierID == supplier.ID {
			supplier.CurrentBalance = money.Float(money.D(supplier.CurrentBalance).Add(newOwed).Sub(oldOwed))
		} else {
			previousSupplier, err := store.Load[domain.Supplier](ctx, tx, store.CollectionSuppliers, old.SupplierID)
			if err != nil {
				return store.Wrap("loadSupplier", store.Path(store.CollectionSuppliers, old.SupplierID), err)
			}
			previousSupplier.CurrentBalance = money.Float(money.D(previousSupplier.CurrentBalance).Sub(oldOwed))
			previousSupplier.UpdatedAt = now
			if err := store.Save(ctx, tx, store.CollectionSuppliers, previousSupplier.ID, previousSupplier); err != nil {
				return err
			}
			supplier.CurrentBalance = money.Float(money.D(supplier.CurrentBalance).Add(newOwed))
		}
		supplier.UpdatedAt = now

		cashBack := money.D(old.AmountPaid).Sub(paid)
		paidDelta = money.Float(cashBack.Neg())
		settings.CurrentBusinessCash = money.Float(money.D(settings.CurrentBusinessCash).Add(cashBack))

		updated = old
		updated.SupplierID = supplier.ID
		updated.SupplierName = supplier.Name
		updated.InvoiceNumber = strings.TrimSpace(req.InvoiceNumber)
		updated.Items = items
		updated.SubTotal = money.Float(subTotal)
		updated.TaxAmount = money.Round(req.TaxAmount)
		updated.GrandTotal = money.Float(grandTotal)
		updated.AmountPaid = money.Float(paid)
		updated.PaymentStatus = derivePaymentStatus(grandTotal, paid)
		updated.Notes = strings.TrimSpace(req.Notes)
		if req.InvoiceDate != nil {
			updated.InvoiceDate = req.InvoiceDate.UTC()
		}
		updated.UpdatedAt = now

		if err := store.Save(ctx, tx, store.CollectionPurchases, updated.ID, updated); err != nil {
			return err
		}
		if err := store.Save(ctx, tx, store.CollectionSuppliers, supplier.ID, supplier); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.PurchaseInvoice{}, store.Wrap("updatePurchaseInvoice", store.Path(store.CollectionPurchases, invoiceID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("purchase-update-audit", func(ctx context.Context) error {
		s.logStockChanges(ctx, accountID, actor, changes, fmt.Sprintf("updated purchase #%d", updated.NumericPurchaseID))
		s.logActivity(ctx, accountID, domain.ActivityPurchaseUpdated, actor,
			fmt.Sprintf("Purchase #%d updated, total %s, paid %s", updated.NumericPurchaseID,
				money.Format(updated.GrandTotal, currencyCode), money.Format(updated.AmountPaid, currencyCode)),
			map[string]any{"purchase_id": updated.ID, "payment_status": string(updated.PaymentStatus)})
		return nil
	})
	if paidDelta != 0 {
		s.runDeferred("purchase-update-ledger", func(ctx context.Context) error {
			return s.recordLedger(ctx, accountID, s.newLedgerEntry(domain.LedgerPurchasePayment, -paidDelta, updated.ID,
				fmt.Sprintf("Payment change for purchase #%d", updated.NumericPurchaseID)))
		})
	}
	return updated, nil
}

func (s *Service) logStockChanges(ctx context.Context, accountID string, actor string, changes []stockChange, source string) {
	for _, change := range changes {
		details := map[string]any{"product_id": change.product.ID, "delta": change.delta, "stock": change.product.Stock}
		switch {
		case change.created:
			s.logActivity(ctx, accountID, domain.ActivityProductCreated, actor,
				fmt.Sprintf("Product %s (%s) created with stock %d from %s", change.product.Name, change.product.ProductCode, change.delta, source),
				details)
		case change.delta > 0:
			s.logActivity(ctx, accountID, domain.ActivityStockIncreased, actor,
				fmt.Sprintf("Stock of %s increased by %d from %s", change.product.Name, change.delta, source), details)
		default:
			s.logActivity(ctx, accountID, domain.ActivityStockDecreased, actor,
				fmt.Sprintf("Stock of %s decreased by %d from %s", change.product.Name, -change.delta, source), details)
		}
	}
}

func (s *Service) GetPurchaseInvoice(ctx context.Context, accountID string, invoiceID string) (domain.PurchaseInvoice, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.PurchaseInvoice{}, err
	}
	invoice, err := store.Load[domain.PurchaseInvoice](ctx, s.docs.Scope(accountID), store.CollectionPurchases, invoiceID)
	if err != nil {
		return domain.PurchaseInvoice{}, store.Wrap("getPurchaseInvoice", store.Path(store.CollectionPurchases, invoiceID), err)
	}
	return invoice, nil
}

// ListPurchaseInvoices returns the newest invoices first.
func (s *Service) ListPurchaseInvoices(ctx context.Context, accountID string, limit int) ([]domain.PurchaseInvoice, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	invoices, err := store.Find[domain.PurchaseInvoice](ctx, s.docs.Scope(accountID), store.Query{
		Collection: store.CollectionPurchases,
		OrderBy:    "numeric_purchase_id",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, store.Wrap("listPurchaseInvoices", string(store.CollectionPurchases), err)
	}
	return invoices, nil
}
