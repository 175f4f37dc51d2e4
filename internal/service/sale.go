package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/money"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

// phoneLike matches a typed customer value made only of digits, spaces and
// hyphens that starts and ends with a digit.
var phoneLike = regexp.MustCompile(`^[0-9](?:[0-9 \-]*[0-9])?$`)

const cashCustomerName = "Cash"

type pricedLines struct {
	items    []domain.SaleItem
	subTotal decimal.Decimal
	discount decimal.Decimal
}

func priceLines(items []domain.SaleItem, discountAmount float64) (pricedLines, error) {
	if len(items) == 0 {
		return pricedLines{}, store.Invalid("items", "must not be empty")
	}
	if discountAmount < 0 {
		return pricedLines{}, store.Invalid("discount_amount", "must not be negative")
	}
	out := pricedLines{items: make([]domain.SaleItem, 0, len(items)), subTotal: decimal.Zero}
	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)
		if item.Quantity <= 0 {
			return pricedLines{}, store.Invalid(field+".quantity", "must be positive")
		}
		if item.UnitPrice <= 0 {
			return pricedLines{}, store.Invalid(field+".unit_price", "must be positive")
		}
		switch ref := item.Ref.(type) {
		case domain.InventoryLine:
			if strings.TrimSpace(ref.ProductID) == "" {
				return pricedLines{}, store.Invalid(field+".product_id", "is required")
			}
		case domain.ManualLine:
			if strings.TrimSpace(item.Name) == "" {
				item.Name = strings.TrimSpace(ref.Description)
			}
		default:
			return pricedLines{}, store.Invalid(field+".line", "must be an inventory or manual line")
		}
		item.UnitPrice = money.Round(item.UnitPrice)
		line := money.Line(item.Quantity, item.UnitPrice)
		item.LineTotal = money.Float(line)
		out.subTotal = out.subTotal.Add(line)
		out.items = append(out.items, item)
	}
	// Discounts larger than the subtotal are clamped so the grand total floors at zero.
	out.discount = decimal.Min(money.D(discountAmount), out.subTotal)
	return out, nil
}

func normalizeSaleRequest(req domain.SaleRequest) (domain.SaleRequest, pricedLines, error) {
	switch req.SaleType {
	case "":
		req.SaleType = domain.SaleTypeRegular
	case domain.SaleTypeRegular, domain.SaleTypeInstant:
	default:
		return req, pricedLines{}, store.Invalid("sale_type", "must be REGULAR or INSTANT")
	}
	priced, err := priceLines(req.Items, req.DiscountAmount)
	if err != nil {
		return req, pricedLines{}, err
	}
	req.Items = priced.items
	req.DiscountAmount = money.Float(priced.discount)
	return req, priced, nil
}

// requestedStock sums the quantities per product across inventory lines.
func requestedStock(items []domain.SaleItem) (map[string]int, []string) {
	qty := make(map[string]int)
	order := make([]string, 0, len(items))
	for _, item := range items {
		ref, ok := item.Ref.(domain.InventoryLine)
		if !ok {
			continue
		}
		if _, seen := qty[ref.ProductID]; !seen {
			order = append(order, ref.ProductID)
		}
		qty[ref.ProductID] += item.Quantity
	}
	return qty, order
}

// ProcessSale commits the stock decrement, the numeric sale id and the sale
// document atomically. Cash, ledger, customer auto-creation and the audit
// trail follow on the deferred queue.
func (s *Service) ProcessSale(ctx context.Context, accountID string, req domain.SaleRequest) (domain.Sale, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Sale{}, err
	}
	req, priced, err := normalizeSaleRequest(req)
	if err != nil {
		return domain.Sale{}, err
	}

	settings, err := s.GetSettings(ctx, accountID)
	if err != nil {
		return domain.Sale{}, err
	}
	customerID, customerName, err := s.resolveCustomer(ctx, accountID, req.CustomerID, req.CustomerName, settings.WalkInCustomerName)
	if err != nil {
		return domain.Sale{}, err
	}

	grandTotal := money.NonNegative(priced.subTotal.Sub(priced.discount))
	saleID := xid.New("sale")
	var sale domain.Sale
	var currencyCode string

	err = s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		currencyCode = settings.Currency

		requested, order := requestedStock(req.Items)
		products, err := loadProductsTx(ctx, tx, order, false)
		if err != nil {
			return err
		}
		for _, id := range order {
			if available := products[id].Stock; requested[id] > available {
				return &store.StockError{ProductID: id, Requested: requested[id], Available: available}
			}
		}

		now := s.now()
		items := make([]domain.SaleItem, len(req.Items))
		cogs := decimal.Zero
		for i, item := range req.Items {
			if ref, ok := item.Ref.(domain.InventoryLine); ok {
				product := products[ref.ProductID]
				item.Ref = domain.InventoryLine{ProductID: product.ID, ProductCode: product.ProductCode}
				item.CostPrice = product.CostPrice
				if strings.TrimSpace(item.Name) == "" {
					item.Name = product.Name
				}
				cogs = cogs.Add(money.Line(item.Quantity, product.CostPrice))
			}
			items[i] = item
		}
		for _, id := range order {
			product := products[id]
			product.Stock -= requested[id]
			product.LastUpdated = now
			if err := store.Save(ctx, tx, store.CollectionProducts, product.ID, product); err != nil {
				return err
			}
		}

		settings.LastSaleNumericID++
		sale = domain.Sale{
			ID:                 saleID,
			NumericSaleID:      settings.LastSaleNumericID,
			SaleType:           req.SaleType,
			CustomerID:         customerID,
			CustomerName:       customerName,
			Items:              items,
			SubTotal:           money.Float(priced.subTotal),
			DiscountAmount:     money.Float(priced.discount),
			GrandTotal:         money.Float(grandTotal),
			EstimatedTotalCOGS: money.Float(cogs),
			SaleDate:           now,
		}
		if err := store.Save(ctx, tx, store.CollectionSales, sale.ID, sale); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.Sale{}, store.Wrap("processSale", store.Path(store.CollectionSales, saleID), err)
	}

	s.scheduleSaleBookkeeping(accountID, actorName(ctx), sale, currencyCode)
	return sale, nil
}

func (s *Service) scheduleSaleBookkeeping(accountID string, actor string, sale domain.Sale, currencyCode string) {
	if sale.CustomerID == "" {
		s.runDeferred("sale-customer", func(ctx context.Context) error {
			return s.attachNewCustomer(ctx, accountID, actor, sale)
		})
	}
	s.runDeferred("sale-cash", func(ctx context.Context) error {
		return s.adjustCash(ctx, accountID, sale.GrandTotal)
	})
	if sale.GrandTotal > 0 {
		s.runDeferred("sale-ledger", func(ctx context.Context) error {
			return s.recordLedger(ctx, accountID, s.newLedgerEntry(domain.LedgerSaleIncome, sale.GrandTotal, sale.ID,
				fmt.Sprintf("Sale #%d", sale.NumericSaleID)))
		})
	}
	s.runDeferred("sale-audit", func(ctx context.Context) error {
		for _, item := range sale.Items {
			ref, ok := item.Ref.(domain.InventoryLine)
			if !ok {
				continue
			}
			s.logActivity(ctx, accountID, domain.ActivityStockDecreased, actor,
				fmt.Sprintf("Stock of %s decreased by %d for sale #%d", item.Name, item.Quantity, sale.NumericSaleID),
				map[string]any{"product_id": ref.ProductID, "quantity": item.Quantity, "sale_id": sale.ID})
		}
		s.logActivity(ctx, accountID, domain.ActivitySaleRecorded, actor,
			fmt.Sprintf("Sale #%d recorded for %s, total %s", sale.NumericSaleID, sale.CustomerName,
				money.Format(sale.GrandTotal, currencyCode)),
			map[string]any{
				"sale_id":     sale.ID,
				"sale_type":   string(sale.SaleType),
				"grand_total": sale.GrandTotal,
				"items":       len(sale.Items),
			})
		return nil
	})
}

// attachNewCustomer links the committed sale to the customer typed at
// checkout, creating that customer unless an earlier sale already did. A
// phone-number-only entry becomes a "Cash" customer with that phone and is
// matched by phone; anything else is matched by name.
func (s *Service) attachNewCustomer(ctx context.Context, accountID string, actor string, sale domain.Sale) error {
	name, phone := sale.CustomerName, ""
	if phoneLike.MatchString(name) {
		name, phone = cashCustomerName, name
	}

	var customer domain.Customer
	var created bool
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		existing, err := store.LoadAll[domain.Customer](ctx, tx, store.CollectionCustomers)
		if err != nil {
			return err
		}
		customer, created = domain.Customer{}, false
		for _, c := range existing {
			if sameCustomer(c, name, phone) {
				customer = c
				break
			}
		}
		if customer.ID == "" {
			customer = domain.Customer{ID: xid.New("cus"), Name: name, Phone: phone, JoinedDate: s.now()}
			created = true
			if err := store.Save(ctx, tx, store.CollectionCustomers, customer.ID, customer); err != nil {
				return err
			}
		}

		current, err := store.Load[domain.Sale](ctx, tx, store.CollectionSales, sale.ID)
		if err != nil {
			return err
		}
		current.CustomerID = customer.ID
		current.CustomerName = customer.Name
		return store.Save(ctx, tx, store.CollectionSales, current.ID, current)
	})
	if err != nil {
		return store.Wrap("linkSaleCustomer", store.Path(store.CollectionSales, sale.ID), err)
	}
	if created {
		s.logActivity(ctx, accountID, domain.ActivityCustomerCreated, actor,
			fmt.Sprintf("Customer %s created from sale #%d", customer.Name, sale.NumericSaleID),
			map[string]any{"customer_id": customer.ID, "sale_id": sale.ID})
	}
	return nil
}

func sameCustomer(c domain.Customer, name string, phone string) bool {
	if phone != "" {
		return phoneDigits(c.Phone) == phoneDigits(phone)
	}
	return normalizeKey(c.Name) == normalizeKey(name)
}

func phoneDigits(phone string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
}

func (s *Service) GetSale(ctx context.Context, accountID string, saleID string) (domain.Sale, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Sale{}, err
	}
	sale, err := store.Load[domain.Sale](ctx, s.docs.Scope(accountID), store.CollectionSales, saleID)
	if err != nil {
		return domain.Sale{}, store.Wrap("getSale", store.Path(store.CollectionSales, saleID), err)
	}
	return sale, nil
}

// ListSales returns the newest sales first.
func (s *Service) ListSales(ctx context.Context, accountID string, limit int) ([]domain.Sale, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	sales, err := store.Find[domain.Sale](ctx, s.docs.Scope(accountID), store.Query{
		Collection: store.CollectionSales,
		OrderBy:    "numeric_sale_id",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, store.Wrap("listSales", string(store.CollectionSales), err)
	}
	return sales, nil
}

// CreateQuotation stores a priced offer under the next quotation number. It
// has no stock or cash effect.
func (s *Service) CreateQuotation(ctx context.Context, accountID string, req domain.QuotationRequest) (domain.Quotation, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Quotation{}, err
	}
	priced, err := priceLines(req.Items, req.DiscountAmount)
	if err != nil {
		return domain.Quotation{}, err
	}

	quotation := domain.Quotation{
		ID:             xid.New("quo"),
		CustomerName:   strings.TrimSpace(req.CustomerName),
		Items:          priced.items,
		SubTotal:       money.Float(priced.subTotal),
		DiscountAmount: money.Float(priced.discount),
		GrandTotal:     money.Float(money.NonNegative(priced.subTotal.Sub(priced.discount))),
		ValidUntil:     req.ValidUntil,
	}
	err = s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		settings.LastQuotationNumericID++
		quotation.NumericQuotationID = settings.LastQuotationNumericID
		quotation.CreatedAt = s.now()
		if err := store.Save(ctx, tx, store.CollectionQuotations, quotation.ID, quotation); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.Quotation{}, store.Wrap("createQuotation", store.Path(store.CollectionQuotations, quotation.ID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("quotation-audit", func(ctx context.Context) error {
		s.logActivity(ctx, accountID, domain.ActivityQuotationCreated, actor,
			fmt.Sprintf("Quotation #%d created, total %s", quotation.NumericQuotationID,
				money.Format(quotation.GrandTotal, s.currency(ctx, accountID))),
			map[string]any{"quotation_id": quotation.ID})
		return nil
	})
	return quotation, nil
}

func (s *Service) ListQuotations(ctx context.Context, accountID string, limit int) ([]domain.Quotation, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	quotations, err := store.Find[domain.Quotation](ctx, s.docs.Scope(accountID), store.Query{
		Collection: store.CollectionQuotations,
		OrderBy:    "numeric_quotation_id",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, store.Wrap("listQuotations", string(store.CollectionQuotations), err)
	}
	return quotations, nil
}
