package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/money"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

func validateReturnRequest(req domain.ReturnRequest) (domain.ReturnRequest, error) {
	if len(req.Items) == 0 {
		return req, store.Invalid("items", "must not be empty")
	}
	if req.AdjustmentAmount < 0 {
		return req, store.Invalid("adjustment_amount", "must not be negative")
	}
	switch req.AdjustmentType {
	case "":
		req.AdjustmentType = domain.AdjustmentDeduct
	case domain.AdjustmentAdd, domain.AdjustmentDeduct:
	default:
		return req, store.Invalid("adjustment_type", "must be add or deduct")
	}
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.Quantity <= 0 {
			return req, store.Invalid(field+".quantity", "must be positive")
		}
		if item.OriginalUnitPrice < 0 {
			return req, store.Invalid(field+".original_unit_price", "must not be negative")
		}
		switch ref := item.Ref.(type) {
		case domain.InventoryLine:
			if strings.TrimSpace(ref.ProductID) == "" {
				return req, store.Invalid(field+".product_id", "is required")
			}
		case domain.ManualLine:
		default:
			return req, store.Invalid(field+".line", "must be an inventory or manual line")
		}
	}
	return req, nil
}

// refundFor applies the overall adjustment to the returned subtotal. A
// deduction never takes the refund below zero.
func refundFor(subtotal decimal.Decimal, amount float64, kind domain.AdjustmentType) decimal.Decimal {
	if kind == domain.AdjustmentAdd {
		return subtotal.Add(money.D(amount))
	}
	return money.NonNegative(subtotal.Sub(money.D(amount)))
}

// checkReturnableQuantities rejects a return that would take back more of a
// product than the original sale sold, counting earlier returns.
func checkReturnableQuantities(ctx context.Context, tx store.Docs, sale domain.Sale, items []domain.ReturnItem) error {
	sold := make(map[string]int)
	for _, item := range sale.Items {
		if ref, ok := item.Ref.(domain.InventoryLine); ok {
			sold[ref.ProductID] += item.Quantity
		}
	}
	earlier, err := store.Find[domain.Return](ctx, tx, store.Query{
		Collection: store.CollectionReturns,
		Filters:    []store.Filter{store.Eq("original_sale_id", sale.ID)},
	})
	if err != nil {
		return err
	}
	returned := make(map[string]int)
	for _, r := range earlier {
		for _, item := range r.Items {
			if ref, ok := item.Ref.(domain.InventoryLine); ok {
				returned[ref.ProductID] += item.Quantity
			}
		}
	}
	for _, item := range items {
		ref, ok := item.Ref.(domain.InventoryLine)
		if !ok {
			continue
		}
		returned[ref.ProductID] += item.Quantity
		if returned[ref.ProductID] > sold[ref.ProductID] {
			return store.Invalid("items", fmt.Sprintf("return quantity for %s exceeds the %d sold on sale #%d",
				ref.ProductID, sold[ref.ProductID], sale.NumericSaleID))
		}
	}
	return nil
}

// AddReturn restores stock for returned lines and pays the refund out of cash
// in one transaction. A line whose product no longer exists is recorded as
// skipped instead of failing the refund.
func (s *Service) AddReturn(ctx context.Context, accountID string, req domain.ReturnRequest) (domain.Return, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Return{}, err
	}
	req, err := validateReturnRequest(req)
	if err != nil {
		return domain.Return{}, err
	}

	subtotal := decimal.Zero
	for _, item := range req.Items {
		subtotal = subtotal.Add(money.Line(item.Quantity, item.OriginalUnitPrice))
	}
	netRefund := refundFor(subtotal, req.AdjustmentAmount, req.AdjustmentType)

	returnID := xid.New("ret")
	var record domain.Return
	var currencyCode string

	err = s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		customerName := strings.TrimSpace(req.CustomerName)
		originalSaleID := strings.TrimSpace(req.OriginalSaleID)
		if originalSaleID != "" {
			sale, err := store.Load[domain.Sale](ctx, tx, store.CollectionSales, originalSaleID)
			if err != nil {
				return store.Wrap("loadSale", store.Path(store.CollectionSales, originalSaleID), err)
			}
			if err := checkReturnableQuantities(ctx, tx, sale, req.Items); err != nil {
				return err
			}
			if customerName == "" {
				customerName = sale.CustomerName
			}
		}

		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		currencyCode = settings.Currency

		now := s.now()
		products := make(map[string]domain.Product)
		items := make([]domain.ReturnItem, len(req.Items))
		for i, item := range req.Items {
			item.OriginalUnitPrice = money.Round(item.OriginalUnitPrice)
			item.LineTotal = money.Float(money.Line(item.Quantity, item.OriginalUnitPrice))
			ref, ok := item.Ref.(domain.InventoryLine)
			if !ok {
				item.StockRestore = domain.StockNotApplicable
				items[i] = item
				continue
			}
			product, seen := products[ref.ProductID]
			if !seen {
				product, err = store.Load[domain.Product](ctx, tx, store.CollectionProducts, ref.ProductID)
				if errors.Is(err, store.ErrNotFound) {
					log.Printf("[returns] product %s missing, stock not restored for return %s", ref.ProductID, returnID)
					item.StockRestore = domain.StockSkipped
					items[i] = item
					continue
				}
				if err != nil {
					return err
				}
			}
			product.Stock += item.Quantity
			product.LastUpdated = now
			products[product.ID] = product
			if item.Name == "" {
				item.Name = product.Name
			}
			item.StockRestore = domain.StockRestored
			items[i] = item
		}
		for _, product := range products {
			if err := store.Save(ctx, tx, store.CollectionProducts, product.ID, product); err != nil {
				return err
			}
		}

		settings.LastReturnNumericID++
		record = domain.Return{
			ID:               returnID,
			NumericReturnID:  settings.LastReturnNumericID,
			OriginalSaleID:   originalSaleID,
			CustomerName:     customerName,
			Items:            items,
			SubtotalReturned: money.Float(subtotal),
			AdjustmentAmount: money.Round(req.AdjustmentAmount),
			AdjustmentType:   req.AdjustmentType,
			NetRefundAmount:  money.Float(netRefund),
			Reason:           strings.TrimSpace(req.Reason),
			ReturnDate:       now,
		}
		settings.CurrentBusinessCash = money.Float(money.D(settings.CurrentBusinessCash).Sub(netRefund))

		if err := store.Save(ctx, tx, store.CollectionReturns, record.ID, record); err != nil {
			return err
		}
		if netRefund.IsPositive() {
			entry := s.newLedgerEntry(domain.LedgerSaleReturn, -record.NetRefundAmount, record.ID,
				fmt.Sprintf("Refund for return #%d", record.NumericReturnID))
			if err := saveLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.Return{}, store.Wrap("addReturn", store.Path(store.CollectionReturns, returnID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("return-audit", func(ctx context.Context) error {
		for _, item := range record.Items {
			details := map[string]any{"return_id": record.ID, "quantity": item.Quantity, "stock_restore": string(item.StockRestore)}
			if ref, ok := item.Ref.(domain.InventoryLine); ok {
				details["product_id"] = ref.ProductID
			}
			s.logActivity(ctx, accountID, domain.ActivityReturnItem, actor,
				fmt.Sprintf("Returned %d x %s on return #%d (%s)", item.Quantity, item.Name, record.NumericReturnID, item.StockRestore),
				details)
		}
		s.logActivity(ctx, accountID, domain.ActivityReturnRecorded, actor,
			fmt.Sprintf("Return #%d recorded, refund %s", record.NumericReturnID, money.Format(record.NetRefundAmount, currencyCode)),
			map[string]any{"return_id": record.ID, "original_sale_id": record.OriginalSaleID, "net_refund": record.NetRefundAmount})
		return nil
	})
	return record, nil
}

func (s *Service) GetReturn(ctx context.Context, accountID string, returnID string) (domain.Return, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Return{}, err
	}
	record, err := store.Load[domain.Return](ctx, s.docs.Scope(accountID), store.CollectionReturns, returnID)
	if err != nil {
		return domain.Return{}, store.Wrap("getReturn", store.Path(store.CollectionReturns, returnID), err)
	}
	return record, nil
}

// ListReturns returns the newest returns first.
func (s *Service) ListReturns(ctx context.Context, accountID string, limit int) ([]domain.Return, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	records, err := store.Find[domain.Return](ctx, s.docs.Scope(accountID), store.Query{
		Collection: store.CollectionReturns,
		OrderBy:    "numeric_return_id",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, store.Wrap("listReturns", string(store.CollectionReturns), err)
	}
	return records, nil
}
