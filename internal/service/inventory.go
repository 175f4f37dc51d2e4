package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/money"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

func validateProductRequest(req domain.ProductCreateRequest) error {
	if strings.TrimSpace(req.ProductCode) == "" {
		return store.Invalid("product_code", "is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return store.Invalid("name", "is required")
	}
	if req.Price <= 0 {
		return store.Invalid("price", "must be positive")
	}
	if req.CostPrice < 0 {
		return store.Invalid("cost_price", "must not be negative")
	}
	if req.Stock < 0 {
		return store.Invalid("stock", "must not be negative")
	}
	if req.DiscountPercentage < 0 || req.DiscountPercentage > 100 {
		return store.Invalid("discount_percentage", "must be between 0 and 100")
	}
	return nil
}

// productCodeTaken reports whether another product already uses code.
func productCodeTaken(ctx context.Context, d store.Docs, code string) (bool, error) {
	existing, err := d.Query(ctx, store.Query{
		Collection: store.CollectionProducts,
		Filters:    []store.Filter{store.Eq("product_code", code)},
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	return len(existing) > 0, nil
}

func (s *Service) AddProduct(ctx context.Context, accountID string, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Product{}, err
	}
	if err := validateProductRequest(req); err != nil {
		return domain.Product{}, err
	}

	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = domain.UncategorizedCategory
	}
	product := domain.Product{
		ID:                 xid.New("prd"),
		ProductCode:        strings.TrimSpace(req.ProductCode),
		Name:               strings.TrimSpace(req.Name),
		Price:              money.Round(req.Price),
		CostPrice:          money.Round(req.CostPrice),
		Stock:              req.Stock,
		DiscountPercentage: req.DiscountPercentage,
		Category:           category,
	}

	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		taken, err := productCodeTaken(ctx, tx, product.ProductCode)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: product code %s", store.ErrDuplicateKey, product.ProductCode)
		}
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		settings.TotalProducts++
		ensureCategory(&settings, category)

		product.LastUpdated = s.now()
		if err := store.Save(ctx, tx, store.CollectionProducts, product.ID, product); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.Product{}, store.Wrap("addProduct", store.Path(store.CollectionProducts, product.ID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("product-created-audit", func(ctx context.Context) error {
		s.logActivity(ctx, accountID, domain.ActivityProductCreated, actor,
			fmt.Sprintf("Product %s (%s) created with stock %d", product.Name, product.ProductCode, product.Stock),
			map[string]any{"product_id": product.ID, "stock": product.Stock})
		return nil
	})
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, accountID string, productID string) (domain.Product, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Product{}, err
	}
	product, err := store.Load[domain.Product](ctx, s.docs.Scope(accountID), store.CollectionProducts, productID)
	if err != nil {
		return domain.Product{}, store.Wrap("getProduct", store.Path(store.CollectionProducts, productID), err)
	}
	return product, nil
}

func (s *Service) ListProducts(ctx context.Context, accountID string) ([]domain.Product, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	products, err := store.LoadAll[domain.Product](ctx, s.docs.Scope(accountID), store.CollectionProducts)
	if err != nil {
		return nil, store.Wrap("listProducts", string(store.CollectionProducts), err)
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].ProductCode < products[j].ProductCode
	})
	return products, nil
}

// ListLowStockProducts returns products at or below the configured threshold,
// lowest stock first.
func (s *Service) ListLowStockProducts(ctx context.Context, accountID string) ([]domain.Product, error) {
	settings, err := s.GetSettings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	products, err := s.ListProducts(ctx, accountID)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0)
	for _, p := range products {
		if p.Stock <= settings.LowStockThreshold {
			low = append(low, p)
		}
	}
	sort.SliceStable(low, func(i, j int) bool { return low[i].Stock < low[j].Stock })
	return low, nil
}

// AdjustStock applies a manual stock correction. A correction that would take
// stock below zero is rejected rather than clamped.
func (s *Service) AdjustStock(ctx context.Context, accountID string, productID string, req domain.StockAdjustmentRequest) (domain.Product, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Product{}, err
	}
	if req.Delta == 0 {
		return domain.Product{}, store.Invalid("delta", "must not be zero")
	}

	var updated domain.Product
	var before int
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		product, err := store.Load[domain.Product](ctx, tx, store.CollectionProducts, productID)
		if err != nil {
			return err
		}
		before = product.Stock
		next := product.Stock + req.Delta
		if next < 0 {
			return &store.StockError{ProductID: productID, Requested: -req.Delta, Available: product.Stock}
		}
		product.Stock = next
		product.LastUpdated = s.now()
		updated = product
		return store.Save(ctx, tx, store.CollectionProducts, product.ID, product)
	})
	if err != nil {
		return domain.Product{}, store.Wrap("adjustStock", store.Path(store.CollectionProducts, productID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("stock-adjusted-audit", func(ctx context.Context) error {
		s.logActivity(ctx, accountID, domain.ActivityStockAdjusted, actor,
			fmt.Sprintf("Stock of %s adjusted from %d to %d", updated.Name, before, updated.Stock),
			map[string]any{"product_id": productID, "delta": req.Delta, "reason": strings.TrimSpace(req.Reason)})
		return nil
	})
	return updated, nil
}

// DeleteProduct removes a product. With creditStockValue the remaining stock
// valued at cost is credited to cash in the same transaction.
func (s *Service) DeleteProduct(ctx context.Context, accountID string, productID string, creditStockValue bool) error {
	if err := requireAccount(accountID); err != nil {
		return err
	}

	var removed domain.Product
	var credited float64
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		credited = 0
		product, err := store.Load[domain.Product](ctx, tx, store.CollectionProducts, productID)
		if err != nil {
			return err
		}
		removed = product

		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		if settings.TotalProducts > 0 {
			settings.TotalProducts--
		}

		if creditStockValue {
			value := money.Float(money.Line(product.Stock, product.CostPrice))
			if value > 0 {
				credited = value
				settings.CurrentBusinessCash = money.Add(settings.CurrentBusinessCash, value)
				entry := s.newLedgerEntry(domain.LedgerStockAdjustmentCredit, value, product.ID,
					fmt.Sprintf("Stock value credit for deleted product %s", product.ProductCode))
				if err := saveLedgerEntry(ctx, tx, entry); err != nil {
					return err
				}
			}
		}

		if err := tx.Delete(ctx, store.CollectionProducts, product.ID); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return store.Wrap("deleteProduct", store.Path(store.CollectionProducts, productID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("product-deleted-audit", func(ctx context.Context) error {
		description := fmt.Sprintf("Product %s (%s) deleted", removed.Name, removed.ProductCode)
		if credited > 0 {
			description += ", stock value " + money.Format(credited, s.currency(ctx, accountID)) + " credited to cash"
		}
		s.logActivity(ctx, accountID, domain.ActivityProductDeleted, actor, description,
			map[string]any{"product_id": removed.ID, "stock": removed.Stock, "credited": credited})
		return nil
	})
	return nil
}

// loadProductsTx reads every product referenced by ids. Missing products are
// reported through the returned error unless allowMissing is set.
func loadProductsTx(ctx context.Context, tx store.Docs, ids []string, allowMissing bool) (map[string]domain.Product, error) {
	products := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if _, seen := products[id]; seen {
			continue
		}
		product, err := store.Load[domain.Product](ctx, tx, store.CollectionProducts, id)
		if errors.Is(err, store.ErrNotFound) && allowMissing {
			continue
		}
		if err != nil {
			return nil, store.Wrap("loadProduct", store.Path(store.CollectionProducts, id), err)
		}
		products[id] = product
	}
	return products, nil
}
