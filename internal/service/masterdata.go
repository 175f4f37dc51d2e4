package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/money"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

func (s *Service) CreateCustomer(ctx context.Context, accountID string, req domain.CustomerCreateRequest) (domain.Customer, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Customer{}, err
	}
	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	if name == "" {
		return domain.Customer{}, store.Invalid("name", "is required")
	}
	if phone == "" {
		return domain.Customer{}, store.Invalid("phone", "is required")
	}

	customer := domain.Customer{
		ID:         xid.New("cus"),
		Name:       name,
		Phone:      phone,
		Email:      strings.TrimSpace(req.Email),
		Address:    strings.TrimSpace(req.Address),
		JoinedDate: s.now(),
	}
	if err := store.Save(ctx, s.docs.Scope(accountID), store.CollectionCustomers, customer.ID, customer); err != nil {
		return domain.Customer{}, store.Wrap("createCustomer", store.Path(store.CollectionCustomers, customer.ID), err)
	}
	s.logActivity(ctx, accountID, domain.ActivityCustomerCreated, actorName(ctx),
		"Customer "+customer.Name+" created", map[string]any{"customer_id": customer.ID})
	return customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, accountID string) ([]domain.Customer, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	customers, err := store.LoadAll[domain.Customer](ctx, s.docs.Scope(accountID), store.CollectionCustomers)
	if err != nil {
		return nil, store.Wrap("listCustomers", string(store.CollectionCustomers), err)
	}
	sort.Slice(customers, func(i, j int) bool {
		return normalizeKey(customers[i].Name) < normalizeKey(customers[j].Name)
	})
	return customers, nil
}

// FindCustomerByName matches a customer name case-insensitively.
func (s *Service) FindCustomerByName(ctx context.Context, accountID string, name string) (domain.Customer, error) {
	customers, err := s.ListCustomers(ctx, accountID)
	if err != nil {
		return domain.Customer{}, err
	}
	want := normalizeKey(name)
	for _, c := range customers {
		if normalizeKey(c.Name) == want {
			return c, nil
		}
	}
	return domain.Customer{}, store.Wrap("findCustomer", name, store.ErrNotFound)
}

func (s *Service) DeleteCustomer(ctx context.Context, accountID string, customerID string) error {
	if err := requireAccount(accountID); err != nil {
		return err
	}
	if customerID == domain.WalkInCustomerID {
		return store.Invalid("customer_id", "walk-in customer cannot be deleted")
	}
	path := store.Path(store.CollectionCustomers, customerID)
	var removed domain.Customer
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		customer, err := store.Load[domain.Customer](ctx, tx, store.CollectionCustomers, customerID)
		if err != nil {
			return err
		}
		removed = customer
		return tx.Delete(ctx, store.CollectionCustomers, customerID)
	})
	if err != nil {
		return store.Wrap("deleteCustomer", path, err)
	}
	s.logActivity(ctx, accountID, domain.ActivityCustomerDeleted, actorName(ctx),
		"Customer "+removed.Name+" deleted", map[string]any{"customer_id": customerID})
	return nil
}

func (s *Service) CreateSupplier(ctx context.Context, accountID string, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Supplier{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Supplier{}, store.Invalid("name", "is required")
	}
	if req.OpeningBalance < 0 {
		return domain.Supplier{}, store.Invalid("opening_balance", "must not be negative")
	}
	balanceType := req.OpeningBalanceType
	switch balanceType {
	case "":
		balanceType = domain.OpeningBalancePayable
	case domain.OpeningBalancePayable, domain.OpeningBalanceReceivable:
	default:
		return domain.Supplier{}, store.Invalid("opening_balance_type", "must be payable or receivable")
	}

	now := s.now()
	supplier := domain.Supplier{
		ID:                 xid.New("sup"),
		Name:               name,
		CompanyName:        strings.TrimSpace(req.CompanyName),
		Phone:              strings.TrimSpace(req.Phone),
		OpeningBalance:     money.Round(req.OpeningBalance),
		OpeningBalanceType: balanceType,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	supplier.CurrentBalance = money.Round(supplier.OpeningSeed())

	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		settings.TotalSuppliers++
		if err := store.Save(ctx, tx, store.CollectionSuppliers, supplier.ID, supplier); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.Supplier{}, store.Wrap("createSupplier", store.Path(store.CollectionSuppliers, supplier.ID), err)
	}

	s.logActivity(ctx, accountID, domain.ActivitySupplierCreated, actorName(ctx),
		"Supplier "+supplier.Name+" created", map[string]any{
			"supplier_id":     supplier.ID,
			"opening_balance": supplier.OpeningBalance,
			"balance_type":    string(supplier.OpeningBalanceType),
		})
	return supplier, nil
}

func (s *Service) GetSupplier(ctx context.Context, accountID string, supplierID string) (domain.Supplier, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.Supplier{}, err
	}
	supplier, err := store.Load[domain.Supplier](ctx, s.docs.Scope(accountID), store.CollectionSuppliers, supplierID)
	if err != nil {
		return domain.Supplier{}, store.Wrap("getSupplier", store.Path(store.CollectionSuppliers, supplierID), err)
	}
	return supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context, accountID string) ([]domain.Supplier, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	suppliers, err := store.LoadAll[domain.Supplier](ctx, s.docs.Scope(accountID), store.CollectionSuppliers)
	if err != nil {
		return nil, store.Wrap("listSuppliers", string(store.CollectionSuppliers), err)
	}
	sort.Slice(suppliers, func(i, j int) bool {
		return normalizeKey(suppliers[i].Name) < normalizeKey(suppliers[j].Name)
	})
	return suppliers, nil
}

// ListOutstandingPurchases returns the supplier's unpaid and partially paid
// invoices, oldest first.
func (s *Service) ListOutstandingPurchases(ctx context.Context, accountID string, supplierID string) ([]domain.PurchaseInvoice, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	invoices, err := store.Find[domain.PurchaseInvoice](ctx, s.docs.Scope(accountID), store.Query{
		Collection: store.CollectionPurchases,
		Filters: []store.Filter{
			store.Eq("supplier_id", supplierID),
			{Field: "payment_status", In: []string{string(domain.PaymentStatusUnpaid), string(domain.PaymentStatusPartiallyPaid)}},
		},
		OrderBy: "numeric_purchase_id",
	})
	if err != nil {
		return nil, store.Wrap("listOutstandingPurchases", supplierID, err)
	}
	return invoices, nil
}

// RecordSupplierPayment pays down a supplier balance from business cash.
func (s *Service) RecordSupplierPayment(ctx context.Context, accountID string, supplierID string, req domain.SupplierPaymentRequest) (domain.SupplierPayment, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.SupplierPayment{}, err
	}
	if req.Amount <= 0 {
		return domain.SupplierPayment{}, store.Invalid("amount", "must be positive")
	}

	payment := domain.SupplierPayment{
		ID:         xid.New("spay"),
		SupplierID: supplierID,
		Amount:     money.Round(req.Amount),
		Notes:      strings.TrimSpace(req.Notes),
	}
	var supplier domain.Supplier
	var previousBalance float64
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		var err error
		supplier, err = store.Load[domain.Supplier](ctx, tx, store.CollectionSuppliers, supplierID)
		if err != nil {
			return err
		}
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}

		now := s.now()
		previousBalance = supplier.CurrentBalance
		supplier.CurrentBalance = money.Sub(supplier.CurrentBalance, payment.Amount)
		supplier.UpdatedAt = now
		settings.CurrentBusinessCash = money.Sub(settings.CurrentBusinessCash, payment.Amount)
		payment.PaidAt = now

		if err := store.Save(ctx, tx, store.CollectionSuppliers, supplier.ID, supplier); err != nil {
			return err
		}
		if err := store.Save(ctx, tx, store.CollectionSupplierPayments, payment.ID, payment); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.SupplierPayment{}, store.Wrap("recordSupplierPayment", store.Path(store.CollectionSuppliers, supplierID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("supplier-payment-bookkeeping", func(ctx context.Context) error {
		code := s.currency(ctx, accountID)
		s.logActivity(ctx, accountID, domain.ActivitySupplierPayment, actor,
			fmt.Sprintf("Paid %s to supplier %s", money.Format(payment.Amount, code), supplier.Name),
			map[string]any{"supplier_id": supplierID, "payment_id": payment.ID, "amount": payment.Amount})
		s.logActivity(ctx, accountID, domain.ActivitySupplierBalanceChanged, actor,
			fmt.Sprintf("Balance for %s changed from %s to %s", supplier.Name,
				money.Format(previousBalance, code), money.Format(supplier.CurrentBalance, code)),
			map[string]any{"supplier_id": supplierID, "previous": previousBalance, "current": supplier.CurrentBalance})
		return s.recordLedger(ctx, accountID, s.newLedgerEntry(domain.LedgerSupplierPayment, -payment.Amount, payment.ID,
			"Payment to supplier "+supplier.Name))
	})
	return payment, nil
}

// ReconcileSupplier recomputes a supplier's balance from its opening balance,
// invoices and payments and compares it with the stored balance.
func (s *Service) ReconcileSupplier(ctx context.Context, accountID string, supplierID string) (domain.SupplierReconciliation, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.SupplierReconciliation{}, err
	}
	docs := s.docs.Scope(accountID)
	supplier, err := store.Load[domain.Supplier](ctx, docs, store.CollectionSuppliers, supplierID)
	if err != nil {
		return domain.SupplierReconciliation{}, store.Wrap("reconcileSupplier", store.Path(store.CollectionSuppliers, supplierID), err)
	}
	bySupplier := []store.Filter{store.Eq("supplier_id", supplierID)}
	invoices, err := store.Find[domain.PurchaseInvoice](ctx, docs, store.Query{Collection: store.CollectionPurchases, Filters: bySupplier})
	if err != nil {
		return domain.SupplierReconciliation{}, store.Wrap("reconcileSupplier", string(store.CollectionPurchases), err)
	}
	payments, err := store.Find[domain.SupplierPayment](ctx, docs, store.Query{Collection: store.CollectionSupplierPayments, Filters: bySupplier})
	if err != nil {
		return domain.SupplierReconciliation{}, store.Wrap("reconcileSupplier", string(store.CollectionSupplierPayments), err)
	}

	expected := money.D(supplier.OpeningSeed())
	for _, inv := range invoices {
		expected = expected.Add(money.D(inv.GrandTotal)).Sub(money.D(inv.AmountPaid))
	}
	for _, p := range payments {
		expected = expected.Sub(money.D(p.Amount))
	}
	diff := money.D(supplier.CurrentBalance).Sub(expected)
	return domain.SupplierReconciliation{
		SupplierID: supplierID,
		Expected:   money.Float(expected),
		Actual:     supplier.CurrentBalance,
		Difference: money.Float(diff),
		Balanced:   diff.Abs().LessThan(balanceTolerance),
	}, nil
}

var balanceTolerance = decimal.RequireFromString("0.005")

// resolveCustomer maps the caller's customer reference onto a stored customer.
// An empty id means no stored customer matched and the name is free text.
func (s *Service) resolveCustomer(ctx context.Context, accountID string, customerID string, typedName string, walkInName string) (string, string, error) {
	customerID = strings.TrimSpace(customerID)
	typedName = strings.TrimSpace(typedName)

	if customerID == domain.WalkInCustomerID {
		return domain.WalkInCustomerID, walkInName, nil
	}
	if customerID != "" {
		customer, err := store.Load[domain.Customer](ctx, s.docs.Scope(accountID), store.CollectionCustomers, customerID)
		if err != nil {
			return "", "", store.Wrap("resolveCustomer", store.Path(store.CollectionCustomers, customerID), err)
		}
		return customer.ID, customer.Name, nil
	}
	if typedName == "" || strings.EqualFold(typedName, walkInName) {
		return domain.WalkInCustomerID, walkInName, nil
	}
	customer, err := s.FindCustomerByName(ctx, accountID, typedName)
	if err == nil {
		return customer.ID, customer.Name, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", typedName, nil
	}
	return "", "", err
}
