package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/export"
	"tokoku/backend/internal/money"
	"tokoku/backend/internal/store"
)

// AdjustCash records a manual change to the running cash balance together with
// its ledger entry.
func (s *Service) AdjustCash(ctx context.Context, accountID string, req domain.CashAdjustmentRequest) (domain.BusinessTransaction, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.BusinessTransaction{}, err
	}
	amount := money.Round(req.Amount)
	if amount == 0 {
		return domain.BusinessTransaction{}, store.Invalid("amount", "must not be zero")
	}
	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		notes = "Manual cash adjustment"
	}

	var entry domain.BusinessTransaction
	var balance float64
	var currencyCode string
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		currencyCode = settings.Currency
		settings.CurrentBusinessCash = money.Add(settings.CurrentBusinessCash, amount)
		balance = settings.CurrentBusinessCash
		entry = s.newLedgerEntry(domain.LedgerManualAdjustment, amount, "", notes)
		if err := saveLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		return s.saveSettingsTx(ctx, tx, settings)
	})
	if err != nil {
		return domain.BusinessTransaction{}, store.Wrap("adjustCash", store.Path(store.CollectionSettings, domain.SettingsDocumentID), err)
	}

	actor := actorName(ctx)
	s.runDeferred("cash-adjusted-audit", func(ctx context.Context) error {
		s.logActivity(ctx, accountID, domain.ActivityCashAdjusted, actor,
			fmt.Sprintf("Cash adjusted by %s, balance now %s", money.Format(amount, currencyCode), money.Format(balance, currencyCode)),
			map[string]any{"transaction_id": entry.ID, "amount": amount, "notes": notes})
		return nil
	})
	return entry, nil
}

// ListBusinessTransactions returns ledger entries newest first.
func (s *Service) ListBusinessTransactions(ctx context.Context, accountID string, limit int) ([]domain.BusinessTransaction, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	entries, err := store.LoadAll[domain.BusinessTransaction](ctx, s.docs.Scope(accountID), store.CollectionTransactions)
	if err != nil {
		return nil, store.Wrap("listBusinessTransactions", string(store.CollectionTransactions), err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Date.After(entries[j].Date) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ListActivity returns audit entries newest first.
func (s *Service) ListActivity(ctx context.Context, accountID string, limit int) ([]domain.ActivityLogEntry, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	entries, err := store.LoadAll[domain.ActivityLogEntry](ctx, s.docs.Scope(accountID), store.CollectionActivity)
	if err != nil {
		return nil, store.Wrap("listActivity", string(store.CollectionActivity), err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ReconcileCash compares the sum of every ledger entry with the stored running
// cash balance. The two converge once deferred bookkeeping has drained.
func (s *Service) ReconcileCash(ctx context.Context, accountID string) (domain.CashReconciliation, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.CashReconciliation{}, err
	}
	var result domain.CashReconciliation
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		entries, err := store.LoadAll[domain.BusinessTransaction](ctx, tx, store.CollectionTransactions)
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, e := range entries {
			total = total.Add(money.D(e.Amount))
		}
		diff := money.D(settings.CurrentBusinessCash).Sub(total)
		result = domain.CashReconciliation{
			LedgerTotal: money.Float(total),
			CashBalance: settings.CurrentBusinessCash,
			Difference:  money.Float(diff),
			Balanced:    diff.Abs().LessThan(balanceTolerance),
			Entries:     len(entries),
			CheckedAt:   s.now(),
		}
		return nil
	})
	if err != nil {
		return domain.CashReconciliation{}, store.Wrap("reconcileCash", string(store.CollectionTransactions), err)
	}
	return result, nil
}

// ExportLedgerWorkbook writes the ledger and activity log as an XLSX workbook.
func (s *Service) ExportLedgerWorkbook(ctx context.Context, accountID string, w io.Writer) error {
	entries, err := s.ListBusinessTransactions(ctx, accountID, 0)
	if err != nil {
		return err
	}
	activity, err := s.ListActivity(ctx, accountID, 0)
	if err != nil {
		return err
	}
	return export.WriteLedgerWorkbook(w, s.currency(ctx, accountID), entries, activity)
}
