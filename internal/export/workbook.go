package export

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"tokoku/backend/internal/domain"
)

const (
	LedgerSheet   = "Ledger"
	ActivitySheet = "Activity"
)

var (
	ledgerHeader   = []any{"Date", "Type", "Amount", "Currency", "Related Document", "Notes"}
	activityHeader = []any{"Timestamp", "Type", "Actor", "Description", "Details"}
)

// WriteLedgerWorkbook renders ledger entries and the activity log as two
// sheets of an XLSX workbook. The ledger sheet ends with a total row.
func WriteLedgerWorkbook(w io.Writer, currency string, entries []domain.BusinessTransaction, activity []domain.ActivityLogEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), LedgerSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(ActivitySheet); err != nil {
		return err
	}

	if err := writeLedger(f, currency, entries); err != nil {
		return fmt.Errorf("ledger sheet: %w", err)
	}
	if err := writeActivity(f, activity); err != nil {
		return fmt.Errorf("activity sheet: %w", err)
	}
	_, err := f.WriteTo(w)
	return err
}

func writeLedger(f *excelize.File, currency string, entries []domain.BusinessTransaction) error {
	if err := f.SetSheetRow(LedgerSheet, "A1", &ledgerHeader); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{e.Date.UTC().Format(time.RFC3339), string(e.Type), e.Amount, currency, e.RelatedDocumentID, e.Notes}
		if err := f.SetSheetRow(LedgerSheet, cell, &row); err != nil {
			return err
		}
	}
	totalRow := len(entries) + 2
	if err := f.SetCellValue(LedgerSheet, fmt.Sprintf("B%d", totalRow), "Total"); err != nil {
		return err
	}
	return f.SetCellFormula(LedgerSheet, fmt.Sprintf("C%d", totalRow), fmt.Sprintf("SUM(C2:C%d)", totalRow-1))
}

func writeActivity(f *excelize.File, activity []domain.ActivityLogEntry) error {
	if err := f.SetSheetRow(ActivitySheet, "A1", &activityHeader); err != nil {
		return err
	}
	for i, a := range activity {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{a.Timestamp.UTC().Format(time.RFC3339), string(a.Type), a.Actor, a.Description, formatDetails(a.Details)}
		if err := f.SetSheetRow(ActivitySheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
