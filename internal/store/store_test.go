package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestQueryApplyFiltersAndOrdersNumerically(t *testing.T) {
	docs := []Document{
		{ID: "a", Data: []byte(`{"supplier_id":"s1","payment_status":"paid","numeric_purchase_id":1}`)},
		{ID: "b", Data: []byte(`{"supplier_id":"s1","payment_status":"unpaid","numeric_purchase_id":10}`)},
		{ID: "c", Data: []byte(`{"supplier_id":"s1","payment_status":"partially_paid","numeric_purchase_id":2}`)},
		{ID: "d", Data: []byte(`{"supplier_id":"s2","payment_status":"unpaid","numeric_purchase_id":3}`)},
	}
	q := Query{
		Collection: CollectionPurchases,
		Filters: []Filter{
			Eq("supplier_id", "s1"),
			{Field: "payment_status", In: []string{"unpaid", "partially_paid"}},
		},
		OrderBy: "numeric_purchase_id",
	}
	got, err := q.Apply(docs)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("expected [c b] oldest first, got %+v", got)
	}

	q.Descending = true
	q.Limit = 1
	got, _ = q.Apply(docs)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected newest single result b, got %+v", got)
	}
}

func TestErrorsKeepTheirKind(t *testing.T) {
	err := Wrap("processSale", Path(CollectionProducts, "p1"), &StockError{ProductID: "p1", Requested: 11, Available: 10})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock through OpError, got %v", err)
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var opErr *OpError
	if !errors.As(wrapped, &opErr) || opErr.Path != "products/p1" {
		t.Fatalf("expected path products/p1, got %v", wrapped)
	}
	if !errors.Is(Invalid("quantity", "must be positive"), ErrInvalidInput) {
		t.Fatalf("expected invalid input")
	}
}
