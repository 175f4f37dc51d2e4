package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrUnavailable       = errors.New("store unavailable")
	// ErrConflict reports a commit whose read set changed underneath it.
	// RunTransaction retries it and only returns it once attempts run out.
	ErrConflict = errors.New("transaction conflict")
)

type Collection string

const (
	CollectionSettings         Collection = "settings"
	CollectionProducts         Collection = "products"
	CollectionCustomers        Collection = "customers"
	CollectionSuppliers        Collection = "suppliers"
	CollectionSales            Collection = "sales"
	CollectionQuotations       Collection = "quotations"
	CollectionPurchases        Collection = "purchases"
	CollectionSupplierPayments Collection = "supplier_payments"
	CollectionReturns          Collection = "returns"
	CollectionTransactions     Collection = "business_transactions"
	CollectionActivity         Collection = "activity_log"
	CollectionBackups          Collection = "backups"
)

// LiveCollections are the record collections captured by a backup and wiped by
// a restore. Settings travel separately and backups are never snapshotted.
var LiveCollections = []Collection{
	CollectionProducts,
	CollectionCustomers,
	CollectionSuppliers,
	CollectionSales,
	CollectionQuotations,
	CollectionPurchases,
	CollectionSupplierPayments,
	CollectionReturns,
	CollectionTransactions,
	CollectionActivity,
}

type Document struct {
	ID   string
	Data []byte
}

// Docs is account-scoped document access. Inside RunTransaction the same
// interface reads through pending writes and buffers its own.
type Docs interface {
	Get(ctx context.Context, c Collection, id string) (Document, error)
	List(ctx context.Context, c Collection) ([]Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Put(ctx context.Context, c Collection, doc Document) error
	Delete(ctx context.Context, c Collection, id string) error
}

type TxFunc func(ctx context.Context, tx Docs) error

type DocumentStore interface {
	Scope(accountID string) Docs
	RunTransaction(ctx context.Context, accountID string, fn TxFunc) error
	// ReplaceCollections wipes every listed collection and writes the given
	// documents in one atomic step.
	ReplaceCollections(ctx context.Context, accountID string, docs map[Collection][]Document) error
	Ping(ctx context.Context) error
	Close() error
}

// OpError attaches the failing operation and document path to a store error.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func Wrap(op string, path string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Path: path, Err: err}
}

func Path(c Collection, id string) string {
	return string(c) + "/" + id
}

type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }

func Invalid(field string, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidInput, field, reason)
}

func Load[T any](ctx context.Context, d Docs, c Collection, id string) (T, error) {
	var out T
	doc, err := d.Get(ctx, c, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(doc.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", Path(c, id), err)
	}
	return out, nil
}

func Save(ctx context.Context, d Docs, c Collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", Path(c, id), err)
	}
	return d.Put(ctx, c, Document{ID: id, Data: data})
}

func LoadAll[T any](ctx context.Context, d Docs, c Collection) ([]T, error) {
	docs, err := d.List(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](c, docs)
}

func Find[T any](ctx context.Context, d Docs, q Query) ([]T, error) {
	docs, err := d.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](q.Collection, docs)
}

func decodeAll[T any](c Collection, docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", Path(c, doc.ID), err)
		}
		out = append(out, v)
	}
	return out, nil
}
