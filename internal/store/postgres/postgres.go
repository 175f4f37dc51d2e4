package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoku/backend/internal/store"
)

// Store keeps every collection in one jsonb documents table. Transactions run
// at SERIALIZABLE isolation and are retried when postgres reports a
// serialization failure or deadlock.
type Store struct {
	db          *sql.DB
	maxAttempts int
}

func New(ctx context.Context, databaseURL string, maxAttempts int) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if maxAttempts < 1 {
		maxAttempts = store.DefaultMaxAttempts
	}
	return &Store{db: db, maxAttempts: maxAttempts}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Scope(accountID string) store.Docs {
	return &docs{q: s.db, account: accountID}
}

func (s *Store) RunTransaction(ctx context.Context, accountID string, fn store.TxFunc) error {
	return store.Retry(ctx, s.maxAttempts, func() error {
		return classify(s.runOnce(ctx, accountID, fn))
	})
}

func (s *Store) runOnce(ctx context.Context, accountID string, fn store.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &docs{q: sqlTx, account: accountID, forUpdate: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) ReplaceCollections(ctx context.Context, accountID string, replacement map[store.Collection][]store.Document) error {
	return store.Retry(ctx, s.maxAttempts, func() error {
		return classify(s.replaceOnce(ctx, accountID, replacement))
	})
}

func (s *Store) replaceOnce(ctx context.Context, accountID string, replacement map[store.Collection][]store.Document) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	for c, list := range replacement {
		if _, err := sqlTx.ExecContext(ctx, `
			DELETE FROM documents WHERE account_id = $1 AND collection = $2
		`, accountID, string(c)); err != nil {
			return err
		}
		for _, doc := range list {
			if _, err := sqlTx.ExecContext(ctx, `
				INSERT INTO documents (account_id, collection, id, data, version, updated_at)
				VALUES ($1, $2, $3, $4::jsonb, 1, now())
			`, accountID, string(c), doc.ID, string(doc.Data)); err != nil {
				return err
			}
		}
	}
	return sqlTx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type docs struct {
	q         querier
	account   string
	forUpdate bool
}

func (d *docs) Get(ctx context.Context, c store.Collection, id string) (store.Document, error) {
	query := `SELECT data FROM documents WHERE account_id = $1 AND collection = $2 AND id = $3`
	if d.forUpdate {
		query += ` FOR UPDATE`
	}
	var data []byte
	err := d.q.QueryRowContext(ctx, query, d.account, string(c), id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, store.Wrap("get", store.Path(c, id), store.ErrNotFound)
		}
		return store.Document{}, classify(err)
	}
	return store.Document{ID: id, Data: data}, nil
}

func (d *docs) List(ctx context.Context, c store.Collection) ([]store.Document, error) {
	return d.Query(ctx, store.Query{Collection: c})
}

func (d *docs) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	sqlText, args := buildQuery(d.account, q)
	rows, err := d.q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]store.Document, 0, 32)
	for rows.Next() {
		var doc store.Document
		if err := rows.Scan(&doc.ID, &doc.Data); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func buildQuery(accountID string, q store.Query) (string, []any) {
	var b strings.Builder
	args := []any{accountID, string(q.Collection)}
	b.WriteString(`SELECT id, data FROM documents WHERE account_id = $1 AND collection = $2`)

	for _, f := range q.Filters {
		args = append(args, f.Field)
		fieldArg := len(args)
		args = append(args, f.In)
		fmt.Fprintf(&b, ` AND data->>($%d::text) = ANY($%d)`, fieldArg, len(args))
	}

	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&b, ` ORDER BY (data->>($%d::text))::numeric %s, id %s`, len(args), direction, direction)
	} else {
		fmt.Fprintf(&b, ` ORDER BY id %s`, direction)
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args
}

func (d *docs) Put(ctx context.Context, c store.Collection, doc store.Document) error {
	if doc.ID == "" {
		return store.Invalid("id", "is required")
	}
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO documents (account_id, collection, id, data, version, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 1, now())
		ON CONFLICT (account_id, collection, id)
		DO UPDATE SET data = EXCLUDED.data, version = documents.version + 1, updated_at = now()
	`, d.account, string(c), doc.ID, string(doc.Data))
	return classify(err)
}

func (d *docs) Delete(ctx context.Context, c store.Collection, id string) error {
	result, err := d.q.ExecContext(ctx, `
		DELETE FROM documents WHERE account_id = $1 AND collection = $2 AND id = $3
	`, d.account, string(c), id)
	if err != nil {
		return classify(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.Wrap("delete", store.Path(c, id), store.ErrNotFound)
	}
	return nil
}

// classify maps driver errors onto the store error kinds callers branch on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{store.ErrConflict, store.ErrUnavailable, store.ErrDuplicateKey} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case "23505":
			return fmt.Errorf("%w: %w", store.ErrDuplicateKey, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}
