package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invopipe/invopipe/internal/platform/db"
)

// ErrNotFound indicates resource not found.
var ErrNotFound = errors.New("orders: not found")

// Repository provides PostgreSQL backed persistence for order records.
// Writes are whole-record and last-writer-wins under the order key.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// execer covers both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Upsert writes the full record under its key.
func (r *Repository) Upsert(ctx context.Context, rec Record) error {
	return upsertRecord(ctx, r.pool, rec)
}

// Ingest writes the initial record, its RECEIVED event and the document
// bytes in one transaction, so a half-ingested order is never visible.
func (r *Repository) Ingest(ctx context.Context, rec Record, doc RawDocument) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, Event{OrderKey: rec.Key, To: rec.State}); err != nil {
			return err
		}
		return saveDocument(ctx, tx, doc)
	})
}

func upsertRecord(ctx context.Context, ex execer, rec Record) error {
	payload, err := marshalPayload(rec.Order)
	if err != nil {
		return fmt.Errorf("orders: marshal payload: %w", err)
	}
	reasons, err := json.Marshal(emptyIfNil(rec.Reasons))
	if err != nil {
		return fmt.Errorf("orders: marshal reasons: %w", err)
	}
	_, err = ex.Exec(ctx, `
		INSERT INTO orders (
			key, idempotency_key, sender, filename, mime_kind, supplier_code,
			state, attempts, mode_history, payload, reasons, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (key) DO UPDATE SET
			supplier_code = EXCLUDED.supplier_code,
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			mode_history = EXCLUDED.mode_history,
			payload = EXCLUDED.payload,
			reasons = EXCLUDED.reasons,
			updated_at = NOW()`,
		rec.Key, rec.IdempotencyKey, rec.Sender, rec.Filename, string(rec.Kind),
		rec.SupplierCode, string(rec.State), rec.Attempts,
		emptyIfNil(rec.ModeHistory), payload, reasons,
	)
	if err != nil {
		return fmt.Errorf("orders: upsert: %w", err)
	}
	return nil
}

// Get returns the most recently completed write for the key.
func (r *Repository) Get(ctx context.Context, key uuid.UUID) (Record, error) {
	return r.scanRecord(r.pool.QueryRow(ctx, selectRecord+` WHERE key = $1`, key))
}

// GetByIdempotencyKey resolves a record via the caller-assigned key.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, idem string) (Record, error) {
	return r.scanRecord(r.pool.QueryRow(ctx, selectRecord+` WHERE idempotency_key = $1`, idem))
}

// ListRequest filters and paginates order listings.
type ListRequest struct {
	States  []ProcessingState
	Page    int
	PerPage int
}

// List returns matching records, newest first, plus the unpaged total.
func (r *Repository) List(ctx context.Context, req ListRequest) ([]Record, int, error) {
	states := make([]string, 0, len(req.States))
	for _, s := range req.States {
		states = append(states, string(s))
	}
	perPage := req.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := req.Page
	if page <= 0 {
		page = 1
	}

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE cardinality($1::text[]) = 0 OR state = ANY($1)`,
		states,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("orders: count: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		selectRecord+`
		WHERE cardinality($1::text[]) = 0 OR state = ANY($1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		states, perPage, (page-1)*perPage,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("orders: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// AppendEvent records a state transition fact. Events are never updated.
func (r *Repository) AppendEvent(ctx context.Context, ev Event) error {
	return insertEvent(ctx, r.pool, ev)
}

func insertEvent(ctx context.Context, ex execer, ev Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("orders: marshal event detail: %w", err)
	}
	_, err = ex.Exec(ctx, `
		INSERT INTO order_events (order_key, from_state, to_state, attempt, mode, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE(NULLIF($7, '0001-01-01 00:00:00+00'::timestamptz), NOW()))`,
		ev.OrderKey, string(ev.From), string(ev.To), ev.Attempt, ev.Mode, detail, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("orders: append event: %w", err)
	}
	return nil
}

// ListEvents returns the transition trail for one order, oldest first.
func (r *Repository) ListEvents(ctx context.Context, key uuid.UUID) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_key, from_state, to_state, attempt, mode, detail, occurred_at
		FROM order_events WHERE order_key = $1 ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("orders: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var from, to string
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.OrderKey, &from, &to, &ev.Attempt, &ev.Mode, &detail, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("orders: scan event: %w", err)
		}
		ev.From = ProcessingState(from)
		ev.To = ProcessingState(to)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("orders: decode event detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveDocument stores the raw document bytes for the worker to fetch.
func (r *Repository) SaveDocument(ctx context.Context, doc RawDocument) error {
	return saveDocument(ctx, r.pool, doc)
}

func saveDocument(ctx context.Context, ex execer, doc RawDocument) error {
	_, err := ex.Exec(ctx, `
		INSERT INTO order_documents (order_key, content, content_type, stored_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (order_key) DO UPDATE SET content = EXCLUDED.content, content_type = EXCLUDED.content_type`,
		doc.Key, doc.Content, doc.ContentType,
	)
	if err != nil {
		return fmt.Errorf("orders: save document: %w", err)
	}
	return nil
}

// GetDocument rebuilds the RawDocument for an order key.
func (r *Repository) GetDocument(ctx context.Context, key uuid.UUID) (RawDocument, error) {
	var doc RawDocument
	var kind string
	err := r.pool.QueryRow(ctx, `
		SELECT o.key, o.idempotency_key, o.filename, o.mime_kind, o.sender, d.content, d.content_type
		FROM orders o JOIN order_documents d ON d.order_key = o.key
		WHERE o.key = $1`, key,
	).Scan(&doc.Key, &doc.IdempotencyKey, &doc.Filename, &kind, &doc.Sender, &doc.Content, &doc.ContentType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RawDocument{}, ErrNotFound
		}
		return RawDocument{}, fmt.Errorf("orders: get document: %w", err)
	}
	doc.Kind = MIMEKind(kind)
	return doc, nil
}

const selectRecord = `
	SELECT key, idempotency_key, sender, filename, mime_kind, supplier_code,
	       state, attempts, mode_history, payload, reasons, created_at, updated_at
	FROM orders`

func (r *Repository) scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var kind, state string
	var payload, reasons []byte
	err := row.Scan(
		&rec.Key, &rec.IdempotencyKey, &rec.Sender, &rec.Filename, &kind,
		&rec.SupplierCode, &state, &rec.Attempts, &rec.ModeHistory,
		&payload, &reasons, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("orders: scan record: %w", err)
	}
	rec.Kind = MIMEKind(kind)
	rec.State = ProcessingState(state)
	if len(payload) > 0 {
		var order ExtractedOrder
		if err := json.Unmarshal(payload, &order); err != nil {
			return Record{}, fmt.Errorf("orders: decode payload: %w", err)
		}
		rec.Order = &order
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &rec.Reasons); err != nil {
			return Record{}, fmt.Errorf("orders: decode reasons: %w", err)
		}
	}
	return rec, nil
}

func marshalPayload(order *ExtractedOrder) ([]byte, error) {
	if order == nil {
		return nil, nil
	}
	return json.Marshal(order)
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
