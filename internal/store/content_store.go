package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/util"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// errReceiptExists rolls back an ingest whose receipt lost an insert race.
var errReceiptExists = errors.New("receipt already recorded")

// UpsertContent inserts or increments a content record.
func (s *sqlStore) UpsertContent(ctx context.Context, in ContentInput) (ContentUpsert, error) {
	res, err := s.upsertContent(ctx, s.db, in)
	if err != nil {
		slog.Error("store.UpsertContent failed", "backend", s.d.name, "provider", in.Provider, "error", err)
		return ContentUpsert{}, err
	}
	return res, nil
}

func (s *sqlStore) upsertContent(ctx context.Context, q querier, in ContentInput) (ContentUpsert, error) {
	if in.Provider == "" || in.ContentHash == "" {
		return ContentUpsert{}, fmt.Errorf("provider and content hash are required")
	}
	seen := in.SeenAt
	if seen.IsZero() {
		seen = s.now()
	}
	seen = ts(seen)
	newID := util.NewID()

	var res ContentUpsert
	err := q.QueryRowContext(ctx, s.q(`INSERT INTO content_records
			(id, provider, content_hash, payload_ref, size_bytes, receipt_count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (provider, content_hash) DO UPDATE SET
			receipt_count = content_records.receipt_count + 1,
			last_seen_at = CASE WHEN excluded.last_seen_at > content_records.last_seen_at
				THEN excluded.last_seen_at ELSE content_records.last_seen_at END,
			payload_ref = COALESCE(content_records.payload_ref, excluded.payload_ref),
			size_bytes = COALESCE(content_records.size_bytes, excluded.size_bytes)
		RETURNING id, receipt_count`),
		newID, in.Provider, in.ContentHash, nilIfEmpty(in.PayloadRef), nilIfZero(in.SizeBytes), seen, seen,
	).Scan(&res.ContentID, &res.ReceiptCount)
	if err != nil {
		return res, fmt.Errorf("failed to upsert content: %w", err)
	}
	res.Action = models.UpsertIncremented
	if res.ContentID == newID {
		res.Action = models.UpsertInserted
	}
	return res, nil
}

// RecordReceipt inserts a tenant-scoped receipt.
func (s *sqlStore) RecordReceipt(ctx context.Context, in ReceiptInput) (ReceiptResult, error) {
	tenantID, err := s.guard.StampInsert(ctx, "receipts.insert", in.TenantID)
	if err != nil {
		return ReceiptResult{}, isolation.Audit(ctx, s, err)
	}
	in.TenantID = tenantID
	id, inserted, err := s.insertReceipt(ctx, s.db, in)
	if err != nil {
		return ReceiptResult{}, err
	}
	if inserted {
		return ReceiptResult{ReceiptID: id}, nil
	}
	existing, err := s.findReceipt(ctx, s.db, tenantID, in.MessageID)
	if err != nil {
		return ReceiptResult{}, err
	}
	return ReceiptResult{ReceiptID: existing.ID, Duplicate: true}, nil
}

func (s *sqlStore) insertReceipt(ctx context.Context, q querier, in ReceiptInput) (string, bool, error) {
	if in.MessageID == "" || in.ContentID == "" {
		return "", false, fmt.Errorf("message id and content id are required")
	}
	meta, err := marshalMap(in.RoutingMeta)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal routing meta: %w", err)
	}
	received := in.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	var id string
	err = q.QueryRowContext(ctx, s.q(`INSERT INTO receipts (id, tenant_id, content_id, message_id, stub_id, routing_meta, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, message_id) DO NOTHING
		RETURNING id`),
		util.NewID(), in.TenantID, in.ContentID, in.MessageID, nilIfEmpty(in.StubID), meta, ts(received),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to insert receipt: %w", err)
	}
	return id, true, nil
}

func (s *sqlStore) findReceipt(ctx context.Context, q querier, tenantID, messageID string) (*models.Receipt, error) {
	r, err := scanReceipt(q.QueryRowContext(ctx, s.q(`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = ? AND message_id = ?`), tenantID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt: %w", err)
	}
	return &r, nil
}

// IngestContent records a receipt and counts it against its content record in
// one transaction. A repeat receipt leaves the content count untouched.
func (s *sqlStore) IngestContent(ctx context.Context, content ContentInput, receipt ReceiptInput) (IngestResult, error) {
	tenantID, err := s.guard.StampInsert(ctx, "receipts.insert", receipt.TenantID)
	if err != nil {
		return IngestResult{}, isolation.Audit(ctx, s, err)
	}
	receipt.TenantID = tenantID

	var res IngestResult
	err = s.tx(ctx, func(tx *sql.Tx) error {
		existing, err := s.findReceipt(ctx, tx, tenantID, receipt.MessageID)
		switch {
		case err == nil:
			res.Receipt = ReceiptResult{ReceiptID: existing.ID, Duplicate: true}
			res.Content.ContentID = existing.ContentID
			return tx.QueryRowContext(ctx, s.q(`SELECT receipt_count FROM content_records WHERE id = ?`), existing.ContentID).
				Scan(&res.Content.ReceiptCount)
		case !errors.Is(err, ErrNotFound):
			return err
		}

		up, err := s.upsertContent(ctx, tx, content)
		if err != nil {
			return err
		}
		receipt.ContentID = up.ContentID
		id, inserted, err := s.insertReceipt(ctx, tx, receipt)
		if err != nil {
			return err
		}
		if !inserted {
			return errReceiptExists
		}
		res.Content = up
		res.Receipt = ReceiptResult{ReceiptID: id}
		return nil
	})
	if errors.Is(err, errReceiptExists) {
		// A concurrent ingest of the same message won; report it as a duplicate.
		existing, ferr := s.findReceipt(ctx, s.db, tenantID, receipt.MessageID)
		if ferr != nil {
			return IngestResult{}, ferr
		}
		rec, ferr := s.contentByID(ctx, existing.ContentID)
		if ferr != nil {
			return IngestResult{}, ferr
		}
		return IngestResult{
			Content: ContentUpsert{ContentID: rec.ID, ReceiptCount: rec.ReceiptCount},
			Receipt: ReceiptResult{ReceiptID: existing.ID, Duplicate: true},
		}, nil
	}
	if err != nil {
		slog.Error("store.IngestContent failed", "backend", s.d.name, "tenant_id", tenantID, "error", err)
		return IngestResult{}, err
	}
	slog.Debug("store.IngestContent", "tenant_id", tenantID, "content_id", res.Content.ContentID,
		"action", res.Content.Action, "duplicate", res.Receipt.Duplicate)
	return res, nil
}

func (s *sqlStore) contentByID(ctx context.Context, id string) (*models.ContentRecord, error) {
	c, err := scanContent(s.db.QueryRowContext(ctx, s.q(`SELECT `+contentColumns+` FROM content_records WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return &c, nil
}

// GetContent retrieves a content record by its natural key.
func (s *sqlStore) GetContent(ctx context.Context, provider, contentHash string) (*models.ContentRecord, error) {
	c, err := scanContent(s.db.QueryRowContext(ctx, s.q(`SELECT `+contentColumns+` FROM content_records WHERE provider = ? AND content_hash = ?`), provider, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return &c, nil
}

// ListReceipts lists receipts of a content record visible to the session.
func (s *sqlStore) ListReceipts(ctx context.Context, contentID string) ([]models.Receipt, error) {
	tenantID, all, err := s.guard.Scope(ctx, "receipts.list")
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE content_id = ?`
	args := []interface{}{contentID}
	if !all {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY received_at, id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()
	var receipts []models.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// ContentStats reports unique content, total receipts and the reuse rate.
// Tenant sessions see only their own receipts.
func (s *sqlStore) ContentStats(ctx context.Context) (models.ContentStats, error) {
	var st models.ContentStats
	tenantID, all, err := s.guard.Scope(ctx, "content.stats")
	if err != nil {
		return st, err
	}
	if all {
		err = s.db.QueryRowContext(ctx, `SELECT
				(SELECT COUNT(*) FROM content_records),
				(SELECT COUNT(*) FROM receipts)`).Scan(&st.UniqueContent, &st.TotalReceipts)
	} else {
		err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(DISTINCT content_id), COUNT(*) FROM receipts WHERE tenant_id = ?`), tenantID).
			Scan(&st.UniqueContent, &st.TotalReceipts)
	}
	if err != nil {
		return st, fmt.Errorf("failed to query content stats: %w", err)
	}
	if st.TotalReceipts > 0 {
		st.ReuseRate = 1 - float64(st.UniqueContent)/float64(st.TotalReceipts)
	}
	return st, nil
}

// UpsertLoadContent inserts or increments a canonical load.
func (s *sqlStore) UpsertLoadContent(ctx context.Context, in LoadInput) (ContentUpsert, error) {
	if in.Fingerprint == "" {
		return ContentUpsert{}, fmt.Errorf("fingerprint is required")
	}
	seen := in.SeenAt
	if seen.IsZero() {
		seen = s.now()
	}
	seen = ts(seen)
	newID := util.NewID()

	var res ContentUpsert
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO load_contents
			(id, fingerprint, fingerprint_version, canonical_json, receipt_count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (fingerprint, fingerprint_version) DO UPDATE SET
			receipt_count = load_contents.receipt_count + 1,
			last_seen_at = CASE WHEN excluded.last_seen_at > load_contents.last_seen_at
				THEN excluded.last_seen_at ELSE load_contents.last_seen_at END
		RETURNING id, receipt_count`),
		newID, in.Fingerprint, in.Version, in.CanonicalJSON, seen, seen,
	).Scan(&res.ContentID, &res.ReceiptCount)
	if err != nil {
		slog.Error("store.UpsertLoadContent failed", "backend", s.d.name, "error", err)
		return res, fmt.Errorf("failed to upsert load content: %w", err)
	}
	res.Action = models.UpsertIncremented
	if res.ContentID == newID {
		res.Action = models.UpsertInserted
	}
	return res, nil
}

// GetLoadContent retrieves a canonical load.
func (s *sqlStore) GetLoadContent(ctx context.Context, fingerprint string, version int) (*models.LoadContent, error) {
	l, err := scanLoad(s.db.QueryRowContext(ctx, s.q(`SELECT `+loadColumns+` FROM load_contents WHERE fingerprint = ? AND fingerprint_version = ?`), fingerprint, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get load content: %w", err)
	}
	return &l, nil
}
