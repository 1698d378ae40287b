package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// PostgresStore is the canonical event store. Rows are keyed by
// (asset_id, seq); re-delivery of a stored pair is absorbed by
// ON CONFLICT DO NOTHING, which is what makes at-least-once delivery
// from the forwarder logically exactly-once.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore wraps an open connection. table must already exist
// with a unique constraint on (asset_id, seq) and a nullable payload
// column (tombstone rows store none).
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: table}
}

// UpsertBatch inserts events idempotently and returns the number of
// rows actually inserted.
func (p *PostgresStore) UpsertBatch(ctx context.Context, events []*domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.table)
	b.WriteString(" (asset_id, seq, event_type, ts, payload) VALUES ")

	args := make([]any, 0, len(events)*5)
	for i, ev := range events {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5))

		payload, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("marshal event: %w", err)
		}
		args = append(args, ev.AssetID, ev.Seq, string(ev.Type), ev.Timestamp, payload)
	}

	b.WriteString(" ON CONFLICT (asset_id, seq) DO NOTHING")

	res, err := p.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// rejectedEventType marks tombstone rows for operator-rejected
// sequence ids. Tombstones take part in contiguity but carry no
// payload and are excluded from reads.
const rejectedEventType = "rejected"

// MarkRejected inserts tombstone rows for rejected sequence ids. A seq
// already stored as a real event keeps its row; the conflict clause
// makes the tombstone a no-op then.
func (p *PostgresStore) MarkRejected(ctx context.Context, assetID string, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.table)
	b.WriteString(" (asset_id, seq, event_type, ts, payload) VALUES ")

	now := time.Now().UTC()
	args := make([]any, 0, len(seqs)*4)
	for i, seq := range seqs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,NULL)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4))
		args = append(args, assetID, seq, rejectedEventType, now)
	}

	b.WriteString(" ON CONFLICT (asset_id, seq) DO NOTHING")

	if _, err := p.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
	}
	return nil
}

// HighestContiguous finds the largest seq S with every seq in [1, S]
// present, tombstones included. Sequence ids are 1-based per asset, so
// a row is contiguous exactly when its seq equals its rank.
func (p *PostgresStore) HighestContiguous(ctx context.Context, assetID string) (uint64, error) {
	q := fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM (
		SELECT seq, ROW_NUMBER() OVER (ORDER BY seq) AS rn FROM %s WHERE asset_id = $1
	) ranked WHERE seq = rn`, p.table)

	var s uint64
	if err := p.db.QueryRowContext(ctx, q, assetID).Scan(&s); err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
	}
	return s, nil
}

// ReadRange streams an asset's events with ts in [from, to) ordered by
// seq. Rejection tombstones never surface here.
func (p *PostgresStore) ReadRange(ctx context.Context, assetID string, from, to time.Time, fn func(ev *domain.Event) error) error {
	q := fmt.Sprintf(
		"SELECT payload FROM %s WHERE asset_id = $1 AND ts >= $2 AND ts < $3 AND event_type <> '%s' ORDER BY seq",
		p.table, rejectedEventType)

	rows, err := p.db.QueryContext(ctx, q, assetID, from, to)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var ev domain.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("corrupt stored event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the underlying connection pool.
func (p *PostgresStore) Close() error { return p.db.Close() }

var _ ports.EventStore = (*PostgresStore)(nil)
