package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
)

func TestPostgresStoreUpsertBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db, "events")
	ts := time.Now().UTC()

	events := []*domain.Event{
		{
			AssetID:   "press-01",
			Seq:       1,
			Type:      domain.EventTypeTelemetry,
			Timestamp: ts,
			Telemetry: &domain.TelemetryEvent{AssetID: "press-01", MetricName: "good_count", Value: 10, Unit: "count", Timestamp: ts, Seq: 1},
		},
		{
			AssetID:   "press-01",
			Seq:       2,
			Type:      domain.EventTypeState,
			Timestamp: ts,
			State:     &domain.StateEvent{AssetID: "press-01", FromState: "running", ToState: "stopped", ReasonCode: "mech_fail", StartTime: ts, Seq: 2},
		},
	}

	expected := regexp.QuoteMeta("INSERT INTO events (asset_id, seq, event_type, ts, payload) VALUES ($1,$2,$3,$4,$5),($6,$7,$8,$9,$10) ON CONFLICT (asset_id, seq) DO NOTHING")
	mock.ExpectExec(expected).
		WithArgs("press-01", uint64(1), "telemetry", ts, sqlmock.AnyArg(),
			"press-01", uint64(2), "state", ts, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	inserted, err := s.UpsertBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("upsert batch: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 inserted, got %d", inserted)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreUpsertBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db, "events")
	if n, err := s.UpsertBatch(context.Background(), nil); err != nil || n != 0 {
		t.Fatalf("expected no-op for empty batch, got n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected query issued: %v", err)
	}
}

func TestPostgresStoreMarkRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db, "events")

	expected := regexp.QuoteMeta("INSERT INTO events (asset_id, seq, event_type, ts, payload) VALUES ($1,$2,$3,$4,NULL),($5,$6,$7,$8,NULL) ON CONFLICT (asset_id, seq) DO NOTHING")
	mock.ExpectExec(expected).
		WithArgs("press-01", uint64(3), "rejected", sqlmock.AnyArg(),
			"press-01", uint64(7), "rejected", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := s.MarkRejected(context.Background(), "press-01", []uint64{3, 7}); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreMarkRejectedEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db, "events")
	if err := s.MarkRejected(context.Background(), "press-01", nil); err != nil {
		t.Fatalf("expected no-op for empty seq list, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected query issued: %v", err)
	}
}

func TestPostgresStoreHighestContiguous(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db, "events")

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(seq\\), 0\\) FROM").
		WithArgs("press-01").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(5))

	got, err := s.HighestContiguous(context.Background(), "press-01")
	if err != nil {
		t.Fatalf("highest contiguous: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestPostgresStoreReadRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db, "events")
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	rows := sqlmock.NewRows([]string{"payload"}).
		AddRow([]byte(`{"asset_id":"press-01","seq":1,"type":"telemetry","ts":"2026-03-01T00:10:00Z"}`)).
		AddRow([]byte(`{"asset_id":"press-01","seq":2,"type":"telemetry","ts":"2026-03-01T00:20:00Z"}`))

	expected := regexp.QuoteMeta("SELECT payload FROM events WHERE asset_id = $1 AND ts >= $2 AND ts < $3 AND event_type <> 'rejected' ORDER BY seq")
	mock.ExpectQuery(expected).
		WithArgs("press-01", from, to).
		WillReturnRows(rows)

	var seqs []uint64
	if err := s.ReadRange(context.Background(), "press-01", from, to, func(ev *domain.Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	}); err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("expected seqs [1 2], got %v", seqs)
	}
}
