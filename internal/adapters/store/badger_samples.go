package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// BadgerSampleStore persists OEE samples and loss records in BadgerDB.
// Keys order lexicographically by period start, so GetOEE is a single
// prefix seek plus a bounded scan.
//
// Key layout:
//
//	oee/<asset>/<granularity>/<periodStartUnixNano, 20 digits>
//	loss/<asset>/<granularity>/<periodStartUnixNano, 20 digits>
type BadgerSampleStore struct {
	db *badger.DB
}

// BadgerConfig holds store options. InMemory is for tests.
type BadgerConfig struct {
	Dir      string
	InMemory bool
}

// NewBadgerSampleStore opens the store. The sample working set is tiny
// compared to the event log, so the memtable is kept small.
func NewBadgerSampleStore(cfg BadgerConfig) (*BadgerSampleStore, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open sample store: %w", err)
	}
	return &BadgerSampleStore{db: db}, nil
}

func sampleKey(assetID string, g domain.Granularity, periodStart time.Time) []byte {
	return []byte(fmt.Sprintf("oee/%s/%s/%020d", assetID, g, periodStart.UnixNano()))
}

func lossKey(assetID string, g domain.Granularity, periodStart time.Time) []byte {
	return []byte(fmt.Sprintf("loss/%s/%s/%020d", assetID, g, periodStart.UnixNano()))
}

// PutSample overwrites the sample for its (asset, periodStart,
// granularity) key. Idempotent by construction.
func (s *BadgerSampleStore) PutSample(ctx context.Context, sample *domain.OEESample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sampleKey(sample.AssetID, sample.Granularity, sample.PeriodStart), val)
	})
}

// GetOEE returns samples with periodStart in [from, to), ordered by
// period start.
func (s *BadgerSampleStore) GetOEE(ctx context.Context, assetID string, from, to time.Time, g domain.Granularity) ([]*domain.OEESample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*domain.OEESample
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("oee/%s/%s/", assetID, g))
		start := sampleKey(assetID, g, from)
		end := sampleKey(assetID, g, to)

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if string(item.Key()) >= string(end) {
				break
			}
			if err := item.Value(func(val []byte) error {
				var sample domain.OEESample
				if err := json.Unmarshal(val, &sample); err != nil {
					return fmt.Errorf("corrupt sample %s: %w", item.Key(), err)
				}
				out = append(out, &sample)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// PutLosses overwrites the loss breakdown for one period.
func (s *BadgerSampleStore) PutLosses(ctx context.Context, assetID string, periodStart time.Time, g domain.Granularity, losses []*domain.LossRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(losses)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lossKey(assetID, g, periodStart), val)
	})
}

// GetLosses returns loss records for periods starting in [from, to).
func (s *BadgerSampleStore) GetLosses(ctx context.Context, assetID string, from, to time.Time, g domain.Granularity) ([]*domain.LossRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*domain.LossRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("loss/%s/%s/", assetID, g))
		start := lossKey(assetID, g, from)
		end := lossKey(assetID, g, to)

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if string(item.Key()) >= string(end) {
				break
			}
			if err := item.Value(func(val []byte) error {
				var losses []*domain.LossRecord
				if err := json.Unmarshal(val, &losses); err != nil {
					return fmt.Errorf("corrupt loss record %s: %w", item.Key(), err)
				}
				out = append(out, losses...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close shuts the database down cleanly.
func (s *BadgerSampleStore) Close() error { return s.db.Close() }

var _ ports.SampleStore = (*BadgerSampleStore)(nil)
