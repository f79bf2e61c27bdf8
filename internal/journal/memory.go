package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/vidfriends/clipvault/internal/models"
)

// MemoryRepository keeps sync records in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRepository constructs an empty in-memory journal.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (r *MemoryRepository) Get(_ context.Context, assetID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[assetID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (r *MemoryRepository) ListByState(_ context.Context, state models.SyncState) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, record := range r.records {
		if record.State == state {
			out = append(out, record)
		}
	}
	sortRecords(out)
	return out, nil
}

func (r *MemoryRepository) Put(_ context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.AssetID] = record
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, assetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, assetID)
	return nil
}

func (r *MemoryRepository) Close() error { return nil }

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].AssetID < records[j].AssetID })
}
