package governance

import (
	"sort"
	"sync"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
)

// BatchRecord is one batch's governance state.
type BatchRecord struct {
	BatchID string `json:"batch_id"`
	Season  string `json:"season"`
	Frozen  bool   `json:"frozen"`
}

// BatchStore tracks per-batch freeze bits in memory. The season index is
// the persisted projection, rebuilt through SeasonStore.RebuildIndex.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[string]*BatchRecord
}

// NewBatchStore returns an empty store.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: map[string]*BatchRecord{}}
}

// Register records a new batch. Re-registering an id is a Duplicate.
func (s *BatchStore) Register(batchID, season string) (*BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; ok {
		return nil, &errs.Duplicate{ID: "batch/" + batchID}
	}
	rec := &BatchRecord{BatchID: batchID, Season: season}
	s.batches[batchID] = rec
	return copyRecord(rec), nil
}

// Freeze latches a batch's frozen bit. Freezing twice is a no-op.
func (s *BatchStore) Freeze(batchID string) (*BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return nil, &errs.NotFound{Path: "batch/" + batchID}
	}
	rec.Frozen = true
	return copyRecord(rec), nil
}

// Get returns one batch's record.
func (s *BatchStore) Get(batchID string) (*BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return nil, &errs.NotFound{Path: "batch/" + batchID}
	}
	return copyRecord(rec), nil
}

// BySeason lists a season's batch records, batch id ascending.
func (s *BatchStore) BySeason(season string) []BatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BatchRecord
	for _, rec := range s.batches {
		if rec.Season == season {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

func copyRecord(rec *BatchRecord) *BatchRecord {
	c := *rec
	return &c
}
