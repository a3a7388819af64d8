// Package servicetest provides an in-memory Datastore with participant fault
// injection, for exercising the engine's saga and idempotency behavior
// without a database.
package servicetest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/splitops/internal/models"
	"github.com/punchamoorthee/splitops/internal/service"
)

// MemStore implements service.Datastore over maps. A fan-out transaction
// stages its writes and applies them atomically on Commit, mirroring the
// top-level-transaction contract of the real store.
type MemStore struct {
	mu          sync.Mutex
	records     map[string]*models.Record
	coords      map[string]*models.SplitCoordination
	idem        map[string]*models.IdempotencyEntry
	failInserts map[string]int
}

var _ service.Datastore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		records:     map[string]*models.Record{},
		coords:      map[string]*models.SplitCoordination{},
		idem:        map[string]*models.IdempotencyEntry{},
		failInserts: map[string]int{},
	}
}

// FailNextInsertFor makes the next isolated insert owned by userID fail,
// simulating a participant-level write fault inside the fan-out.
func (m *MemStore) FailNextInsertFor(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInserts[userID]++
}

func idemKey(userID, endpoint, key string) string {
	return userID + "|" + endpoint + "|" + key
}

// --- idempotency entries ---

func (m *MemStore) GetIdempotencyEntry(ctx context.Context, userID, endpoint, key string) (*models.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.idem[idemKey(userID, endpoint, key)]
	if !ok {
		return nil, service.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemStore) InsertIdempotencyEntry(ctx context.Context, entry *models.IdempotencyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(entry.UserID, entry.Endpoint, entry.Key)
	if _, exists := m.idem[k]; exists {
		return service.ErrDuplicateKey
	}
	cp := *entry
	m.idem[k] = &cp
	return nil
}

func (m *MemStore) CompleteIdempotencyEntry(ctx context.Context, userID, endpoint, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.idem[idemKey(userID, endpoint, key)]
	if !ok {
		return service.ErrNotFound
	}
	entry.ResponseStatus = status
	entry.ResponseBody = append([]byte(nil), body...)
	return nil
}

func (m *MemStore) DeleteIdempotencyEntry(ctx context.Context, userID, endpoint, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idem, idemKey(userID, endpoint, key))
	return nil
}

// --- split coordination ---

func (m *MemStore) GetCoordination(ctx context.Context, splitID string) (*models.SplitCoordination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coord, ok := m.coords[splitID]
	if !ok {
		return nil, service.ErrNotFound
	}
	return cloneCoordination(coord), nil
}

// --- records ---

func (m *MemStore) GetRecord(ctx context.Context, recordID string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, service.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemStore) FinalizeRecord(ctx context.Context, recordID, ownerUserID, categoryID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.OwnerUserID != ownerUserID || !rec.Pending {
		return 0, nil
	}
	rec.Pending = false
	cat := categoryID
	rec.CategoryID = &cat
	return 1, nil
}

func (m *MemStore) SettleRecord(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return service.ErrNotFound
	}
	rec.Settle = true
	return nil
}

func (m *MemStore) ListRecords(ctx context.Context, ownerUserID string, filter models.RecordFilter) ([]models.Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Record
	for _, rec := range m.records {
		if rec.OwnerUserID != ownerUserID {
			continue
		}
		if filter.Pending != nil && rec.Pending != *filter.Pending {
			continue
		}
		if filter.Settle != nil && rec.Settle != *filter.Settle {
			continue
		}
		if filter.StartDate != "" && rec.Date < filter.StartDate {
			continue
		}
		if filter.EndDate != "" && rec.Date > filter.EndDate {
			continue
		}
		matched = append(matched, *cloneRecord(rec))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Date != matched[j].Date {
			return matched[i].Date > matched[j].Date
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// --- fan-out transaction ---

type memFanoutTx struct {
	store        *MemStore
	staged       []*models.Record
	coordInserts []*models.SplitCoordination
	coordUpdates []*models.SplitCoordination
	finished     bool
}

func (m *MemStore) BeginFanout(ctx context.Context) (service.FanoutTx, error) {
	return &memFanoutTx{store: m}, nil
}

func (t *memFanoutTx) InsertRecord(ctx context.Context, rec *models.Record) error {
	t.staged = append(t.staged, cloneRecord(rec))
	return nil
}

func (t *memFanoutTx) InsertRecordIsolated(ctx context.Context, rec *models.Record) error {
	t.store.mu.Lock()
	if t.store.failInserts[rec.OwnerUserID] > 0 {
		t.store.failInserts[rec.OwnerUserID]--
		t.store.mu.Unlock()
		return errors.New("injected participant write fault")
	}
	t.store.mu.Unlock()
	t.staged = append(t.staged, cloneRecord(rec))
	return nil
}

func (t *memFanoutTx) InsertCoordination(ctx context.Context, coord *models.SplitCoordination) error {
	t.coordInserts = append(t.coordInserts, cloneCoordination(coord))
	return nil
}

func (t *memFanoutTx) UpdateCoordination(ctx context.Context, coord *models.SplitCoordination) error {
	t.coordUpdates = append(t.coordUpdates, cloneCoordination(coord))
	return nil
}

func (t *memFanoutTx) Commit(ctx context.Context) error {
	if t.finished {
		return errors.New("transaction already finished")
	}
	t.finished = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, rec := range t.staged {
		t.store.records[rec.ID] = rec
	}
	for _, coord := range t.coordInserts {
		t.store.coords[coord.ID] = coord
	}
	for _, coord := range t.coordUpdates {
		t.store.coords[coord.ID] = coord
	}
	return nil
}

func (t *memFanoutTx) Rollback(ctx context.Context) error {
	t.finished = true
	t.staged = nil
	t.coordInserts = nil
	t.coordUpdates = nil
	return nil
}

// --- direct seeding and inspection helpers ---

func (m *MemStore) SeedRecord(rec models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = cloneRecord(&rec)
}

func (m *MemStore) SeedIdempotencyEntry(entry models.IdempotencyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := entry
	m.idem[idemKey(entry.UserID, entry.Endpoint, entry.Key)] = &cp
}

func (m *MemStore) RecordsByOwner(ownerUserID string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Record
	for _, rec := range m.records {
		if rec.OwnerUserID == ownerUserID {
			out = append(out, *cloneRecord(rec))
		}
	}
	return out
}

func (m *MemStore) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemStore) IdempotencyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idem)
}

func cloneRecord(rec *models.Record) *models.Record {
	cp := *rec
	if rec.CategoryID != nil {
		v := *rec.CategoryID
		cp.CategoryID = &v
	}
	if rec.SplitID != nil {
		v := *rec.SplitID
		cp.SplitID = &v
	}
	return &cp
}

func cloneCoordination(coord *models.SplitCoordination) *models.SplitCoordination {
	cp := *coord
	cp.ParticipantShares = make(map[string]decimal.Decimal, len(coord.ParticipantShares))
	for k, v := range coord.ParticipantShares {
		cp.ParticipantShares[k] = v
	}
	cp.SucceededParticipantIDs = append([]string(nil), coord.SucceededParticipantIDs...)
	cp.FailedParticipantIDs = append([]string(nil), coord.FailedParticipantIDs...)
	return &cp
}
