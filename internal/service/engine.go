package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/splitops/internal/models"
)

// Datastore is the persistence surface the engine drives. Implementations
// report missing rows as ErrNotFound and idempotency-key collisions as
// ErrDuplicateKey.
type Datastore interface {
	GetIdempotencyEntry(ctx context.Context, userID, endpoint, key string) (*models.IdempotencyEntry, error)
	InsertIdempotencyEntry(ctx context.Context, entry *models.IdempotencyEntry) error
	CompleteIdempotencyEntry(ctx context.Context, userID, endpoint, key string, status int, body []byte) error
	DeleteIdempotencyEntry(ctx context.Context, userID, endpoint, key string) error

	GetCoordination(ctx context.Context, splitID string) (*models.SplitCoordination, error)

	GetRecord(ctx context.Context, recordID string) (*models.Record, error)
	// FinalizeRecord performs the conditional update
	// "SET pending=false, category_id=$cat WHERE id AND owner AND pending"
	// and reports the number of rows it touched.
	FinalizeRecord(ctx context.Context, recordID, ownerUserID, categoryID string) (int64, error)
	SettleRecord(ctx context.Context, recordID string) error
	ListRecords(ctx context.Context, ownerUserID string, filter models.RecordFilter) ([]models.Record, int, error)

	BeginFanout(ctx context.Context) (FanoutTx, error)
}

// FanoutTx is one top-level fan-out transaction. InsertRecordIsolated wraps
// the insert in a nested rollback point so a participant-level fault undoes
// only that insert and leaves the transaction usable.
type FanoutTx interface {
	InsertRecord(ctx context.Context, rec *models.Record) error
	InsertRecordIsolated(ctx context.Context, rec *models.Record) error
	InsertCoordination(ctx context.Context, coord *models.SplitCoordination) error
	UpdateCoordination(ctx context.Context, coord *models.SplitCoordination) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// FriendshipValidator is the consumed friendship collaborator.
type FriendshipValidator interface {
	IsAccepted(ctx context.Context, userID, friendID string) (bool, error)
}

// CategoryValidator is the consumed category collaborator.
type CategoryValidator interface {
	BelongsTo(ctx context.Context, userID, categoryID string) (bool, error)
}

// Engine is the split-expense fan-out, idempotency and compensation engine.
//
// One process-wide reader/writer lock serializes every mutating sequence
// (reserve -> fan-out -> commit, retry, finalize, settle) against every other
// mutation, which is what lets idempotency races, double-finalize and repeat
// settle resolve deterministically without per-row locks. Read-only
// operations share the read permit.
type Engine struct {
	mu         sync.RWMutex
	db         Datastore
	friends    FriendshipValidator
	categories CategoryValidator
	idem       idempotencyCoordinator
	log        *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewEngine(db Datastore, friends FriendshipValidator, categories CategoryValidator, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Engine{
		db:         db,
		friends:    friends,
		categories: categories,
		idem:       idempotencyCoordinator{db: db, now: now},
		log:        log,
		now:        now,
		newID:      func() string { return uuid.NewString() },
	}
}
