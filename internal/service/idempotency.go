package service

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/splitops/internal/models"
)

const (
	splitCreateEndpoint = "/splits/create"
	idempotencyTTL      = 24 * time.Hour
)

type idemOutcome int

const (
	// idemFresh: no usable entry exists, the request may proceed.
	idemFresh idemOutcome = iota
	// idemReplay: a committed entry with a matching payload hash exists;
	// return its cached response with no further side effects.
	idemReplay
	// idemConflict: a committed entry exists but the payload hash differs.
	idemConflict
)

// idempotencyCoordinator implements the reservation/commit/replay protocol
// over client-supplied keys. It runs under the engine's write permit, so a
// null-body row can only mean a previous attempt crashed before completing;
// no other attempt is concurrently in flight.
type idempotencyCoordinator struct {
	db  Datastore
	now func() time.Time
}

func (c *idempotencyCoordinator) lookup(ctx context.Context, userID, endpoint, key, payloadHash string) (idemOutcome, *models.IdempotencyEntry, error) {
	entry, err := c.db.GetIdempotencyEntry(ctx, userID, endpoint, key)
	if errors.Is(err, ErrNotFound) {
		return idemFresh, nil, nil
	}
	if err != nil {
		return idemFresh, nil, err
	}

	stale := entry.ResponseBody == nil
	expired := !entry.ExpiresAt.IsZero() && c.now().After(entry.ExpiresAt)
	if stale || expired {
		if err := c.db.DeleteIdempotencyEntry(ctx, userID, endpoint, key); err != nil {
			return idemFresh, nil, err
		}
		return idemFresh, nil, nil
	}

	if entry.PayloadHash != payloadHash {
		return idemConflict, nil, nil
	}
	return idemReplay, entry, nil
}

// reserve inserts a null-body entry marking the request as in flight.
// A unique violation surfaces as ErrDuplicateKey; the caller falls back to
// lookup.
func (c *idempotencyCoordinator) reserve(ctx context.Context, userID, endpoint, key, payloadHash string) error {
	now := c.now()
	return c.db.InsertIdempotencyEntry(ctx, &models.IdempotencyEntry{
		UserID:      userID,
		Endpoint:    endpoint,
		Key:         key,
		PayloadHash: payloadHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(idempotencyTTL),
	})
}

// commit records the response on the reserved row so later retries replay it.
func (c *idempotencyCoordinator) commit(ctx context.Context, userID, endpoint, key string, status int, body []byte) error {
	return c.db.CompleteIdempotencyEntry(ctx, userID, endpoint, key, status, body)
}

// abandon deletes the reservation so a retry after failure is never blocked
// by a stale row.
func (c *idempotencyCoordinator) abandon(ctx context.Context, userID, endpoint, key string) error {
	return c.db.DeleteIdempotencyEntry(ctx, userID, endpoint, key)
}
