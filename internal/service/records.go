package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/splitops/internal/models"
)

const (
	defaultRecordsLimit = 50
	maxRecordsLimit     = 500
)

// FinalizePending assigns a category to a pending record, exactly once.
//
// The whole decision rides on one conditional update whose predicate is
// "id AND owner AND pending=true": only the first writer to observe
// pending=true wins, so the operation stays correct even without the
// engine-wide write permit.
func (e *Engine) FinalizePending(ctx context.Context, callerID, recordID, categoryID string) (*models.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.categories.BelongsTo(ctx, callerID, categoryID)
	if err != nil {
		return nil, fmt.Errorf("validate category: %w", err)
	}
	if !ok {
		return nil, &ValidationError{Msg: "Category does not exist"}
	}

	affected, err := e.db.FinalizeRecord(ctx, recordID, callerID, categoryID)
	if err != nil {
		return nil, fmt.Errorf("finalize record: %w", err)
	}
	if affected == 1 {
		rec, err := e.db.GetRecord(ctx, recordID)
		if err != nil {
			return nil, fmt.Errorf("load finalized record: %w", err)
		}
		return rec, nil
	}

	// Zero rows: tell the caller why, without revealing records that are
	// not theirs.
	rec, err := e.db.GetRecord(ctx, recordID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inspect record: %w", err)
	}
	if rec.OwnerUserID != callerID {
		return nil, ErrNotFound
	}
	if !rec.Pending {
		return nil, ErrAlreadyFinalized
	}
	return nil, ErrNotFound
}

// Settle marks a debt as repaid. Monotonic and idempotent: settle never goes
// back to false, and repeat calls succeed. Callers outside the record's
// owner/debtor/creditor triple get ErrNotFound, never a permission error.
func (e *Engine) Settle(ctx context.Context, callerID, recordID, splitID string) (*models.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.db.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if callerID != rec.OwnerUserID && callerID != rec.DebtorUserID && callerID != rec.CreditorUserID {
		return nil, ErrNotFound
	}
	if rec.SplitID == nil || *rec.SplitID != splitID {
		return nil, ErrNotFound
	}

	if err := e.db.SettleRecord(ctx, recordID); err != nil {
		return nil, fmt.Errorf("settle record: %w", err)
	}
	rec.Settle = true
	return rec, nil
}

// ListRecords returns the caller's own records, newest date first.
func (e *Engine) ListRecords(ctx context.Context, ownerID string, filter models.RecordFilter) (*models.ListRecordsResponse, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultRecordsLimit
	}
	if filter.Limit > maxRecordsLimit {
		return nil, validationErrorf("Limit cannot exceed %d", maxRecordsLimit)
	}
	if filter.Offset < 0 {
		return nil, &ValidationError{Msg: "Offset must not be negative"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	records, total, err := e.db.ListRecords(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if records == nil {
		records = []models.Record{}
	}
	return &models.ListRecordsResponse{Records: records, TotalCount: total}, nil
}
