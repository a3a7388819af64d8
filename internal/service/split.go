package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/splitops/internal/models"
)

// CreateSplit fans one bill out into the payer's ledger row plus one pending
// row per participant, guarded by the idempotency protocol. The returned
// status is http.StatusCreated for a fresh run or the cached status on replay.
//
// Validation runs before the reservation and before any write, so a rejected
// request has strictly zero durable effects.
func (e *Engine) CreateSplit(ctx context.Context, payerID string, req models.CreateSplitRequest) (*models.CreateSplitResponse, int, error) {
	if math.IsNaN(req.TotalAmount) || math.IsInf(req.TotalAmount, 0) {
		return nil, 0, &ValidationError{Msg: "Total amount must be a positive finite number"}
	}
	total := decimal.NewFromFloat(req.TotalAmount).Round(2)

	order, shares, err := computeShares(payerID, total, req.Splits)
	if err != nil {
		return nil, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, participantID := range order {
		ok, err := e.friends.IsAccepted(ctx, payerID, participantID)
		if err != nil {
			return nil, 0, fmt.Errorf("validate friendship: %w", err)
		}
		if !ok {
			return nil, 0, validationErrorf("Participant %s is not an accepted friend", participantID)
		}
	}
	ok, err := e.categories.BelongsTo(ctx, payerID, req.CategoryID)
	if err != nil {
		return nil, 0, fmt.Errorf("validate category: %w", err)
	}
	if !ok {
		return nil, 0, &ValidationError{Msg: "Category does not exist"}
	}

	hash, err := canonicalPayloadHash(req)
	if err != nil {
		return nil, 0, err
	}

	outcome, entry, err := e.idem.lookup(ctx, payerID, splitCreateEndpoint, req.IdempotencyKey, hash)
	if err != nil {
		return nil, 0, err
	}
	switch outcome {
	case idemReplay:
		return replayResponse(entry)
	case idemConflict:
		return nil, 0, ErrIdempotencyConflict
	}

	if err := e.idem.reserve(ctx, payerID, splitCreateEndpoint, req.IdempotencyKey, hash); err != nil {
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, 0, err
		}
		// Lost a reservation race; the committed entry decides.
		outcome, entry, err = e.idem.lookup(ctx, payerID, splitCreateEndpoint, req.IdempotencyKey, hash)
		if err != nil {
			return nil, 0, err
		}
		if outcome == idemReplay {
			return replayResponse(entry)
		}
		return nil, 0, ErrIdempotencyConflict
	}

	splitID := e.newID()
	resp, failed, err := e.fanOut(ctx, payerID, splitID, total, req, order, shares)
	if err != nil {
		// Nothing durable was written; clear the reservation outright.
		if abandonErr := e.idem.abandon(ctx, payerID, splitCreateEndpoint, req.IdempotencyKey); abandonErr != nil {
			e.log.Error("abandon idempotency reservation", zap.Error(abandonErr))
		}
		return nil, 0, err
	}
	if len(failed) > 0 {
		// The payer and coordination rows are durable; do not cache a
		// success for a request that is not complete.
		if abandonErr := e.idem.abandon(ctx, payerID, splitCreateEndpoint, req.IdempotencyKey); abandonErr != nil {
			e.log.Error("abandon idempotency reservation", zap.Error(abandonErr))
		}
		return nil, 0, &PartialFanoutError{SplitID: splitID, FailedParticipantIDs: failed}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal split response: %w", err)
	}
	if err := e.idem.commit(ctx, payerID, splitCreateEndpoint, req.IdempotencyKey, http.StatusCreated, body); err != nil {
		return nil, 0, fmt.Errorf("commit idempotency entry: %w", err)
	}
	return resp, http.StatusCreated, nil
}

// fanOut runs one top-level transaction: the payer row, one savepoint-guarded
// insert per participant, and the coordination row. The transaction commits
// unconditionally once the payer row is in; participant faults are recorded,
// not fatal.
func (e *Engine) fanOut(
	ctx context.Context,
	payerID, splitID string,
	total decimal.Decimal,
	req models.CreateSplitRequest,
	order []string,
	shares map[string]decimal.Decimal,
) (*models.CreateSplitResponse, []string, error) {
	now := e.now()

	tx, err := e.db.BeginFanout(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin fanout: %w", err)
	}
	defer tx.Rollback(ctx)

	payerRecordID := e.newID()
	categoryID := req.CategoryID
	payerRec := &models.Record{
		ID:             payerRecordID,
		OwnerUserID:    payerID,
		Name:           req.Description,
		Amount:         total.Neg(),
		CategoryID:     &categoryID,
		Date:           req.Date,
		Pending:        false,
		SplitID:        &splitID,
		DebtorUserID:   payerID,
		CreditorUserID: payerID,
	}
	if err := tx.InsertRecord(ctx, payerRec); err != nil {
		return nil, nil, fmt.Errorf("insert payer record: %w", err)
	}

	coord := &models.SplitCoordination{
		ID:                splitID,
		PayerUserID:       payerID,
		TotalAmount:       total,
		Description:       req.Description,
		CategoryID:        req.CategoryID,
		Date:              req.Date,
		ParticipantShares: shares,
		FanoutAttempts:    1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	pendingIDs, succeeded, failed := e.insertParticipants(ctx, tx, coord, order)

	coord.SucceededParticipantIDs = append([]string{payerID}, succeeded...)
	coord.FailedParticipantIDs = failed
	if len(failed) == 0 {
		coord.Status = models.SplitStatusCompleted
	} else {
		coord.Status = models.SplitStatusPartialFailure
	}
	if err := tx.InsertCoordination(ctx, coord); err != nil {
		return nil, nil, fmt.Errorf("insert split coordination: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit fanout: %w", err)
	}

	return &models.CreateSplitResponse{
		SplitID:          splitID,
		PayerRecordID:    payerRecordID,
		PendingRecordIDs: pendingIDs,
	}, failed, nil
}

// insertParticipants writes one pending row per participant id, each inside
// its own nested rollback point. A fault fails only that participant.
func (e *Engine) insertParticipants(ctx context.Context, tx FanoutTx, coord *models.SplitCoordination, ids []string) (pendingIDs, succeeded, failed []string) {
	for _, participantID := range ids {
		share, ok := coord.ParticipantShares[participantID]
		if !ok {
			e.log.Error("participant share missing from coordination row",
				zap.String("split_id", coord.ID), zap.String("participant", participantID))
			failed = append(failed, participantID)
			continue
		}

		splitID := coord.ID
		rec := &models.Record{
			ID:             e.newID(),
			OwnerUserID:    participantID,
			Name:           coord.Description,
			Amount:         share.Neg(),
			CategoryID:     nil,
			Date:           coord.Date,
			Pending:        true,
			SplitID:        &splitID,
			DebtorUserID:   participantID,
			CreditorUserID: coord.PayerUserID,
		}
		if err := tx.InsertRecordIsolated(ctx, rec); err != nil {
			e.log.Warn("participant pending record write failed",
				zap.String("split_id", coord.ID),
				zap.String("participant", participantID),
				zap.Error(err))
			failed = append(failed, participantID)
			continue
		}
		succeeded = append(succeeded, participantID)
		pendingIDs = append(pendingIDs, rec.ID)
	}
	return pendingIDs, succeeded, failed
}

// RetrySplit re-attempts only the failed participants of a split, using the
// shares captured at creation time. Retrying a completed split is a no-op.
func (e *Engine) RetrySplit(ctx context.Context, callerID, splitID string) (*models.RetrySplitResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	coord, err := e.db.GetCoordination(ctx, splitID)
	if err != nil {
		return nil, err
	}
	if coord.PayerUserID != callerID {
		return nil, ErrNotFound
	}
	if coord.Status == models.SplitStatusCompleted {
		return &models.RetrySplitResponse{
			SplitID:               coord.ID,
			Status:                coord.Status,
			PendingRecordIDs:      []string{},
			MissingParticipantIDs: []string{},
		}, nil
	}

	retryIDs := append([]string(nil), coord.FailedParticipantIDs...)
	sort.Strings(retryIDs)

	tx, err := e.db.BeginFanout(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry fanout: %w", err)
	}
	defer tx.Rollback(ctx)

	pendingIDs, succeeded, failed := e.insertParticipants(ctx, tx, coord, retryIDs)

	coord.SucceededParticipantIDs = append(coord.SucceededParticipantIDs, succeeded...)
	coord.FailedParticipantIDs = failed
	coord.FanoutAttempts++
	if len(failed) == 0 {
		coord.Status = models.SplitStatusCompleted
	} else {
		coord.Status = models.SplitStatusPartialFailure
	}
	coord.UpdatedAt = e.now()

	if err := tx.UpdateCoordination(ctx, coord); err != nil {
		return nil, fmt.Errorf("update split coordination: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry fanout: %w", err)
	}

	if pendingIDs == nil {
		pendingIDs = []string{}
	}
	if failed == nil {
		failed = []string{}
	}
	return &models.RetrySplitResponse{
		SplitID:               coord.ID,
		Status:                coord.Status,
		PendingRecordIDs:      pendingIDs,
		MissingParticipantIDs: failed,
	}, nil
}

// GetSplit returns the coordination row to its payer.
func (e *Engine) GetSplit(ctx context.Context, callerID, splitID string) (*models.SplitCoordination, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	coord, err := e.db.GetCoordination(ctx, splitID)
	if err != nil {
		return nil, err
	}
	if coord.PayerUserID != callerID {
		return nil, ErrNotFound
	}
	return coord, nil
}

func replayResponse(entry *models.IdempotencyEntry) (*models.CreateSplitResponse, int, error) {
	var resp models.CreateSplitResponse
	if err := json.Unmarshal(entry.ResponseBody, &resp); err != nil {
		return nil, 0, fmt.Errorf("decode cached idempotency response: %w", err)
	}
	return &resp, entry.ResponseStatus, nil
}

// canonicalPayloadHash hashes the re-marshalled payload so field order and
// whitespace in the client's JSON cannot defeat replay detection.
func canonicalPayloadHash(req models.CreateSplitRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
