package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/splitops/internal/models"
	"github.com/punchamoorthee/splitops/internal/service"
)

// fanoutTx is one top-level fan-out transaction. Participant inserts run
// inside savepoints (pgx nested transactions) so a single participant fault
// rolls back only its own insert and the transaction stays committable.
type fanoutTx struct {
	tx pgx.Tx
}

func (s *Store) BeginFanout(ctx context.Context) (service.FanoutTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &fanoutTx{tx: tx}, nil
}

func (f *fanoutTx) InsertRecord(ctx context.Context, rec *models.Record) error {
	return insertRecord(ctx, f.tx, rec)
}

func (f *fanoutTx) InsertRecordIsolated(ctx context.Context, rec *models.Record) error {
	sp, err := f.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}
	if err := insertRecord(ctx, sp, rec); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec *models.Record) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO records (id, owner_user_id, name, amount, category_id, date,
		                      pending, settle, split_id, debtor_user_id, creditor_user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.OwnerUserID, rec.Name, rec.Amount, rec.CategoryID, rec.Date,
		rec.Pending, rec.Settle, rec.SplitID, rec.DebtorUserID, rec.CreditorUserID,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (f *fanoutTx) InsertCoordination(ctx context.Context, coord *models.SplitCoordination) error {
	sharesJSON, err := marshalShares(coord.ParticipantShares)
	if err != nil {
		return err
	}
	succeededJSON, err := marshalIDs(coord.SucceededParticipantIDs)
	if err != nil {
		return err
	}
	failedJSON, err := marshalIDs(coord.FailedParticipantIDs)
	if err != nil {
		return err
	}

	_, err = f.tx.Exec(ctx,
		`INSERT INTO split_coordination (id, payer_user_id, total_amount, description,
		        category_id, date, participant_shares, status, fanout_attempts,
		        succeeded_participant_ids, failed_participant_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		coord.ID, coord.PayerUserID, coord.TotalAmount, coord.Description,
		coord.CategoryID, coord.Date, sharesJSON, coord.Status, coord.FanoutAttempts,
		succeededJSON, failedJSON, coord.CreatedAt, coord.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert split coordination: %w", err)
	}
	return nil
}

func (f *fanoutTx) UpdateCoordination(ctx context.Context, coord *models.SplitCoordination) error {
	succeededJSON, err := marshalIDs(coord.SucceededParticipantIDs)
	if err != nil {
		return err
	}
	failedJSON, err := marshalIDs(coord.FailedParticipantIDs)
	if err != nil {
		return err
	}

	_, err = f.tx.Exec(ctx,
		`UPDATE split_coordination
		    SET status = $2, succeeded_participant_ids = $3, failed_participant_ids = $4,
		        fanout_attempts = $5, updated_at = $6
		  WHERE id = $1`,
		coord.ID, coord.Status, succeededJSON, failedJSON, coord.FanoutAttempts, coord.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update split coordination: %w", err)
	}
	return nil
}

func (f *fanoutTx) Commit(ctx context.Context) error {
	return f.tx.Commit(ctx)
}

func (f *fanoutTx) Rollback(ctx context.Context) error {
	return f.tx.Rollback(ctx)
}
