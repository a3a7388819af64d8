package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/splitops/internal/models"
	"github.com/punchamoorthee/splitops/internal/service"
)

const pgUniqueViolation = "23505"

// Store is the shared Postgres datastore. All tenants live in one database;
// every query filters on an identity column (owner/debtor/creditor), which is
// the only isolation mechanism once tenancy is collapsed into one store.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// --- idempotency entries ---

func (s *Store) GetIdempotencyEntry(ctx context.Context, userID, endpoint, key string) (*models.IdempotencyEntry, error) {
	entry := models.IdempotencyEntry{UserID: userID, Endpoint: endpoint, Key: key}
	var status *int
	err := s.pool.QueryRow(ctx,
		`SELECT payload_hash, response_status, response_body, created_at, expires_at
		   FROM idempotency_keys
		  WHERE user_id = $1 AND endpoint = $2 AND key = $3`,
		userID, endpoint, key,
	).Scan(&entry.PayloadHash, &status, &entry.ResponseBody, &entry.CreatedAt, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query idempotency entry: %w", err)
	}
	if status != nil {
		entry.ResponseStatus = *status
	}
	return &entry, nil
}

func (s *Store) InsertIdempotencyEntry(ctx context.Context, entry *models.IdempotencyEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, endpoint, key, payload_hash, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.UserID, entry.Endpoint, entry.Key, entry.PayloadHash, entry.CreatedAt, entry.ExpiresAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return service.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert idempotency entry: %w", err)
	}
	return nil
}

func (s *Store) CompleteIdempotencyEntry(ctx context.Context, userID, endpoint, key string, status int, body []byte) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys
		    SET response_status = $4, response_body = $5
		  WHERE user_id = $1 AND endpoint = $2 AND key = $3`,
		userID, endpoint, key, status, body,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteIdempotencyEntry(ctx context.Context, userID, endpoint, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE user_id = $1 AND endpoint = $2 AND key = $3`,
		userID, endpoint, key,
	)
	if err != nil {
		return fmt.Errorf("delete idempotency entry: %w", err)
	}
	return nil
}

// --- split coordination ---

func (s *Store) GetCoordination(ctx context.Context, splitID string) (*models.SplitCoordination, error) {
	var (
		coord         models.SplitCoordination
		sharesJSON    []byte
		succeededJSON []byte
		failedJSON    []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, payer_user_id, total_amount, description, category_id, date,
		        participant_shares, status, fanout_attempts,
		        succeeded_participant_ids, failed_participant_ids,
		        created_at, updated_at
		   FROM split_coordination
		  WHERE id = $1`,
		splitID,
	).Scan(&coord.ID, &coord.PayerUserID, &coord.TotalAmount, &coord.Description,
		&coord.CategoryID, &coord.Date, &sharesJSON, &coord.Status, &coord.FanoutAttempts,
		&succeededJSON, &failedJSON, &coord.CreatedAt, &coord.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query split coordination: %w", err)
	}

	if err := json.Unmarshal(sharesJSON, &coord.ParticipantShares); err != nil {
		return nil, fmt.Errorf("decode participant shares: %w", err)
	}
	if err := json.Unmarshal(succeededJSON, &coord.SucceededParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode succeeded participant ids: %w", err)
	}
	if err := json.Unmarshal(failedJSON, &coord.FailedParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode failed participant ids: %w", err)
	}
	return &coord, nil
}

// --- records ---

const recordColumns = `id, owner_user_id, name, amount, category_id, date, pending, settle, split_id, debtor_user_id, creditor_user_id`

func scanRecord(row pgx.Row) (*models.Record, error) {
	var rec models.Record
	err := row.Scan(&rec.ID, &rec.OwnerUserID, &rec.Name, &rec.Amount, &rec.CategoryID,
		&rec.Date, &rec.Pending, &rec.Settle, &rec.SplitID, &rec.DebtorUserID, &rec.CreditorUserID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetRecord(ctx context.Context, recordID string) (*models.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, recordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

func (s *Store) FinalizeRecord(ctx context.Context, recordID, ownerUserID, categoryID string) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE records
		    SET pending = FALSE, category_id = $3
		  WHERE id = $1 AND owner_user_id = $2 AND pending = TRUE`,
		recordID, ownerUserID, categoryID,
	)
	if err != nil {
		return 0, fmt.Errorf("finalize record: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Store) SettleRecord(ctx context.Context, recordID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE records SET settle = TRUE WHERE id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("settle record: %w", err)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, ownerUserID string, filter models.RecordFilter) ([]models.Record, int, error) {
	where := []string{"owner_user_id = $1"}
	args := []any{ownerUserID}

	appendCond := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Pending != nil {
		appendCond("pending = $%d", *filter.Pending)
	}
	if filter.Settle != nil {
		appendCond("settle = $%d", *filter.Settle)
	}
	if filter.StartDate != "" {
		appendCond("date >= $%d", filter.StartDate)
	}
	if filter.EndDate != "" {
		appendCond("date <= $%d", filter.EndDate)
	}
	clause := strings.Join(where, " AND ")

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE `+clause, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM records WHERE %s ORDER BY date DESC, id LIMIT $%d OFFSET $%d`,
		recordColumns, clause, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}
	return records, total, nil
}

// --- consumed collaborators ---

// Friendships exposes the accepted-friend check the fan-out writer consumes.
type Friendships struct {
	pool *pgxpool.Pool
}

func (s *Store) Friendships() *Friendships { return &Friendships{pool: s.pool} }

func (f *Friendships) IsAccepted(ctx context.Context, userID, friendID string) (bool, error) {
	var ok bool
	err := f.pool.QueryRow(ctx,
		`SELECT EXISTS(
		    SELECT 1 FROM friendships
		     WHERE from_user_id = $1 AND to_user_id = $2 AND status = 'accepted')`,
		userID, friendID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query friendship: %w", err)
	}
	return ok, nil
}

// Categories exposes the ownership check the finalizer and fan-out consume.
type Categories struct {
	pool *pgxpool.Pool
}

func (s *Store) Categories() *Categories { return &Categories{pool: s.pool} }

func (c *Categories) BelongsTo(ctx context.Context, userID, categoryID string) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS(
		    SELECT 1 FROM categories WHERE id = $1 AND owner_user_id = $2)`,
		categoryID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query category: %w", err)
	}
	return ok, nil
}

// marshalShares keeps the JSONB encoding of share maps in one place.
func marshalShares(shares map[string]decimal.Decimal) ([]byte, error) {
	b, err := json.Marshal(shares)
	if err != nil {
		return nil, fmt.Errorf("encode participant shares: %w", err)
	}
	return b, nil
}

func marshalIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode participant ids: %w", err)
	}
	return b, nil
}

var _ service.Datastore = (*Store)(nil)
