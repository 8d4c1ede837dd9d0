package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"polymarket-copytrader/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PostgreSQL error codes
const pgErrUniqueViolation = "23505"

// PostgresConfig configures the Postgres store and its optional Redis cache.
type PostgresConfig struct {
	DSN       string
	RedisAddr string // empty disables the cache
	RedisTTL  time.Duration
}

// PostgresStore wraps PostgreSQL persistence with a Redis dedup cache.
// Redis only ever holds positive "already copied" answers; Postgres stays
// the source of truth.
type PostgresStore struct {
	pool     *pgxpool.Pool
	redis    *redis.Client
	redisTTL time.Duration
	logger   *slog.Logger
}

// NewPostgres connects, applies the schema and optionally connects Redis.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Add query timeout to prevent slow queries from hanging
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{
		pool:     pool,
		redisTTL: cfg.RedisTTL,
		logger:   slog.Default().With("component", "storage"),
	}
	if s.redisTTL <= 0 {
		s.redisTTL = 24 * time.Hour
	}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:       cfg.RedisAddr,
			MaxRetries: 3,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			pool.Close()
			_ = rdb.Close()
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		s.redis = rdb
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	schema, err := loadSchema("postgres.sql")
	if err != nil {
		return fmt.Errorf("postgres: load schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func copiedKey(accountID int64, txHash string) string {
	return fmt.Sprintf("copied:%d:%s", accountID, txHash)
}

func (s *PostgresStore) cacheCopied(ctx context.Context, accountID int64, txHash string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, copiedKey(accountID, txHash), 1, s.redisTTL).Err(); err != nil {
		s.logger.Warn("redis set failed", "account_id", accountID, "tx", txHash, "error", err)
	}
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

const pgSelectAccounts = `
    SELECT a.id, a.address, a.encrypted_private_key,
           c.copy_percentage::text, c.max_trade_size::text, c.budget::text, c.updated_at
    FROM accounts a
    JOIN account_config c ON a.id = c.account_id
`

func scanPgAccount(row pgx.Row) (models.ManagedAccount, error) {
	var (
		acc                      models.ManagedAccount
		copyPct, maxSize, budget string
	)
	if err := row.Scan(&acc.ID, &acc.Address, &acc.EncryptedPrivateKey, &copyPct, &maxSize, &budget, &acc.UpdatedAt); err != nil {
		return acc, err
	}

	var err error
	if acc.Risk.CopyPercentage, err = decimal.NewFromString(copyPct); err != nil {
		return acc, fmt.Errorf("account %d copy_percentage: %w", acc.ID, err)
	}
	if acc.Risk.MaxTradeSize, err = decimal.NewFromString(maxSize); err != nil {
		return acc, fmt.Errorf("account %d max_trade_size: %w", acc.ID, err)
	}
	if acc.BudgetRemaining, err = decimal.NewFromString(budget); err != nil {
		return acc, fmt.Errorf("account %d budget: %w", acc.ID, err)
	}
	return acc, nil
}

// ListAccountsWithConfig returns every account that has a config row.
func (s *PostgresStore) ListAccountsWithConfig(ctx context.Context) ([]models.ManagedAccount, error) {
	rows, err := s.pool.Query(ctx, pgSelectAccounts+` ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.ManagedAccount
	for rows.Next() {
		acc, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetAccount returns one account with its config.
func (s *PostgresStore) GetAccount(ctx context.Context, accountID int64) (*models.ManagedAccount, error) {
	acc, err := scanPgAccount(s.pool.QueryRow(ctx, pgSelectAccounts+` WHERE a.id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// UpsertAccount inserts the account if its address is new and writes its
// risk config, replacing any previous config.
func (s *PostgresStore) UpsertAccount(ctx context.Context, address, encryptedKey string, risk models.RiskConfig, budget decimal.Decimal) (int64, error) {
	if address == "" || encryptedKey == "" || budget.IsNegative() {
		return 0, ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
        INSERT INTO accounts (address, encrypted_private_key)
        VALUES ($1, $2)
        ON CONFLICT (address) DO NOTHING
    `, address, encryptedKey); err != nil {
		return 0, err
	}

	var id int64
	if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE address = $1`, address).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve account id: %w", err)
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO account_config (account_id, copy_percentage, max_trade_size, budget, updated_at)
        VALUES ($1, $2::numeric, $3::numeric, $4::numeric, NOW())
        ON CONFLICT (account_id) DO UPDATE SET
            copy_percentage = EXCLUDED.copy_percentage,
            max_trade_size = EXCLUDED.max_trade_size,
            budget = EXCLUDED.budget,
            updated_at = NOW()
    `, id, risk.CopyPercentage.String(), risk.MaxTradeSize.String(), budget.String()); err != nil {
		return 0, err
	}

	return id, tx.Commit(ctx)
}

// HasCopy consults Redis first, then Postgres, caching positive answers.
func (s *PostgresStore) HasCopy(ctx context.Context, accountID int64, txHash string) (bool, error) {
	if s.redis != nil {
		n, err := s.redis.Exists(ctx, copiedKey(accountID, txHash)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		if err != nil {
			s.logger.Warn("redis exists failed, falling back to postgres", "error", err)
		}
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM copied_trades WHERE account_id = $1 AND tx_hash = $2)`,
		accountID, txHash,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		s.cacheCopied(ctx, accountID, txHash)
	}
	return exists, nil
}

// RecordCopy inserts a copy record; duplicates are reported as not inserted.
func (s *PostgresStore) RecordCopy(ctx context.Context, rec models.CopyRecord) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	_, err := s.pool.Exec(ctx, `
        INSERT INTO copied_trades (account_id, tx_hash, condition_id, copied_notional, order_id, status)
        VALUES ($1, $2, $3, $4::numeric, $5, $6)
    `, rec.AccountID, rec.TransactionHash, rec.ConditionID, rec.CopiedNotional.String(), rec.OrderID, string(recordStatus(rec)))
	if isDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.cacheCopied(ctx, rec.AccountID, rec.TransactionHash)
	return true, nil
}

// DebitBudget subtracts amount from the account budget.
func (s *PostgresStore) DebitBudget(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
        UPDATE account_config
        SET budget = budget - $2::numeric, updated_at = NOW()
        WHERE account_id = $1 AND budget >= $2::numeric
    `, accountID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM account_config WHERE account_id = $1)`, accountID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: account %d cannot cover %s", ErrInsufficientBudget, accountID, amount)
}

// CommitCopy records the copy and debits the budget in one transaction.
func (s *PostgresStore) CommitCopy(ctx context.Context, rec models.CopyRecord) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var locked int64
	err = tx.QueryRow(ctx,
		`SELECT account_id FROM account_config WHERE account_id = $1 FOR UPDATE`, rec.AccountID,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
        INSERT INTO copied_trades (account_id, tx_hash, condition_id, copied_notional, order_id, status)
        VALUES ($1, $2, $3, $4::numeric, $5, $6)
        ON CONFLICT (account_id, tx_hash) DO NOTHING
    `, rec.AccountID, rec.TransactionHash, rec.ConditionID, rec.CopiedNotional.String(), rec.OrderID, string(recordStatus(rec)))
	if err != nil {
		return false, err
	}

	inserted := tag.RowsAffected() == 1
	if inserted {
		if _, err := tx.Exec(ctx, `
            UPDATE account_config
            SET budget = GREATEST(budget - $2::numeric, 0), updated_at = NOW()
            WHERE account_id = $1
        `, rec.AccountID, rec.CopiedNotional.String()); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	s.cacheCopied(ctx, rec.AccountID, rec.TransactionHash)
	return inserted, nil
}

// ListCopies returns the most recent copies for an account, newest first.
func (s *PostgresStore) ListCopies(ctx context.Context, accountID int64, limit int) ([]models.CopyRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
        SELECT account_id, tx_hash, condition_id, copied_notional::text, order_id, status, created_at
        FROM copied_trades
        WHERE account_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.CopyRecord
	for rows.Next() {
		var (
			rec      models.CopyRecord
			notional string
			status   string
		)
		if err := rows.Scan(&rec.AccountID, &rec.TransactionHash, &rec.ConditionID, &notional, &rec.OrderID, &status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.CopiedNotional, err = decimal.NewFromString(notional); err != nil {
			return nil, fmt.Errorf("copy %s notional: %w", rec.TransactionHash, err)
		}
		rec.Status = models.CopyStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}
