package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store is the default SQLite account store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	// one writer keeps CommitCopy serialized
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db, now: time.Now}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) runMigrations(ctx context.Context) error {
	schema, err := loadSchema("sqlite.sql")
	if err != nil {
		return fmt.Errorf("storage: load schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return s.addMissingCopyColumns(ctx)
}

// copyColumnUpgrades are the copied_trades columns that databases created
// before order tracking lack. Existing rows read back as filled.
var copyColumnUpgrades = []struct {
	name string
	ddl  string
}{
	{"order_id", `ALTER TABLE copied_trades ADD COLUMN order_id TEXT NOT NULL DEFAULT ''`},
	{"status", `ALTER TABLE copied_trades ADD COLUMN status TEXT NOT NULL DEFAULT 'filled'`},
}

func (s *Store) addMissingCopyColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(copied_trades)`)
	if err != nil {
		return fmt.Errorf("storage: inspect copied_trades: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("storage: inspect copied_trades: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: inspect copied_trades: %w", err)
	}

	for _, col := range copyColumnUpgrades {
		if existing[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("storage: add copied_trades.%s: %w", col.name, err)
		}
	}
	return nil
}

const selectAccounts = `
    SELECT a.id, a.address, a.encrypted_private_key,
           c.copy_percentage, c.max_trade_size, c.budget, c.updated_at
    FROM accounts a
    JOIN account_config c ON a.id = c.account_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.ManagedAccount, error) {
	var (
		acc                      models.ManagedAccount
		copyPct, maxSize, budget string
		updatedAt                sql.NullInt64
	)
	if err := row.Scan(&acc.ID, &acc.Address, &acc.EncryptedPrivateKey, &copyPct, &maxSize, &budget, &updatedAt); err != nil {
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
	if updatedAt.Valid {
		acc.UpdatedAt = time.Unix(updatedAt.Int64, 0).UTC()
	}
	return acc, nil
}

// ListAccountsWithConfig returns every account that has a config row.
func (s *Store) ListAccountsWithConfig(ctx context.Context) ([]models.ManagedAccount, error) {
	rows, err := s.db.QueryContext(ctx, selectAccounts+` ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.ManagedAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetAccount returns one account with its config.
func (s *Store) GetAccount(ctx context.Context, accountID int64) (*models.ManagedAccount, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, selectAccounts+` WHERE a.id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// UpsertAccount inserts the account if its address is new and writes its
// risk config, replacing any previous config.
func (s *Store) UpsertAccount(ctx context.Context, address, encryptedKey string, risk models.RiskConfig, budget decimal.Decimal) (int64, error) {
	if address == "" || encryptedKey == "" || budget.IsNegative() {
		return 0, ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO accounts (address, encrypted_private_key)
        VALUES (?, ?)
    `, address, encryptedKey); err != nil {
		return 0, err
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE address = ?`, address).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve account id: %w", err)
	}

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO account_config (account_id, copy_percentage, max_trade_size, budget, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(account_id) DO UPDATE SET
            copy_percentage = excluded.copy_percentage,
            max_trade_size = excluded.max_trade_size,
            budget = excluded.budget,
            updated_at = excluded.updated_at
    `, id, risk.CopyPercentage.String(), risk.MaxTradeSize.String(), budget.String(), now); err != nil {
		return 0, err
	}

	return id, tx.Commit()
}

// HasCopy reports whether the trade was already copied for the account.
func (s *Store) HasCopy(ctx context.Context, accountID int64, txHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM copied_trades WHERE account_id = ? AND tx_hash = ?`,
		accountID, txHash,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordCopy inserts a copy record; duplicates are ignored.
func (s *Store) RecordCopy(ctx context.Context, rec models.CopyRecord) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}
	return s.insertCopy(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertCopy(ctx context.Context, db execer, rec models.CopyRecord) (bool, error) {
	res, err := db.ExecContext(ctx, `
        INSERT OR IGNORE INTO copied_trades
            (account_id, tx_hash, condition_id, copied_notional, order_id, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, rec.AccountID, rec.TransactionHash, rec.ConditionID, rec.CopiedNotional.String(),
		rec.OrderID, string(recordStatus(rec)), s.now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DebitBudget subtracts amount from the account budget.
func (s *Store) DebitBudget(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	budget, err := s.budgetTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if budget.LessThan(amount) {
		return fmt.Errorf("%w: account %d has %s, need %s", ErrInsufficientBudget, accountID, budget, amount)
	}
	if err := s.setBudgetTx(ctx, tx, accountID, budget.Sub(amount)); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitCopy records the copy and debits the budget atomically.
func (s *Store) CommitCopy(ctx context.Context, rec models.CopyRecord) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	budget, err := s.budgetTx(ctx, tx, rec.AccountID)
	if err != nil {
		return false, err
	}

	inserted, err := s.insertCopy(ctx, tx, rec)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, tx.Commit()
	}

	if err := s.setBudgetTx(ctx, tx, rec.AccountID, debit(budget, rec.CopiedNotional)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) budgetTx(ctx context.Context, tx *sql.Tx, accountID int64) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT budget FROM account_config WHERE account_id = ?`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (s *Store) setBudgetTx(ctx context.Context, tx *sql.Tx, accountID int64, budget decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE account_config SET budget = ?, updated_at = ? WHERE account_id = ?`,
		budget.String(), s.now().Unix(), accountID,
	)
	return err
}

// ListCopies returns the most recent copies for an account, newest first.
func (s *Store) ListCopies(ctx context.Context, accountID int64, limit int) ([]models.CopyRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT account_id, tx_hash, condition_id, copied_notional, order_id, status, created_at
        FROM copied_trades
        WHERE account_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?
    `, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.CopyRecord
	for rows.Next() {
		var (
			rec       models.CopyRecord
			notional  string
			status    string
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&rec.AccountID, &rec.TransactionHash, &rec.ConditionID, &notional, &rec.OrderID, &status, &createdAt); err != nil {
			return nil, err
		}
		if rec.CopiedNotional, err = decimal.NewFromString(notional); err != nil {
			return nil, fmt.Errorf("copy %s notional: %w", rec.TransactionHash, err)
		}
		rec.Status = models.CopyStatus(status)
		if createdAt.Valid {
			rec.CreatedAt = time.Unix(createdAt.Int64, 0).UTC()
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
