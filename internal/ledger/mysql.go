package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/verdantlabs/yardgen/internal/models"
)

// MySQL implements Store on top of the accounts and transactions tables.
// Every mutating call is one DB transaction: lock the account row with
// SELECT ... FOR UPDATE, check, write, append the transaction row, commit.
// The lock is never held across external I/O.
type MySQL struct {
	db       *sql.DB
	throttle time.Duration
	now      func() time.Time
}

func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{
		db:       db,
		throttle: DefaultReloadThrottle,
		now:      time.Now,
	}
}

func (s *MySQL) Ensure(ctx context.Context, userID int64, trialCredits int) (*models.Account, error) {
	acct, err := s.Get(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	const query = `
INSERT INTO accounts (user_id, trial_remaining) VALUES (?, ?)
ON DUPLICATE KEY UPDATE user_id = user_id`
	if _, err := s.db.ExecContext(ctx, query, userID, trialCredits); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return s.Get(ctx, userID)
}

func (s *MySQL) Get(ctx context.Context, userID int64) (*models.Account, error) {
	const query = `
SELECT user_id, trial_remaining, token_balance, subscription_active,
       auto_reload_enabled, auto_reload_threshold, auto_reload_amount,
       reload_failure_count, last_reload_at, created_at, updated_at
FROM accounts WHERE user_id = ?`
	return scanAccount(s.db.QueryRowContext(ctx, query, userID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var subActive, reloadEnabled int
	var lastReload sql.NullTime
	err := row.Scan(&a.UserID, &a.TrialRemaining, &a.TokenBalance, &subActive,
		&reloadEnabled, &a.AutoReload.Threshold, &a.AutoReload.Amount,
		&a.AutoReload.FailureCount, &lastReload, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.SubscriptionActive = subActive != 0
	a.AutoReload.Enabled = reloadEnabled != 0
	if lastReload.Valid {
		t := lastReload.Time
		a.AutoReload.LastReloadAt = &t
	}
	return &a, nil
}

func (s *MySQL) Charge(ctx context.Context, userID int64, counter models.Counter, units int) (*ChargeResult, error) {
	if units <= 0 {
		return nil, fmt.Errorf("charge units must be positive, got %d", units)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback()

	acct, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	balance := counterValue(acct, counter)
	if balance < units {
		return nil, ErrInsufficientFunds
	}
	newBalance := balance - units
	if err := updateCounter(ctx, tx, userID, counter, newBalance); err != nil {
		return nil, err
	}
	if err := appendTransaction(ctx, tx, userID, counter, models.KindDeduction, -units, newBalance, "", ""); err != nil {
		return nil, err
	}

	res := &ChargeResult{NewBalance: newBalance}
	if counter == models.CounterToken && s.reloadDue(acct, newBalance) {
		// Claim the trigger before releasing the lock so concurrent
		// deductions cannot double-fire.
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET last_reload_at = ? WHERE user_id = ?`,
			s.now().UTC(), userID); err != nil {
			return nil, fmt.Errorf("claim reload: %w", err)
		}
		res.ReloadClaimed = true
		res.ReloadAmount = acct.AutoReload.Amount
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit charge: %w", err)
	}
	return res, nil
}

func (s *MySQL) reloadDue(acct *models.Account, newBalance int) bool {
	ar := acct.AutoReload
	if !ar.Enabled || newBalance >= ar.Threshold {
		return false
	}
	return ar.LastReloadAt == nil || s.now().Sub(*ar.LastReloadAt) >= s.throttle
}

func (s *MySQL) Refund(ctx context.Context, userID int64, counter models.Counter, units int, refKey string) (int, error) {
	if units <= 0 {
		return 0, fmt.Errorf("refund units must be positive, got %d", units)
	}
	if refKey == "" {
		return 0, fmt.Errorf("refund reference key is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	acct, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	newBalance := counterValue(acct, counter) + units

	// The unique (kind, reference_id) index is the idempotency guard: a
	// retried refund fails the insert and we roll back untouched.
	err = appendTransaction(ctx, tx, userID, counter, models.KindRefund, units, newBalance, "", refKey)
	if isDuplicateKey(err) {
		return 0, ErrAlreadyRefunded
	}
	if err != nil {
		return 0, err
	}
	if err := updateCounter(ctx, tx, userID, counter, newBalance); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit refund: %w", err)
	}
	return newBalance, nil
}

func (s *MySQL) Credit(ctx context.Context, userID int64, units int, kind models.TransactionKind, externalEventID string) (int, error) {
	if units <= 0 {
		return 0, fmt.Errorf("credit units must be positive, got %d", units)
	}
	if externalEventID == "" {
		return 0, fmt.Errorf("external event id is required")
	}
	if kind != models.KindPurchase && kind != models.KindAutoReload {
		return 0, fmt.Errorf("unsupported credit kind: %s", kind)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	acct, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	newBalance := acct.TokenBalance + units

	// Insert first: the unique external_event_id index makes duplicate
	// gateway deliveries conflict here, before any balance mutation.
	err = appendTransaction(ctx, tx, userID, models.CounterToken, kind, units, newBalance, externalEventID, "")
	if isDuplicateKey(err) {
		return 0, ErrAlreadyProcessed
	}
	if err != nil {
		return 0, err
	}
	if err := updateCounter(ctx, tx, userID, models.CounterToken, newBalance); err != nil {
		return 0, err
	}
	if kind == models.KindAutoReload {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET reload_failure_count = 0 WHERE user_id = ?`, userID); err != nil {
			return 0, fmt.Errorf("reset reload failures: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return newBalance, nil
}

func (s *MySQL) RecordReloadFailure(ctx context.Context, userID int64) (*ReloadState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failure tx: %w", err)
	}
	defer tx.Rollback()

	acct, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	state := &ReloadState{
		FailureCount: acct.AutoReload.FailureCount + 1,
		Enabled:      acct.AutoReload.Enabled,
	}
	if state.FailureCount >= ReloadFailureLimit {
		state.Enabled = false
	}
	const query = `
UPDATE accounts SET reload_failure_count = ?, auto_reload_enabled = ?, updated_at = NOW()
WHERE user_id = ?`
	if _, err := tx.ExecContext(ctx, query, state.FailureCount, boolInt(state.Enabled), userID); err != nil {
		return nil, fmt.Errorf("record reload failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failure: %w", err)
	}
	return state, nil
}

func (s *MySQL) UpdateAutoReload(ctx context.Context, userID int64, enabled bool, threshold, amount int) error {
	const query = `
UPDATE accounts
SET auto_reload_enabled = ?, auto_reload_threshold = ?, auto_reload_amount = ?,
    reload_failure_count = IF(?, 0, reload_failure_count), updated_at = NOW()
WHERE user_id = ?`
	res, err := s.db.ExecContext(ctx, query, boolInt(enabled), threshold, amount, boolInt(enabled), userID)
	if err != nil {
		return fmt.Errorf("update auto reload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("auto reload rows affected: %w", err)
	}
	if affected == 0 {
		// MySQL reports 0 for no-change updates too; distinguish a missing row.
		if _, err := s.Get(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQL) ListTransactions(ctx context.Context, userID int64, f TransactionFilter) ([]models.Transaction, error) {
	f = normalizeFilter(f)
	var sb strings.Builder
	sb.WriteString(`
SELECT id, user_id, counter, kind, amount, balance_after,
       COALESCE(external_event_id, ''), COALESCE(reference_id, ''), created_at
FROM transactions WHERE user_id = ?`)
	args := []any{userID}
	if f.Kind != "" {
		sb.WriteString(" AND kind = ?")
		args = append(args, f.Kind)
	}
	if !f.From.IsZero() {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		sb.WriteString(" AND created_at < ?")
		args = append(args, f.To)
	}
	sb.WriteString(" ORDER BY id DESC LIMIT ? OFFSET ?")
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Counter, &t.Kind, &t.Amount,
			&t.BalanceAfter, &t.ExternalEventID, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// VerifyBalances checks the reconciliation invariant for one account: the sum
// of transaction amounts per counter must equal the live counter value.
func (s *MySQL) VerifyBalances(ctx context.Context, userID int64) error {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	const query = `
SELECT counter, COALESCE(SUM(amount), 0) FROM transactions
WHERE user_id = ? GROUP BY counter`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("sum transactions: %w", err)
	}
	defer rows.Close()

	sums := map[models.Counter]int{}
	for rows.Next() {
		var c models.Counter
		var sum int
		if err := rows.Scan(&c, &sum); err != nil {
			return fmt.Errorf("scan sum: %w", err)
		}
		sums[c] = sum
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// The trial counter starts non-zero at signup, so compare deltas against
	// the signup grant implied by the earliest state.
	if got := sums[models.CounterToken]; got != acct.TokenBalance {
		return fmt.Errorf("%w: token balance %d, transaction sum %d", ErrBalanceInvariant, acct.TokenBalance, got)
	}
	return nil
}

func lockAccount(ctx context.Context, tx *sql.Tx, userID int64) (*models.Account, error) {
	const query = `
SELECT user_id, trial_remaining, token_balance, subscription_active,
       auto_reload_enabled, auto_reload_threshold, auto_reload_amount,
       reload_failure_count, last_reload_at, created_at, updated_at
FROM accounts WHERE user_id = ? FOR UPDATE`
	return scanAccount(tx.QueryRowContext(ctx, query, userID))
}

func counterValue(a *models.Account, c models.Counter) int {
	if c == models.CounterTrial {
		return a.TrialRemaining
	}
	return a.TokenBalance
}

func counterColumn(c models.Counter) string {
	if c == models.CounterTrial {
		return "trial_remaining"
	}
	return "token_balance"
}

func updateCounter(ctx context.Context, tx *sql.Tx, userID int64, counter models.Counter, value int) error {
	if value < 0 {
		return fmt.Errorf("%w: %s would become %d for user %d", ErrBalanceInvariant, counter, value, userID)
	}
	query := fmt.Sprintf(`UPDATE accounts SET %s = ?, updated_at = NOW() WHERE user_id = ?`, counterColumn(counter))
	if _, err := tx.ExecContext(ctx, query, value, userID); err != nil {
		return fmt.Errorf("update %s: %w", counter, err)
	}
	return nil
}

func appendTransaction(ctx context.Context, tx *sql.Tx, userID int64, counter models.Counter, kind models.TransactionKind, amount, balanceAfter int, eventID, refKey string) error {
	const query = `
INSERT INTO transactions (user_id, counter, kind, amount, balance_after, external_event_id, reference_id)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`
	if _, err := tx.ExecContext(ctx, query, userID, counter, kind, amount, balanceAfter, eventID, refKey); err != nil {
		if isDuplicateKey(err) {
			return err
		}
		return fmt.Errorf("append %s transaction: %w", kind, err)
	}
	return nil
}

// isDuplicateKey reports MySQL error 1062, the unique-constraint violation
// that backs both idempotency guards.
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
