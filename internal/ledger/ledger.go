package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/verdantlabs/yardgen/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientFunds means the requested counter cannot cover the
	// charge. Nothing was written.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAlreadyProcessed means a credit carrying this external event id was
	// applied before. The duplicate is a no-op.
	ErrAlreadyProcessed = errors.New("event already processed")
	// ErrAlreadyRefunded means a refund with this reference key was applied
	// before. The duplicate is a no-op.
	ErrAlreadyRefunded = errors.New("already refunded")
	// ErrBalanceInvariant indicates a negative balance slipped past the lock
	// discipline. This is a bug, not a business condition.
	ErrBalanceInvariant = errors.New("balance invariant violation")
)

// ChargeResult reports the outcome of a successful deduction. ReloadClaimed
// is set when the deduction dipped the token balance below an enabled
// auto-reload threshold and the trigger was claimed under the same lock.
type ChargeResult struct {
	NewBalance    int
	ReloadClaimed bool
	ReloadAmount  int
}

// ReloadState is the durable failure bookkeeping after a reload attempt.
type ReloadState struct {
	FailureCount int
	Enabled      bool
}

type TransactionFilter struct {
	Kind    models.TransactionKind
	From    time.Time
	To      time.Time
	Page    int
	PerPage int
}

// Store is the only way balances are read or mutated. Every mutation appends
// a transaction row; callers never see raw row access.
type Store interface {
	// Ensure returns the account, creating it with the given trial credits
	// on first touch.
	Ensure(ctx context.Context, userID int64, trialCredits int) (*models.Account, error)
	Get(ctx context.Context, userID int64) (*models.Account, error)

	// Charge atomically deducts units from one counter, or returns
	// ErrInsufficientFunds without writing anything.
	Charge(ctx context.Context, userID int64, counter models.Counter, units int) (*ChargeResult, error)

	// Refund credits units back to a counter, keyed by refKey. A repeated
	// refund for the same key returns ErrAlreadyRefunded with no mutation.
	Refund(ctx context.Context, userID int64, counter models.Counter, units int, refKey string) (int, error)

	// Credit adds purchased tokens, keyed by the gateway's event id. A
	// repeated event id returns ErrAlreadyProcessed with no mutation.
	// kind auto_reload additionally resets the reload failure count.
	Credit(ctx context.Context, userID int64, units int, kind models.TransactionKind, externalEventID string) (int, error)

	// RecordReloadFailure durably increments the failure count, disabling
	// auto-reload once it reaches the kill-switch limit.
	RecordReloadFailure(ctx context.Context, userID int64) (*ReloadState, error)

	UpdateAutoReload(ctx context.Context, userID int64, enabled bool, threshold, amount int) error
	ListTransactions(ctx context.Context, userID int64, f TransactionFilter) ([]models.Transaction, error)
}

const (
	// ReloadFailureLimit disables auto-reload after this many consecutive
	// failed external charges.
	ReloadFailureLimit = 3
	// DefaultReloadThrottle is the minimum gap between two reload triggers
	// for one account.
	DefaultReloadThrottle = 60 * time.Second

	defaultPageSize = 50
	maxPageSize     = 200
)

func normalizeFilter(f TransactionFilter) TransactionFilter {
	if f.PerPage <= 0 {
		f.PerPage = defaultPageSize
	}
	if f.PerPage > maxPageSize {
		f.PerPage = maxPageSize
	}
	if f.Page < 1 {
		f.Page = 1
	}
	return f
}
