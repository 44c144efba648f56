package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/verdantlabs/yardgen/internal/models"
)

// Memory implements Store with a mutex-guarded map. It mirrors the MySQL
// semantics exactly (lock discipline, idempotency guards, reload claim) and
// backs the concurrency tests and local development.
type Memory struct {
	mu         sync.Mutex
	accounts   map[int64]*models.Account
	txs        []models.Transaction
	nextTxID   int64
	eventIDs   map[string]struct{}
	refundKeys map[string]struct{}
	throttle   time.Duration

	// Now is swappable so tests can step through the throttle window.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[int64]*models.Account),
		eventIDs:   make(map[string]struct{}),
		refundKeys: make(map[string]struct{}),
		throttle:   DefaultReloadThrottle,
		nextTxID:   1,
		Now:        time.Now,
	}
}

func (m *Memory) Ensure(_ context.Context, userID int64, trialCredits int) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[userID]; ok {
		return cloneAccount(acct), nil
	}
	now := m.Now().UTC()
	acct := &models.Account{
		UserID:         userID,
		TrialRemaining: trialCredits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.accounts[userID] = acct
	return cloneAccount(acct), nil
}

func (m *Memory) Get(_ context.Context, userID int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

// Seed installs an account directly, bypassing the signup path. Test helper.
func (m *Memory) Seed(acct models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := acct
	m.accounts[acct.UserID] = &c
}

func (m *Memory) Charge(_ context.Context, userID int64, counter models.Counter, units int) (*ChargeResult, error) {
	if units <= 0 {
		return nil, fmt.Errorf("charge units must be positive, got %d", units)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	balance := m.counter(acct, counter)
	if *balance < units {
		return nil, ErrInsufficientFunds
	}
	*balance -= units
	m.append(userID, counter, models.KindDeduction, -units, *balance, "", "")

	res := &ChargeResult{NewBalance: *balance}
	if counter == models.CounterToken && m.reloadDue(acct, *balance) {
		now := m.Now().UTC()
		acct.AutoReload.LastReloadAt = &now
		res.ReloadClaimed = true
		res.ReloadAmount = acct.AutoReload.Amount
	}
	return res, nil
}

func (m *Memory) reloadDue(acct *models.Account, newBalance int) bool {
	ar := acct.AutoReload
	if !ar.Enabled || newBalance >= ar.Threshold {
		return false
	}
	return ar.LastReloadAt == nil || m.Now().Sub(*ar.LastReloadAt) >= m.throttle
}

func (m *Memory) Refund(_ context.Context, userID int64, counter models.Counter, units int, refKey string) (int, error) {
	if units <= 0 {
		return 0, fmt.Errorf("refund units must be positive, got %d", units)
	}
	if refKey == "" {
		return 0, fmt.Errorf("refund reference key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if _, dup := m.refundKeys[refKey]; dup {
		return 0, ErrAlreadyRefunded
	}
	m.refundKeys[refKey] = struct{}{}
	balance := m.counter(acct, counter)
	*balance += units
	m.append(userID, counter, models.KindRefund, units, *balance, "", refKey)
	return *balance, nil
}

func (m *Memory) Credit(_ context.Context, userID int64, units int, kind models.TransactionKind, externalEventID string) (int, error) {
	if units <= 0 {
		return 0, fmt.Errorf("credit units must be positive, got %d", units)
	}
	if externalEventID == "" {
		return 0, fmt.Errorf("external event id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if _, dup := m.eventIDs[externalEventID]; dup {
		return 0, ErrAlreadyProcessed
	}
	m.eventIDs[externalEventID] = struct{}{}
	acct.TokenBalance += units
	m.append(userID, models.CounterToken, kind, units, acct.TokenBalance, externalEventID, "")
	if kind == models.KindAutoReload {
		acct.AutoReload.FailureCount = 0
	}
	return acct.TokenBalance, nil
}

func (m *Memory) RecordReloadFailure(_ context.Context, userID int64) (*ReloadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.AutoReload.FailureCount++
	if acct.AutoReload.FailureCount >= ReloadFailureLimit {
		acct.AutoReload.Enabled = false
	}
	return &ReloadState{
		FailureCount: acct.AutoReload.FailureCount,
		Enabled:      acct.AutoReload.Enabled,
	}, nil
}

func (m *Memory) UpdateAutoReload(_ context.Context, userID int64, enabled bool, threshold, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.AutoReload.Enabled = enabled
	acct.AutoReload.Threshold = threshold
	acct.AutoReload.Amount = amount
	if enabled {
		acct.AutoReload.FailureCount = 0
	}
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, userID int64, f TransactionFilter) ([]models.Transaction, error) {
	f = normalizeFilter(f)
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Transaction
	for _, t := range m.txs {
		if t.UserID != userID {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	start := (f.Page - 1) * f.PerPage
	if start >= len(matched) {
		return nil, nil
	}
	end := start + f.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// VerifyBalances checks the reconciliation invariant: per-counter transaction
// sums must equal the live counters, net of the signup trial grant which
// predates the audit trail.
func (m *Memory) VerifyBalances(_ context.Context, userID int64, initialTrial int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	sums := map[models.Counter]int{}
	for _, t := range m.txs {
		if t.UserID == userID {
			sums[t.Counter] += t.Amount
		}
	}
	if got := sums[models.CounterToken]; got != acct.TokenBalance {
		return fmt.Errorf("%w: token balance %d, transaction sum %d", ErrBalanceInvariant, acct.TokenBalance, got)
	}
	if got := initialTrial + sums[models.CounterTrial]; got != acct.TrialRemaining {
		return fmt.Errorf("%w: trial remaining %d, grant+sum %d", ErrBalanceInvariant, acct.TrialRemaining, got)
	}
	return nil
}

func (m *Memory) counter(a *models.Account, c models.Counter) *int {
	if c == models.CounterTrial {
		return &a.TrialRemaining
	}
	return &a.TokenBalance
}

func (m *Memory) append(userID int64, counter models.Counter, kind models.TransactionKind, amount, balanceAfter int, eventID, refKey string) {
	m.txs = append(m.txs, models.Transaction{
		ID:              m.nextTxID,
		UserID:          userID,
		Counter:         counter,
		Kind:            kind,
		Amount:          amount,
		BalanceAfter:    balanceAfter,
		ExternalEventID: eventID,
		ReferenceID:     refKey,
		CreatedAt:       m.Now().UTC(),
	})
	m.nextTxID++
}

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	if a.AutoReload.LastReloadAt != nil {
		t := *a.AutoReload.LastReloadAt
		c.AutoReload.LastReloadAt = &t
	}
	return &c
}
