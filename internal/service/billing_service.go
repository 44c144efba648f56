package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/metrics"
	"github.com/verdantlabs/yardgen/internal/models"
)

// ErrInsufficientAccess means no payment method can cover the request. No
// state was written.
var ErrInsufficientAccess = errors.New("insufficient access, payment required")

// ReloadNotifier receives auto-reload triggers claimed during a charge.
// Implementations must not block.
type ReloadNotifier interface {
	Trigger(userID int64, amount int)
}

// Authorization is the resolver's verdict: which method pays and how many
// units were actually deducted. Subscription requests deduct nothing.
type Authorization struct {
	Method         models.PaymentMethod
	CommittedUnits int
}

// BillingService resolves which account pays for a request and owns the
// balance-facing read paths (balance view, auto-reload settings, audit trail).
type BillingService struct {
	log          *slog.Logger
	ledger       ledger.Store
	reloads      ReloadNotifier
	trialCredits int
}

func NewBillingService(log *slog.Logger, store ledger.Store, reloads ReloadNotifier, trialCredits int) *BillingService {
	return &BillingService{
		log:          log,
		ledger:       store,
		reloads:      reloads,
		trialCredits: trialCredits,
	}
}

// EnsureAccount provisions the account on first touch with the signup trial
// grant.
func (s *BillingService) EnsureAccount(ctx context.Context, userID int64) (*models.Account, error) {
	return s.ledger.Ensure(ctx, userID, s.trialCredits)
}

// Authorize picks the paying method in fixed priority order: subscription,
// then trial, then tokens. The snapshot read only selects the method; the
// underlying Charge is the sole source of truth and can still reject under
// race, in which case the resolver falls through to the next method.
func (s *BillingService) Authorize(ctx context.Context, userID int64, units int) (*Authorization, error) {
	if units <= 0 {
		return nil, fmt.Errorf("units must be positive, got %d", units)
	}
	acct, err := s.ledger.Ensure(ctx, userID, s.trialCredits)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	if acct.SubscriptionActive {
		metrics.ChargesTotal.WithLabelValues(string(models.MethodSubscription)).Inc()
		return &Authorization{Method: models.MethodSubscription}, nil
	}

	if acct.TrialRemaining >= units {
		_, err := s.ledger.Charge(ctx, userID, models.CounterTrial, units)
		if err == nil {
			metrics.ChargesTotal.WithLabelValues(string(models.MethodTrial)).Inc()
			return &Authorization{Method: models.MethodTrial, CommittedUnits: units}, nil
		}
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, fmt.Errorf("trial charge: %w", err)
		}
		// Lost a race on the trial counter; fall through to tokens.
	}

	res, err := s.ledger.Charge(ctx, userID, models.CounterToken, units)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			metrics.ChargesRejectedTotal.Inc()
			return nil, ErrInsufficientAccess
		}
		return nil, fmt.Errorf("token charge: %w", err)
	}
	metrics.ChargesTotal.WithLabelValues(string(models.MethodToken)).Inc()
	if res.ReloadClaimed && s.reloads != nil {
		s.reloads.Trigger(userID, res.ReloadAmount)
	}
	return &Authorization{Method: models.MethodToken, CommittedUnits: units}, nil
}

func (s *BillingService) Balance(ctx context.Context, userID int64) (*models.Account, error) {
	return s.ledger.Ensure(ctx, userID, s.trialCredits)
}

// UpdateAutoReload validates and stores the per-account reload settings.
// Re-enabling clears the failure kill-switch.
func (s *BillingService) UpdateAutoReload(ctx context.Context, userID int64, enabled bool, threshold, amount int) (*models.Account, error) {
	if enabled {
		if threshold < 1 {
			return nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
		}
		if amount < 10 {
			return nil, fmt.Errorf("amount must be at least 10, got %d", amount)
		}
	}
	if _, err := s.ledger.Ensure(ctx, userID, s.trialCredits); err != nil {
		return nil, err
	}
	if err := s.ledger.UpdateAutoReload(ctx, userID, enabled, threshold, amount); err != nil {
		return nil, err
	}
	return s.ledger.Get(ctx, userID)
}

func (s *BillingService) Transactions(ctx context.Context, userID int64, f ledger.TransactionFilter) ([]models.Transaction, error) {
	if _, err := s.ledger.Ensure(ctx, userID, s.trialCredits); err != nil {
		return nil, err
	}
	return s.ledger.ListTransactions(ctx, userID, f)
}
