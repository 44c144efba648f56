package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/verdantlabs/yardgen/internal/gateway"
	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/metrics"
	"github.com/verdantlabs/yardgen/internal/models"
)

// ChargeCreator is the slice of the payment gateway the reload worker needs.
type ChargeCreator interface {
	CreateCharge(ctx context.Context, userID int64, tokens int) (string, error)
}

type reloadTrigger struct {
	userID int64
	amount int
}

// AutoReloadService executes reload triggers claimed during token deductions.
// Triggers arrive on a buffered channel so the deducting request never waits
// on the gateway; a dropped trigger is safe because the claim's throttle
// window expires and the next qualifying deduction re-claims.
type AutoReloadService struct {
	log      *slog.Logger
	ledger   ledger.Store
	gateway  ChargeCreator
	payments *PaymentService

	triggers chan reloadTrigger
	done     chan struct{}

	// MaxAttempts and RetryBackoff shape the transient-failure retry on the
	// gateway charge call. Set before Run.
	MaxAttempts  int
	RetryBackoff time.Duration
}

func NewAutoReloadService(log *slog.Logger, store ledger.Store, gw ChargeCreator, payments *PaymentService) *AutoReloadService {
	return &AutoReloadService{
		log:      log,
		ledger:   store,
		gateway:  gw,
		payments: payments,
		triggers: make(chan reloadTrigger, 64),
		done:     make(chan struct{}),

		MaxAttempts:  3,
		RetryBackoff: time.Second,
	}
}

// Trigger enqueues a claimed reload. Never blocks.
func (s *AutoReloadService) Trigger(userID int64, amount int) {
	select {
	case s.triggers <- reloadTrigger{userID: userID, amount: amount}:
	default:
		s.log.Warn("reload trigger queue full, dropping", "user_id", userID)
		metrics.ReloadsTotal.WithLabelValues("dropped").Inc()
	}
}

// Run drains the trigger queue until ctx is canceled.
func (s *AutoReloadService) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.triggers:
			s.handle(ctx, t)
		}
	}
}

// Done is closed when Run has exited.
func (s *AutoReloadService) Done() <-chan struct{} {
	return s.done
}

func (s *AutoReloadService) handle(ctx context.Context, t reloadTrigger) {
	if s.gateway == nil {
		s.log.Warn("reload claimed but no gateway configured", "user_id", t.userID)
		metrics.ReloadsTotal.WithLabelValues("skipped").Inc()
		return
	}

	chargeID, err := s.createWithRetry(ctx, t)
	if err != nil {
		state, ferr := s.ledger.RecordReloadFailure(ctx, t.userID)
		if ferr != nil {
			s.log.Error("record reload failure", "user_id", t.userID, "err", ferr)
			return
		}
		metrics.ReloadsTotal.WithLabelValues("failed").Inc()
		s.log.Error("auto-reload charge failed",
			"user_id", t.userID, "amount", t.amount, "failures", state.FailureCount,
			"enabled", state.Enabled, "err", err)
		return
	}

	// The charge id feeds the idempotent event path, so a webhook delivery of
	// the same charge later is a clean duplicate.
	ev := &gateway.Event{ID: chargeID, UserID: t.userID, Tokens: t.amount}
	outcome, err := s.payments.ProcessEvent(ctx, ev, models.KindAutoReload)
	if err != nil {
		s.log.Error("credit auto-reload charge", "user_id", t.userID, "charge_id", chargeID, "err", err)
		return
	}
	metrics.ReloadsTotal.WithLabelValues("succeeded").Inc()
	s.log.Info("auto-reload completed",
		"user_id", t.userID, "amount", t.amount, "charge_id", chargeID, "outcome", outcome)
}

func (s *AutoReloadService) createWithRetry(ctx context.Context, t reloadTrigger) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		chargeID, err := s.gateway.CreateCharge(ctx, t.userID, t.amount)
		if err == nil {
			return chargeID, nil
		}
		lastErr = err
		if attempt < s.MaxAttempts {
			s.log.Warn("reload charge attempt failed",
				"user_id", t.userID, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
	return "", lastErr
}
