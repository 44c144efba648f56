package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdantlabs/yardgen/internal/gateway"
	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/metrics"
	"github.com/verdantlabs/yardgen/internal/models"
)

// EventOutcome classifies what a payment event did.
type EventOutcome string

const (
	OutcomeCredited  EventOutcome = "credited"
	OutcomeDuplicate EventOutcome = "duplicate"
	// OutcomeIgnored covers events we acknowledge but do not credit
	// (unknown account, non-success type). Acknowledging stops redelivery.
	OutcomeIgnored EventOutcome = "ignored"
)

// PaymentService turns gateway payment events into token credits. The ledger's
// unique external-event-id constraint makes it safe under at-least-once
// delivery: a redelivered event conflicts on insert and mutates nothing.
type PaymentService struct {
	log    *slog.Logger
	ledger ledger.Store
}

func NewPaymentService(log *slog.Logger, store ledger.Store) *PaymentService {
	return &PaymentService{log: log, ledger: store}
}

// ProcessEvent credits the event's tokens to the account, once. kind
// distinguishes storefront purchases from auto-reload charges.
func (s *PaymentService) ProcessEvent(ctx context.Context, ev *gateway.Event, kind models.TransactionKind) (EventOutcome, error) {
	if ev.Type != "" && ev.Type != gateway.EventPaymentSucceeded {
		s.log.Info("ignoring payment event", "event_id", ev.ID, "type", ev.Type)
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}
	if ev.Tokens <= 0 {
		return "", fmt.Errorf("event %s has non-positive token amount %d", ev.ID, ev.Tokens)
	}

	newBalance, err := s.ledger.Credit(ctx, ev.UserID, ev.Tokens, kind, ev.ID)
	switch {
	case err == nil:
		s.log.Info("payment event credited",
			"event_id", ev.ID, "user_id", ev.UserID, "tokens", ev.Tokens, "kind", kind, "balance", newBalance)
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeCredited)).Inc()
		return OutcomeCredited, nil
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		s.log.Info("duplicate payment event", "event_id", ev.ID, "user_id", ev.UserID)
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		s.log.Warn("payment event for unknown account", "event_id", ev.ID, "user_id", ev.UserID)
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	default:
		return "", fmt.Errorf("credit event %s: %w", ev.ID, err)
	}
}
