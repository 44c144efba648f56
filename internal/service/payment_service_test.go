package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/gateway"
	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/service"
)

func TestProcessEventCreditsOnce(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	_, err := mem.Ensure(ctx, 1, 3)
	require.NoError(t, err)
	payments := service.NewPaymentService(testLogger(), mem)

	ev := &gateway.Event{ID: "pi_123", Type: gateway.EventPaymentSucceeded, UserID: 1, Tokens: 50}

	// At-least-once delivery: the gateway redelivers until acknowledged.
	outcome, err := payments.ProcessEvent(ctx, ev, models.KindPurchase)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeCredited, outcome)

	for i := 0; i < 2; i++ {
		outcome, err = payments.ProcessEvent(ctx, ev, models.KindPurchase)
		require.NoError(t, err)
		assert.Equal(t, service.OutcomeDuplicate, outcome)
	}

	acct, err := mem.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, acct.TokenBalance)

	txs, err := mem.ListTransactions(ctx, 1, ledger.TransactionFilter{Kind: models.KindPurchase})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "pi_123", txs[0].ExternalEventID)
	assert.Equal(t, 50, txs[0].Amount)
}

func TestProcessEventIgnoresOtherTypes(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	_, err := mem.Ensure(ctx, 1, 3)
	require.NoError(t, err)
	payments := service.NewPaymentService(testLogger(), mem)

	ev := &gateway.Event{ID: "pi_456", Type: "payment.refunded", UserID: 1, Tokens: 50}
	outcome, err := payments.ProcessEvent(ctx, ev, models.KindPurchase)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeIgnored, outcome)

	acct, err := mem.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TokenBalance)
}

func TestProcessEventUnknownAccountIgnored(t *testing.T) {
	ctx := context.Background()
	payments := service.NewPaymentService(testLogger(), ledger.NewMemory())

	ev := &gateway.Event{ID: "pi_789", Type: gateway.EventPaymentSucceeded, UserID: 404, Tokens: 50}
	outcome, err := payments.ProcessEvent(ctx, ev, models.KindPurchase)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeIgnored, outcome)
}

func TestProcessEventRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	payments := service.NewPaymentService(testLogger(), ledger.NewMemory())

	ev := &gateway.Event{ID: "pi_0", Type: gateway.EventPaymentSucceeded, UserID: 1, Tokens: 0}
	_, err := payments.ProcessEvent(ctx, ev, models.KindPurchase)
	require.Error(t, err)
}
