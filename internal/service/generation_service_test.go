package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/render"
	"github.com/verdantlabs/yardgen/internal/repository"
	"github.com/verdantlabs/yardgen/internal/service"
)

// fakeRenderer resolves each area by its type: "fail:*" errors, "hang:*"
// blocks until the context ends, anything else succeeds.
type fakeRenderer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRenderer) Generate(ctx context.Context, spec render.Spec, onProgress func(int)) (*render.Image, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	switch {
	case strings.HasPrefix(spec.AreaType, "fail"):
		return nil, fmt.Errorf("%w: provider rejected prompt", render.ErrRenderFailed)
	case strings.HasPrefix(spec.AreaType, "hang"):
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if onProgress != nil {
		onProgress(50)
	}
	return &render.Image{URL: "https://cdn.example.com/" + spec.AreaType + ".png"}, nil
}

func (r *fakeRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type genFixture struct {
	ledger *ledger.Memory
	store  *repository.Memory
	svc    *service.GenerationService
}

func newGenFixture(t *testing.T, cfg service.GenerationConfig) *genFixture {
	t.Helper()
	mem := ledger.NewMemory()
	store := repository.NewMemory()
	billing := service.NewBillingService(testLogger(), mem, nil, 3)
	svc := service.NewGenerationService(cfg, testLogger(), billing, mem, store, &fakeRenderer{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})
	return &genFixture{ledger: mem, store: store, svc: svc}
}

func (f *genFixture) waitTerminal(t *testing.T, userID int64, id string) *models.GenerationRequest {
	t.Helper()
	var req *models.GenerationRequest
	require.Eventually(t, func() bool {
		var err error
		req, err = f.svc.Get(context.Background(), userID, id)
		if err != nil {
			return false
		}
		switch req.Status {
		case models.GenerationCompleted, models.GenerationPartial, models.GenerationFailed:
			return true
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	return req
}

func areas(types ...string) []service.AreaInput {
	out := make([]service.AreaInput, 0, len(types))
	for _, typ := range types {
		out = append(out, service.AreaInput{Type: typ, Style: "modern"})
	}
	return out
}

func TestSubmitAllAreasComplete(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{})
	f.ledger.Seed(models.Account{UserID: 1, TokenBalance: 50})

	req, err := f.svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("front_yard", "back_yard"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.MethodToken, req.PaymentMethod)
	assert.Equal(t, 2, req.UnitsCharged)

	final := f.waitTerminal(t, 1, req.ID)
	assert.Equal(t, models.GenerationCompleted, final.Status)
	assert.Equal(t, 100, final.Progress())
	for _, a := range final.Areas {
		assert.Equal(t, models.AreaCompleted, a.Status)
		assert.NotEmpty(t, a.ResultURL)
	}

	acct, err := f.ledger.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 48, acct.TokenBalance)
}

// Three areas charged up front, one fails: the request ends partial and
// exactly the failed area's unit comes back.
func TestSubmitPartialFailureRefundsPerArea(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{})
	f.ledger.Seed(models.Account{UserID: 1, TokenBalance: 50})

	req, err := f.svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("front_yard", "fail_patio", "back_yard"),
	})
	require.NoError(t, err)

	final := f.waitTerminal(t, 1, req.ID)
	assert.Equal(t, models.GenerationPartial, final.Status)

	var failed *models.GenerationArea
	for i, a := range final.Areas {
		if a.Status == models.AreaFailed {
			failed = &final.Areas[i]
		}
	}
	require.NotNil(t, failed)
	assert.True(t, failed.Refunded)
	assert.Contains(t, failed.Error, "provider rejected")

	acct, err := f.ledger.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 48, acct.TokenBalance, "charged 3, refunded 1")

	refunds, err := f.ledger.ListTransactions(ctx, 1, ledger.TransactionFilter{Kind: models.KindRefund})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, failed.ID, refunds[0].ReferenceID)
}

func TestSubmitAllAreasFail(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{})
	f.ledger.Seed(models.Account{UserID: 1, TokenBalance: 10})

	req, err := f.svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("fail_a", "fail_b"),
	})
	require.NoError(t, err)

	final := f.waitTerminal(t, 1, req.ID)
	assert.Equal(t, models.GenerationFailed, final.Status)

	acct, err := f.ledger.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, acct.TokenBalance, "every unit refunded")
}

func TestSubmitAreaTimeoutFailsAndRefunds(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{AreaTimeout: 50 * time.Millisecond})
	f.ledger.Seed(models.Account{UserID: 1, TokenBalance: 10})

	req, err := f.svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("hang_garden", "front_yard"),
	})
	require.NoError(t, err)

	final := f.waitTerminal(t, 1, req.ID)
	assert.Equal(t, models.GenerationPartial, final.Status)

	for _, a := range final.Areas {
		if a.AreaType == "hang_garden" {
			assert.Equal(t, models.AreaFailed, a.Status)
			assert.Contains(t, a.Error, "timed out")
		}
	}

	acct, err := f.ledger.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 9, acct.TokenBalance)
}

func TestSubmitSubscriptionFailureNoRefund(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{})
	f.ledger.Seed(models.Account{UserID: 1, SubscriptionActive: true, TokenBalance: 10})

	req, err := f.svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("fail_a"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.MethodSubscription, req.PaymentMethod)
	assert.Zero(t, req.UnitsCharged)

	final := f.waitTerminal(t, 1, req.ID)
	assert.Equal(t, models.GenerationFailed, final.Status)

	acct, err := f.ledger.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, acct.TokenBalance)

	refunds, err := f.ledger.ListTransactions(ctx, 1, ledger.TransactionFilter{Kind: models.KindRefund})
	require.NoError(t, err)
	assert.Empty(t, refunds, "nothing deducted, nothing refunded")
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{MaxAreas: 2})
	f.ledger.Seed(models.Account{UserID: 1, TokenBalance: 50})

	cases := []struct {
		name string
		in   service.SubmitInput
	}{
		{"no areas", service.SubmitInput{Address: "x"}},
		{"too many areas", service.SubmitInput{Address: "x", Areas: areas("a", "b", "c")}},
		{"blank area type", service.SubmitInput{Address: "x", Areas: []service.AreaInput{{Type: "  "}}}},
		{"no address or image", service.SubmitInput{Areas: areas("a")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, 1, tc.in)
			require.ErrorIs(t, err, service.ErrInvalidRequest)
		})
	}

	// Validation rejects before any charge.
	acct, err := f.ledger.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, acct.TokenBalance)
}

func TestSubmitInsufficientAccessWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{})
	f.ledger.Seed(models.Account{UserID: 1, TokenBalance: 1})

	_, err := f.svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("a", "b", "c"),
	})
	require.ErrorIs(t, err, service.ErrInsufficientAccess)

	incomplete, err := f.store.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestGetScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, service.GenerationConfig{})
	f.ledger.Seed(models.Account{UserID: 1, TokenBalance: 10})

	req, err := f.svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("front_yard"),
	})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, 2, req.ID)
	require.ErrorIs(t, err, service.ErrNotFound)

	_, err = f.svc.Get(ctx, 1, "no-such-id")
	require.ErrorIs(t, err, service.ErrNotFound)
}

// A request persisted but never finished is picked up and driven to a
// terminal state on the next boot.
func TestStartResumesIncompleteRequests(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	store := repository.NewMemory()
	mem.Seed(models.Account{UserID: 1, TokenBalance: 10})

	stranded := &models.GenerationRequest{
		ID:            "gen-stranded",
		UserID:        1,
		Address:       "12 Alder Ln",
		PaymentMethod: models.MethodToken,
		UnitsCharged:  2,
		Status:        models.GenerationProcessing,
		CreatedAt:     time.Now().UTC(),
		Areas: []models.GenerationArea{
			{ID: "area-done", GenerationID: "gen-stranded", AreaType: "front_yard", Status: models.AreaCompleted, Progress: 100, ResultURL: "https://cdn.example.com/done.png"},
			{ID: "area-pending", GenerationID: "gen-stranded", AreaType: "back_yard", Status: models.AreaProcessing, Progress: 40},
		},
	}
	require.NoError(t, store.CreateRequest(ctx, stranded))

	billing := service.NewBillingService(testLogger(), mem, nil, 3)
	renderer := &fakeRenderer{}
	svc := service.NewGenerationService(service.GenerationConfig{}, testLogger(), billing, mem, store, renderer, nil, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(runCtx))
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})

	require.Eventually(t, func() bool {
		req, err := svc.Get(ctx, 1, "gen-stranded")
		return err == nil && req.Status == models.GenerationCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, renderer.callCount(), "terminal areas are not re-rendered")
}

type failingStore struct {
	*repository.Memory
}

func (f *failingStore) CreateRequest(context.Context, *models.GenerationRequest) error {
	return errors.New("disk full")
}

// If the request cannot be persisted after payment was captured, the whole
// charge comes back.
func TestSubmitRefundsWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	mem.Seed(models.Account{UserID: 1, TokenBalance: 10})
	billing := service.NewBillingService(testLogger(), mem, nil, 3)
	svc := service.NewGenerationService(service.GenerationConfig{}, testLogger(), billing, mem, &failingStore{repository.NewMemory()}, &fakeRenderer{}, nil, nil)

	_, err := svc.Submit(ctx, 1, service.SubmitInput{
		Address: "12 Alder Ln",
		Areas:   areas("front_yard", "back_yard"),
	})
	require.Error(t, err)

	acct, err := mem.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, acct.TokenBalance)
}
