package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/metrics"
	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/render"
)

var (
	// ErrNotFound covers both missing requests and other users' requests.
	ErrNotFound = errors.New("generation not found")
	// ErrInvalidRequest is a submission rejected before any charge.
	ErrInvalidRequest = errors.New("invalid generation request")
)

// GenerationStore persists requests and areas. Every state change lands here
// so polling works across restarts.
type GenerationStore interface {
	CreateRequest(ctx context.Context, req *models.GenerationRequest) error
	GetRequest(ctx context.Context, id string) (*models.GenerationRequest, error)
	ListIncomplete(ctx context.Context) ([]models.GenerationRequest, error)
	SetRequestStatus(ctx context.Context, id string, status models.GenerationStatus) error
	CompleteRequest(ctx context.Context, id string, status models.GenerationStatus, completedAt time.Time) error
	SetAreaProcessing(ctx context.Context, areaID string) error
	UpdateAreaProgress(ctx context.Context, areaID string, progress int) error
	CompleteArea(ctx context.Context, areaID, resultURL string) error
	FailArea(ctx context.Context, areaID, errMsg string) error
	MarkAreaRefunded(ctx context.Context, areaID string) (bool, error)
}

// Renderer is the external generation provider.
type Renderer interface {
	Generate(ctx context.Context, spec render.Spec, onProgress func(int)) (*render.Image, error)
}

// ImageryFetcher supplies a base photo for an address when the user did not
// upload one.
type ImageryFetcher interface {
	Fetch(ctx context.Context, address string) ([]byte, string, error)
}

// Uploader re-hosts image bytes on durable storage.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type GenerationConfig struct {
	AreaTimeout time.Duration
	MaxAreas    int
	Concurrency int
}

type AreaInput struct {
	Type   string
	Style  string
	Prompt string
}

type SubmitInput struct {
	Address      string
	BaseImageURL string
	Style        string
	CustomPrompt string
	Areas        []AreaInput
}

// GenerationService admits paid generation requests and orchestrates the
// per-area render tasks: bounded fan-out, per-area timeout, per-unit refund
// on failure, terminal-state aggregation once every area settles.
type GenerationService struct {
	cfg      GenerationConfig
	log      *slog.Logger
	billing  *BillingService
	ledger   ledger.Store
	store    GenerationStore
	renderer Renderer
	imagery  ImageryFetcher
	uploader Uploader

	// sem bounds in-flight render calls across all requests; the provider's
	// rate ceiling is global, not per request.
	sem    *semaphore.Weighted
	runCtx context.Context
	wg     sync.WaitGroup
}

func NewGenerationService(cfg GenerationConfig, log *slog.Logger, billing *BillingService, store ledger.Store, gens GenerationStore, renderer Renderer, imagery ImageryFetcher, uploader Uploader) *GenerationService {
	if cfg.AreaTimeout <= 0 {
		cfg.AreaTimeout = 5 * time.Minute
	}
	if cfg.MaxAreas <= 0 {
		cfg.MaxAreas = 8
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &GenerationService{
		cfg:      cfg,
		log:      log,
		billing:  billing,
		ledger:   store,
		store:    gens,
		renderer: renderer,
		imagery:  imagery,
		uploader: uploader,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		runCtx:   context.Background(),
	}
}

// Start pins the background context and re-runs requests that were admitted
// but never finished, e.g. after a process restart. Areas already terminal
// are left alone; re-failing an area is refund-safe.
func (s *GenerationService) Start(ctx context.Context) error {
	s.runCtx = ctx
	incomplete, err := s.store.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("list incomplete generations: %w", err)
	}
	for i := range incomplete {
		req := incomplete[i]
		s.log.Info("resuming generation", "generation_id", req.ID, "areas", len(req.Areas))
		s.spawn(&req)
	}
	return nil
}

// Wait blocks until all background runs have finished.
func (s *GenerationService) Wait() {
	s.wg.Wait()
}

// Submit authorizes payment for one unit per area, persists the request, and
// kicks off the background run. Admission failures happen before any write;
// insufficient access performs no writes at all.
func (s *GenerationService) Submit(ctx context.Context, userID int64, in SubmitInput) (*models.GenerationRequest, error) {
	if len(in.Areas) == 0 {
		return nil, fmt.Errorf("%w: at least one area is required", ErrInvalidRequest)
	}
	if len(in.Areas) > s.cfg.MaxAreas {
		return nil, fmt.Errorf("%w: at most %d areas per request", ErrInvalidRequest, s.cfg.MaxAreas)
	}
	for _, a := range in.Areas {
		if strings.TrimSpace(a.Type) == "" {
			return nil, fmt.Errorf("%w: area type is required", ErrInvalidRequest)
		}
	}
	if strings.TrimSpace(in.Address) == "" && in.BaseImageURL == "" {
		return nil, fmt.Errorf("%w: address or base image is required", ErrInvalidRequest)
	}

	baseImage, err := s.resolveBaseImage(ctx, in)
	if err != nil {
		return nil, err
	}

	auth, err := s.billing.Authorize(ctx, userID, len(in.Areas))
	if err != nil {
		return nil, err
	}

	req := &models.GenerationRequest{
		ID:            uuid.NewString(),
		UserID:        userID,
		Address:       in.Address,
		BaseImageURL:  baseImage,
		PaymentMethod: auth.Method,
		UnitsCharged:  auth.CommittedUnits,
		Status:        models.GenerationPending,
		CreatedAt:     time.Now().UTC(),
	}
	for _, a := range in.Areas {
		style := a.Style
		if style == "" {
			style = in.Style
		}
		prompt := a.Prompt
		if prompt == "" {
			prompt = in.CustomPrompt
		}
		req.Areas = append(req.Areas, models.GenerationArea{
			ID:           uuid.NewString(),
			GenerationID: req.ID,
			AreaType:     a.Type,
			Style:        style,
			CustomPrompt: prompt,
			Status:       models.AreaPending,
		})
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		// Payment is already captured; give it back rather than leaking
		// charged-but-unperformed units.
		s.refundSubmission(ctx, req, auth)
		return nil, fmt.Errorf("persist generation request: %w", err)
	}

	s.log.Info("generation admitted",
		"generation_id", req.ID, "user_id", userID,
		"areas", len(req.Areas), "method", auth.Method, "units", auth.CommittedUnits)
	s.spawn(req)
	return req, nil
}

// Get returns the request for polling. All progress lives in the store, so
// this works from any process at any point in the lifecycle.
func (s *GenerationService) Get(ctx context.Context, userID int64, id string) (*models.GenerationRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil || req.UserID != userID {
		return nil, ErrNotFound
	}
	return req, nil
}

func (s *GenerationService) resolveBaseImage(ctx context.Context, in SubmitInput) (string, error) {
	if in.BaseImageURL != "" {
		return in.BaseImageURL, nil
	}
	if s.imagery == nil {
		return "", nil
	}
	data, contentType, err := s.imagery.Fetch(ctx, in.Address)
	if err != nil {
		return "", fmt.Errorf("fetch property imagery: %w", err)
	}
	if s.uploader == nil {
		s.log.Warn("no uploader configured, rendering without base image", "address", in.Address)
		return "", nil
	}
	hosted, err := s.uploader.Upload(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("host property imagery: %w", err)
	}
	return hosted, nil
}

func (s *GenerationService) refundSubmission(ctx context.Context, req *models.GenerationRequest, auth *Authorization) {
	counter, ok := models.CounterFor(auth.Method)
	if !ok || auth.CommittedUnits == 0 {
		return
	}
	if _, err := s.ledger.Refund(ctx, req.UserID, counter, auth.CommittedUnits, "submit:"+req.ID); err != nil && !errors.Is(err, ledger.ErrAlreadyRefunded) {
		s.log.Error("refund failed submission", "generation_id", req.ID, "err", err)
	}
}

func (s *GenerationService) spawn(req *models.GenerationRequest) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.runCtx, req)
	}()
}

func (s *GenerationService) run(ctx context.Context, req *models.GenerationRequest) {
	if err := s.store.SetRequestStatus(ctx, req.ID, models.GenerationProcessing); err != nil {
		s.log.Error("set generation processing", "generation_id", req.ID, "err", err)
	}

	// Plain group, deliberately not WithContext: one failed area must not
	// cancel its siblings.
	var g errgroup.Group
	for i := range req.Areas {
		area := req.Areas[i]
		if area.Status.Terminal() {
			continue
		}
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil // shutting down, leave the area for recovery
			}
			defer s.sem.Release(1)
			s.runArea(ctx, req, area)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// Shutdown mid-flight: leave the request processing so the next boot
		// resumes it.
		return
	}
	s.finalize(ctx, req.ID)
}

func (s *GenerationService) runArea(ctx context.Context, req *models.GenerationRequest, area models.GenerationArea) {
	if err := s.store.SetAreaProcessing(ctx, area.ID); err != nil {
		s.log.Error("set area processing", "area_id", area.ID, "err", err)
	}

	areaCtx, cancel := context.WithTimeout(ctx, s.cfg.AreaTimeout)
	defer cancel()

	spec := render.Spec{
		AreaType:     area.AreaType,
		Style:        area.Style,
		Prompt:       area.CustomPrompt,
		BaseImageURL: req.BaseImageURL,
	}
	img, err := s.renderer.Generate(areaCtx, spec, func(progress int) {
		if err := s.store.UpdateAreaProgress(ctx, area.ID, progress); err != nil {
			s.log.Warn("update area progress", "area_id", area.ID, "err", err)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			// Parent canceled (shutdown), not an area failure; recovery
			// re-runs it.
			return
		}
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("generation timed out after %s", s.cfg.AreaTimeout)
		}
		s.failArea(ctx, req, area.ID, msg)
		return
	}

	resultURL := img.URL
	if s.uploader != nil && len(img.Bytes) > 0 {
		if hosted, err := s.uploader.Upload(ctx, img.Bytes, img.Mime); err == nil {
			resultURL = hosted
		} else {
			s.log.Warn("re-host render result", "area_id", area.ID, "err", err)
		}
	}
	if err := s.store.CompleteArea(ctx, area.ID, resultURL); err != nil {
		s.log.Error("complete area", "area_id", area.ID, "err", err)
		return
	}
	metrics.AreasTotal.WithLabelValues(string(models.AreaCompleted)).Inc()
}

// failArea records the failure and refunds the area's unit exactly once. The
// refunded flag is the first guard; the ledger's unique refund key backs it up
// should two processes race.
func (s *GenerationService) failArea(ctx context.Context, req *models.GenerationRequest, areaID, msg string) {
	if err := s.store.FailArea(ctx, areaID, msg); err != nil {
		s.log.Error("fail area", "area_id", areaID, "err", err)
	}
	metrics.AreasTotal.WithLabelValues(string(models.AreaFailed)).Inc()
	s.log.Warn("generation area failed", "generation_id", req.ID, "area_id", areaID, "err", msg)

	if req.UnitsCharged == 0 {
		return // subscription request, nothing was deducted
	}
	counter, ok := models.CounterFor(req.PaymentMethod)
	if !ok {
		return
	}
	first, err := s.store.MarkAreaRefunded(ctx, areaID)
	if err != nil {
		s.log.Error("mark area refunded", "area_id", areaID, "err", err)
		return
	}
	if !first {
		return
	}
	if _, err := s.ledger.Refund(ctx, req.UserID, counter, 1, areaID); err != nil {
		if errors.Is(err, ledger.ErrAlreadyRefunded) {
			s.log.Info("refund already applied", "area_id", areaID)
			return
		}
		s.log.Error("refund area", "area_id", areaID, "err", err)
		return
	}
	metrics.RefundsTotal.Inc()
}

// finalize recomputes the aggregate status once every area is terminal.
func (s *GenerationService) finalize(ctx context.Context, id string) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil || req == nil {
		s.log.Error("load generation for finalize", "generation_id", id, "err", err)
		return
	}

	completed, failed := 0, 0
	for _, a := range req.Areas {
		switch a.Status {
		case models.AreaCompleted:
			completed++
		case models.AreaFailed:
			failed++
		default:
			// Not terminal; another worker is still on it.
			return
		}
	}

	status := models.GenerationPartial
	switch {
	case failed == 0:
		status = models.GenerationCompleted
	case completed == 0:
		status = models.GenerationFailed
	}
	if err := s.store.CompleteRequest(ctx, id, status, time.Now().UTC()); err != nil {
		s.log.Error("complete generation", "generation_id", id, "err", err)
		return
	}
	s.log.Info("generation finished",
		"generation_id", id, "status", status, "completed", completed, "failed", failed)
}
