package repository

import (
	"context"
	"sync"
	"time"

	"github.com/verdantlabs/yardgen/internal/models"
)

// Memory mirrors GenerationRepository on an in-process map, for tests and
// local development without a database.
type Memory struct {
	mu        sync.Mutex
	requests  map[string]*models.GenerationRequest
	areaOwner map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		requests:  make(map[string]*models.GenerationRequest),
		areaOwner: make(map[string]string),
	}
}

func (m *Memory) CreateRequest(_ context.Context, req *models.GenerationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneRequest(req)
	m.requests[req.ID] = c
	for _, a := range c.Areas {
		m.areaOwner[a.ID] = req.ID
	}
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*models.GenerationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(req), nil
}

func (m *Memory) ListIncomplete(_ context.Context) ([]models.GenerationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GenerationRequest
	for _, req := range m.requests {
		if req.Status == models.GenerationPending || req.Status == models.GenerationProcessing {
			out = append(out, *cloneRequest(req))
		}
	}
	return out, nil
}

func (m *Memory) SetRequestStatus(_ context.Context, id string, status models.GenerationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok {
		req.Status = status
	}
	return nil
}

func (m *Memory) CompleteRequest(_ context.Context, id string, status models.GenerationStatus, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok {
		req.Status = status
		req.CompletedAt = &completedAt
	}
	return nil
}

func (m *Memory) SetAreaProcessing(_ context.Context, areaID string) error {
	return m.mutateArea(areaID, func(a *models.GenerationArea) {
		a.Status = models.AreaProcessing
		a.Progress = 0
	})
}

func (m *Memory) UpdateAreaProgress(_ context.Context, areaID string, progress int) error {
	return m.mutateArea(areaID, func(a *models.GenerationArea) {
		if a.Status == models.AreaProcessing {
			a.Progress = progress
		}
	})
}

func (m *Memory) CompleteArea(_ context.Context, areaID, resultURL string) error {
	return m.mutateArea(areaID, func(a *models.GenerationArea) {
		a.Status = models.AreaCompleted
		a.Progress = 100
		a.ResultURL = resultURL
		a.Error = ""
	})
}

func (m *Memory) FailArea(_ context.Context, areaID, errMsg string) error {
	return m.mutateArea(areaID, func(a *models.GenerationArea) {
		a.Status = models.AreaFailed
		a.Error = errMsg
	})
}

func (m *Memory) MarkAreaRefunded(_ context.Context, areaID string) (bool, error) {
	first := false
	err := m.mutateArea(areaID, func(a *models.GenerationArea) {
		if !a.Refunded {
			a.Refunded = true
			first = true
		}
	})
	return first, err
}

func (m *Memory) mutateArea(areaID string, fn func(*models.GenerationArea)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqID, ok := m.areaOwner[areaID]
	if !ok {
		return nil
	}
	req := m.requests[reqID]
	for i := range req.Areas {
		if req.Areas[i].ID == areaID {
			fn(&req.Areas[i])
			req.Areas[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return nil
}

func cloneRequest(req *models.GenerationRequest) *models.GenerationRequest {
	c := *req
	if req.CompletedAt != nil {
		t := *req.CompletedAt
		c.CompletedAt = &t
	}
	c.Areas = append([]models.GenerationArea(nil), req.Areas...)
	return &c
}
