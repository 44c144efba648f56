package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/verdantlabs/yardgen/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// CreateRequest persists the request and all of its areas atomically.
func (r *GenerationRepository) CreateRequest(ctx context.Context, req *models.GenerationRequest) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	defer tx.Rollback()

	const reqQuery = `
INSERT INTO generation_requests (id, user_id, address, base_image_url, payment_method, units_charged, status)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, reqQuery, req.ID, req.UserID, req.Address,
		req.BaseImageURL, req.PaymentMethod, req.UnitsCharged, req.Status); err != nil {
		return fmt.Errorf("insert generation request: %w", err)
	}

	const areaQuery = `
INSERT INTO generation_areas (id, generation_id, area_type, style, custom_prompt, status, progress)
VALUES (?, ?, ?, ?, ?, ?, 0)`
	for _, a := range req.Areas {
		if _, err := tx.ExecContext(ctx, areaQuery, a.ID, req.ID, a.AreaType, a.Style, a.CustomPrompt, a.Status); err != nil {
			return fmt.Errorf("insert generation area: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

func (r *GenerationRepository) GetRequest(ctx context.Context, id string) (*models.GenerationRequest, error) {
	const query = `
SELECT id, user_id, address, base_image_url, payment_method, units_charged, status, created_at, completed_at
FROM generation_requests WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	areas, err := r.areasFor(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Areas = areas
	return req, nil
}

// ListIncomplete returns requests that were admitted but never reached a
// terminal state, for re-running after a restart.
func (r *GenerationRepository) ListIncomplete(ctx context.Context) ([]models.GenerationRequest, error) {
	const query = `
SELECT id, user_id, address, base_image_url, payment_method, units_charged, status, created_at, completed_at
FROM generation_requests WHERE status IN (?, ?) ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, models.GenerationPending, models.GenerationProcessing)
	if err != nil {
		return nil, fmt.Errorf("list incomplete: %w", err)
	}
	defer rows.Close()

	var out []models.GenerationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		areas, err := r.areasFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Areas = areas
	}
	return out, nil
}

func (r *GenerationRepository) SetRequestStatus(ctx context.Context, id string, status models.GenerationStatus) error {
	const query = `UPDATE generation_requests SET status = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("set request status: %w", err)
	}
	return nil
}

func (r *GenerationRepository) CompleteRequest(ctx context.Context, id string, status models.GenerationStatus, completedAt time.Time) error {
	const query = `UPDATE generation_requests SET status = ?, completed_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, completedAt, id); err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return nil
}

func (r *GenerationRepository) SetAreaProcessing(ctx context.Context, areaID string) error {
	const query = `UPDATE generation_areas SET status = ?, progress = 0 WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, models.AreaProcessing, areaID); err != nil {
		return fmt.Errorf("set area processing: %w", err)
	}
	return nil
}

func (r *GenerationRepository) UpdateAreaProgress(ctx context.Context, areaID string, progress int) error {
	const query = `UPDATE generation_areas SET progress = ? WHERE id = ? AND status = ?`
	if _, err := r.db.ExecContext(ctx, query, progress, areaID, models.AreaProcessing); err != nil {
		return fmt.Errorf("update area progress: %w", err)
	}
	return nil
}

func (r *GenerationRepository) CompleteArea(ctx context.Context, areaID, resultURL string) error {
	const query = `UPDATE generation_areas SET status = ?, progress = 100, result_url = ?, error = NULL WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, models.AreaCompleted, resultURL, areaID); err != nil {
		return fmt.Errorf("complete area: %w", err)
	}
	return nil
}

func (r *GenerationRepository) FailArea(ctx context.Context, areaID, errMsg string) error {
	const query = `UPDATE generation_areas SET status = ?, error = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, models.AreaFailed, errMsg, areaID); err != nil {
		return fmt.Errorf("fail area: %w", err)
	}
	return nil
}

// MarkAreaRefunded flips the refunded flag false->true and reports whether
// this call won the flip. The guarded UPDATE makes the refund attempt
// single-shot even when a timeout handler races a late failure response.
func (r *GenerationRepository) MarkAreaRefunded(ctx context.Context, areaID string) (bool, error) {
	const query = `UPDATE generation_areas SET refunded = 1 WHERE id = ? AND refunded = 0`
	res, err := r.db.ExecContext(ctx, query, areaID)
	if err != nil {
		return false, fmt.Errorf("mark area refunded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refund rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *GenerationRepository) areasFor(ctx context.Context, generationID string) ([]models.GenerationArea, error) {
	const query = `
SELECT id, generation_id, area_type, style, COALESCE(custom_prompt, ''), status, progress,
       result_url, COALESCE(error, ''), refunded, updated_at
FROM generation_areas WHERE generation_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, generationID)
	if err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	defer rows.Close()

	var out []models.GenerationArea
	for rows.Next() {
		var a models.GenerationArea
		var refunded int
		if err := rows.Scan(&a.ID, &a.GenerationID, &a.AreaType, &a.Style, &a.CustomPrompt,
			&a.Status, &a.Progress, &a.ResultURL, &a.Error, &refunded, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		a.Refunded = refunded != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*models.GenerationRequest, error) {
	var req models.GenerationRequest
	var completedAt sql.NullTime
	if err := row.Scan(&req.ID, &req.UserID, &req.Address, &req.BaseImageURL,
		&req.PaymentMethod, &req.UnitsCharged, &req.Status, &req.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan generation request: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return &req, nil
}
