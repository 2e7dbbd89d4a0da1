// Package jobs holds the durable queue repository: claim-with-SKIP-LOCKED,
// heartbeats, and state writes for job_run rows, keyed by this store's
// typeid-keyed models.
package jobs

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

type Repo interface {
	Create(dbc dbctx.Context, jobType string, userId typeid.TypeId, payload []byte) (*models.JobRun, error)
	GetByID(dbc dbctx.Context, id typeid.TypeId) (*models.JobRun, error)
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*models.JobRun, error)
	UpdateFields(dbc dbctx.Context, id typeid.TypeId, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id typeid.TypeId, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id typeid.TypeId) error
	ExistsRunnable(dbc dbctx.Context, userId typeid.TypeId, jobType string) (bool, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "JobRunRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *repo) Create(dbc dbctx.Context, jobType string, userId typeid.TypeId, payload []byte) (*models.JobRun, error) {
	job := &models.JobRun{
		Id:        typeid.New(typeid.PrefixJob),
		UserId:    userId,
		JobType:   jobType,
		Payload:   payload,
		Status:    "queued",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := r.tx(dbc).Create(job).Error; err != nil {
		return nil, apperr.TransientBackend("jobs.Create", err)
	}
	return job, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id typeid.TypeId) (*models.JobRun, error) {
	var job models.JobRun
	err := r.tx(dbc).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.TransientBackend("jobs.GetByID", err)
	}
	return &job, nil
}

// ClaimNextRunnable locks and claims the oldest runnable job: queued, a
// failed job whose retry delay elapsed and under max attempts, or a running
// job whose heartbeat went stale. SKIP LOCKED lets concurrent worker
// goroutines/processes each grab a distinct row without blocking.
func (r *repo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*models.JobRun, error) {
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)

	var claimed *models.JobRun
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var job models.JobRun
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				(
					status = ?
					OR (status = ? AND attempts < ? AND (last_error_at IS NULL OR last_error_at < ?))
					OR (status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)
				)`, "queued", "failed", maxAttempts, retryCutoff, "running", staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&models.JobRun{}).Where("id = ?", job.Id).Updates(map[string]interface{}{
			"status":       "running",
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = "running"
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, apperr.TransientBackend("jobs.ClaimNextRunnable", err)
	}
	return claimed, nil
}

func (r *repo) UpdateFields(dbc dbctx.Context, id typeid.TypeId, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	err := r.tx(dbc).Model(&models.JobRun{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return apperr.TransientBackend("jobs.UpdateFields", err)
	}
	return nil
}

func (r *repo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id typeid.TypeId, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.tx(dbc).Model(&models.JobRun{}).Where("id = ?", id)
	switch len(disallowedStatuses) {
	case 0:
	case 1:
		q = q.Where("status <> ?", disallowedStatuses[0])
	default:
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, apperr.TransientBackend("jobs.UpdateFieldsUnlessStatus", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Heartbeat(dbc dbctx.Context, id typeid.TypeId) error {
	now := time.Now()
	err := r.tx(dbc).Model(&models.JobRun{}).Where("id = ? AND status = ?", id, "running").
		Updates(map[string]interface{}{"heartbeat_at": now, "updated_at": now}).Error
	if err != nil {
		return apperr.TransientBackend("jobs.Heartbeat", err)
	}
	return nil
}

func (r *repo) ExistsRunnable(dbc dbctx.Context, userId typeid.TypeId, jobType string) (bool, error) {
	var count int64
	err := r.tx(dbc).Model(&models.JobRun{}).
		Where("user_id = ? AND job_type = ? AND status IN ?", userId, jobType, []string{"queued", "running"}).
		Count(&count).Error
	if err != nil {
		return false, apperr.TransientBackend("jobs.ExistsRunnable", err)
	}
	return count > 0, nil
}
