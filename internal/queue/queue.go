// Package queue is a database-backed job queue: named jobs with
// caller-supplied unique ids, delayed scheduling, capped attempts with
// exponential backoff, and multi-process consumption through row claims.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job lifecycle statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

var ErrInvalidJob = errors.New("invalid_job")

// Job is one durable unit of work. JobID is the caller-supplied identity:
// submitting the same JobID while a prior submission is still pending or
// running is a no-op, which is what makes enqueueing idempotent.
type Job struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	JobID       string         `gorm:"type:text;not null;uniqueIndex:ux_jobs_job_id"`
	Kind        string         `gorm:"type:text;not null;index"`
	TenantID    snowflake.ID   `gorm:"not null;index"`
	CampaignID  *snowflake.ID  `gorm:"index"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	Status      string         `gorm:"type:text;not null;default:pending;index"`
	Attempts    int            `gorm:"not null;default:0"`
	MaxAttempts int            `gorm:"not null;default:5"`
	RunAt       time.Time      `gorm:"not null;index"`
	LastError   string         `gorm:"type:text"`
	CompletedAt *time.Time     `gorm:""`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// UnmarshalPayload decodes the job payload into out.
func (j Job) UnmarshalPayload(out any) error {
	if len(j.Payload) == 0 {
		return ErrInvalidJob
	}
	return json.Unmarshal(j.Payload, out)
}

// EnqueueRequest describes a job submission.
type EnqueueRequest struct {
	JobID       string
	Kind        string
	TenantID    snowflake.ID
	CampaignID  *snowflake.ID
	Payload     any
	Delay       time.Duration
	MaxAttempts int
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// Queue submits and inspects jobs.
type Queue struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewQueue(p Params) *Queue {
	return &Queue{
		db:    p.DB,
		log:   p.Log.Named("queue"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Enqueue submits a named job. It returns false when a job with the same
// JobID is still pending or running; a terminal job with the same JobID
// is reset and rescheduled, which lets a legitimately repeated recipient
// set (e.g. a manual retry) run again without forging a new identity.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (bool, error) {
	if req.JobID == "" || req.Kind == "" || req.TenantID == 0 {
		return false, ErrInvalidJob
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return false, err
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	now := q.clock.Now()
	runAt := now.Add(req.Delay)

	insert := q.db.WithContext(ctx).Exec(
		`INSERT INTO jobs (id, job_id, kind, tenant_id, campaign_id, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`,
		q.genID.Generate(),
		req.JobID,
		req.Kind,
		req.TenantID,
		req.CampaignID,
		datatypes.JSON(payload),
		JobStatusPending,
		maxAttempts,
		runAt,
		now,
		now,
	)
	if insert.Error != nil {
		return false, insert.Error
	}
	if insert.RowsAffected > 0 {
		return true, nil
	}

	// Same identity already exists. Reset only if it finished; an
	// in-flight duplicate is rejected so one submission wins.
	reset := q.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, attempts = 0, max_attempts = ?, payload = ?, run_at = ?, last_error = '', completed_at = NULL, updated_at = ?
		 WHERE job_id = ? AND status IN (?, ?)`,
		JobStatusPending,
		maxAttempts,
		datatypes.JSON(payload),
		runAt,
		now,
		req.JobID,
		JobStatusCompleted,
		JobStatusFailed,
	)
	if reset.Error != nil {
		return false, reset.Error
	}
	if reset.RowsAffected > 0 {
		return true, nil
	}

	q.log.Debug("duplicate job submission rejected", zap.String("job_id", req.JobID))
	return false, nil
}

// HasInFlightJob reports whether a job with this identity is pending or
// running for the campaign. The dispatcher uses it as a best-effort
// secondary guard; the JobID uniqueness above is the primary defense.
func (q *Queue) HasInFlightJob(ctx context.Context, campaignID snowflake.ID, kind, jobID string) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM jobs
		 WHERE campaign_id = ? AND kind = ? AND job_id = ? AND status IN (?, ?)`,
		campaignID,
		kind,
		jobID,
		JobStatusPending,
		JobStatusRunning,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountActiveByCampaign counts pending or running jobs of a kind for a
// campaign; used by cancellation to report in-flight work.
func (q *Queue) CountActiveByCampaign(ctx context.Context, campaignID snowflake.ID, kind string) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM jobs
		 WHERE campaign_id = ? AND kind = ? AND status IN (?, ?)`,
		campaignID,
		kind,
		JobStatusPending,
		JobStatusRunning,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
