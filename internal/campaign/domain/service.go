package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound        = errors.New("campaign_not_found")
	ErrInvalidStatus   = errors.New("invalid_campaign_status")
	ErrInvalidCampaign = errors.New("invalid_campaign")
)

// RejectReason enumerates the typed enqueue rejections surfaced upward.
type RejectReason string

const (
	ReasonNotFound              RejectReason = "not_found"
	ReasonInvalidStatus         RejectReason = "invalid_status"
	ReasonNoRecipients          RejectReason = "no_recipients"
	ReasonInactiveSubscription  RejectReason = "inactive_subscription"
	ReasonInsufficientCredits   RejectReason = "insufficient_credits"
	ReasonAudienceResolveFailed RejectReason = "audience_resolution_failed"
	ReasonAlreadySending        RejectReason = "already_sending"
)

// EnqueueResult reports the outcome of an enqueue attempt. A rejection is
// a normal result, not an error: infrastructure failures travel on the
// error return instead.
type EnqueueResult struct {
	OK                bool
	Reason            RejectReason
	RecipientsCreated int
	JobsEnqueued      int
}

// Progress is the recipient-level progress snapshot of a campaign.
type Progress struct {
	Total           int64
	Sent            int64
	Failed          int64
	Pending         int64
	Processed       int64
	ProgressPercent float64
}

// CancelResult reports a cancellation outcome.
type CancelResult struct {
	OK     bool
	Reason RejectReason
}

// Orchestrator is the campaign dispatch entry point.
type Orchestrator interface {
	EnqueueCampaign(ctx context.Context, tenantID, campaignID snowflake.ID) (EnqueueResult, error)
	GetCampaignProgress(ctx context.Context, tenantID, campaignID snowflake.ID) (Progress, error)
	CancelCampaign(ctx context.Context, tenantID, campaignID snowflake.ID) (CancelResult, error)
	RetryFailedSms(ctx context.Context, tenantID, campaignID snowflake.ID) (int, error)
}

// Aggregator recomputes campaign metrics and converges campaign status.
type Aggregator interface {
	Recompute(ctx context.Context, tenantID, campaignID snowflake.ID) error
}
