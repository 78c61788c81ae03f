package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type createCampaignRequest struct {
	Name         string  `json:"name"`
	Template     string  `json:"template"`
	AudienceKind string  `json:"audience_kind"`
	Gender       string  `json:"gender"`
	SegmentID    *int64  `json:"segment_id"`
	ScheduleKind string  `json:"schedule_kind"`
	ScheduledAt  *string `json:"scheduled_at"`
	DiscountCode string  `json:"discount_code"`
}

// @Summary      Create Campaign
// @Description  Create a draft or scheduled campaign
// @Tags         campaigns
// @Accept       json
// @Produce      json
// @Param        request body createCampaignRequest true "Create Campaign Request"
// @Success      200  {object}  campaigndomain.Campaign
// @Router       /campaigns [post]
func (s *Server) CreateCampaign(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	name := strings.TrimSpace(req.Name)
	template := strings.TrimSpace(req.Template)
	if name == "" {
		AbortWithError(c, newValidationError("name", "missing_name", "name is required"))
		return
	}
	if template == "" {
		AbortWithError(c, newValidationError("template", "missing_template", "template is required"))
		return
	}

	audienceKind := contactdomain.AudienceKind(req.AudienceKind)
	switch audienceKind {
	case "", contactdomain.AudienceAll:
		audienceKind = contactdomain.AudienceAll
	case contactdomain.AudienceGender:
		if strings.TrimSpace(req.Gender) == "" {
			AbortWithError(c, newValidationError("gender", "missing_gender", "gender is required for gender audiences"))
			return
		}
	case contactdomain.AudienceSegment:
		if req.SegmentID == nil || *req.SegmentID <= 0 {
			AbortWithError(c, newValidationError("segment_id", "missing_segment", "segment_id is required for segment audiences"))
			return
		}
	default:
		AbortWithError(c, newValidationError("audience_kind", "invalid_audience", "unknown audience kind"))
		return
	}

	status := campaigndomain.CampaignStatusDraft
	scheduleKind := campaigndomain.ScheduleImmediate
	var scheduledAt *time.Time
	if req.ScheduleKind == string(campaigndomain.ScheduleAt) {
		if req.ScheduledAt == nil {
			AbortWithError(c, newValidationError("scheduled_at", "missing_scheduled_at", "scheduled_at is required for scheduled campaigns"))
			return
		}
		parsed, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			AbortWithError(c, newValidationError("scheduled_at", "invalid_scheduled_at", "scheduled_at must be RFC3339"))
			return
		}
		scheduleKind = campaigndomain.ScheduleAt
		scheduledAt = &parsed
		status = campaigndomain.CampaignStatusScheduled
	}

	var segmentID *snowflake.ID
	if req.SegmentID != nil {
		id := snowflake.ID(*req.SegmentID)
		segmentID = &id
	}

	now := s.clock.Now()
	campaign := campaigndomain.Campaign{
		ID:             s.genID.Generate(),
		TenantID:       tenant,
		Name:           name,
		Template:       template,
		AudienceKind:   audienceKind,
		AudienceGender: strings.ToLower(strings.TrimSpace(req.Gender)),
		SegmentID:      segmentID,
		ScheduleKind:   scheduleKind,
		ScheduledAt:    scheduledAt,
		DiscountCode:   strings.TrimSpace(req.DiscountCode),
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&campaign).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": campaign})
}

// @Summary      List Campaigns
// @Tags         campaigns
// @Produce      json
// @Param        status  query  string  false  "Status filter"
// @Success      200  {object}  []campaigndomain.Campaign
// @Router       /campaigns [get]
func (s *Server) ListCampaigns(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}

	query := s.db.WithContext(c.Request.Context()).Where("tenant_id = ?", tenant)
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		query = query.Where("status = ?", status)
	}

	var campaigns []campaigndomain.Campaign
	if err := query.Order("created_at DESC").Limit(100).Find(&campaigns).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": campaigns})
}

// @Summary      Get Campaign
// @Tags         campaigns
// @Produce      json
// @Param        id   path      string  true  "Campaign ID"
// @Success      200  {object}  campaigndomain.Campaign
// @Router       /campaigns/{id} [get]
func (s *Server) GetCampaign(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var campaign campaigndomain.Campaign
	err := s.db.WithContext(c.Request.Context()).
		Where("id = ? AND tenant_id = ?", id, tenant).
		First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			AbortWithError(c, campaigndomain.ErrNotFound)
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": campaign})
}

// @Summary      Enqueue Campaign
// @Description  Start dispatching the campaign to its audience
// @Tags         campaigns
// @Produce      json
// @Param        id   path      string  true  "Campaign ID"
// @Success      200  {object}  campaigndomain.EnqueueResult
// @Router       /campaigns/{id}/enqueue [post]
func (s *Server) EnqueueCampaign(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := s.orchestrator.EnqueueCampaign(c.Request.Context(), tenant, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !result.OK {
		c.JSON(rejectStatus(result.Reason), gin.H{
			"accepted": false,
			"reason":   result.Reason,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accepted":           true,
		"recipients_created": result.RecipientsCreated,
		"jobs_enqueued":      result.JobsEnqueued,
	})
}

// @Summary      Campaign Progress
// @Tags         campaigns
// @Produce      json
// @Param        id   path      string  true  "Campaign ID"
// @Success      200  {object}  campaigndomain.Progress
// @Router       /campaigns/{id}/progress [get]
func (s *Server) GetCampaignProgress(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	progress, err := s.orchestrator.GetCampaignProgress(c.Request.Context(), tenant, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": progress})
}

// @Summary      Cancel Campaign
// @Tags         campaigns
// @Produce      json
// @Param        id   path      string  true  "Campaign ID"
// @Success      200  {object}  campaigndomain.CancelResult
// @Router       /campaigns/{id}/cancel [post]
func (s *Server) CancelCampaign(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := s.orchestrator.CancelCampaign(c.Request.Context(), tenant, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !result.OK {
		c.JSON(rejectStatus(result.Reason), gin.H{"cancelled": false, "reason": result.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// @Summary      Retry Failed Sends
// @Description  Reset the campaign's failed recipients and dispatch again
// @Tags         campaigns
// @Produce      json
// @Param        id   path      string  true  "Campaign ID"
// @Success      200  {object}  map[string]int
// @Router       /campaigns/{id}/retry [post]
func (s *Server) RetryFailedSms(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	retried, err := s.orchestrator.RetryFailedSms(c.Request.Context(), tenant, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": retried})
}
