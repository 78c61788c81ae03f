package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type deliveryReport struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// @Summary      Delivery Report Webhook
// @Description  Receives pushed delivery reports from the SMS provider
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Router       /webhooks/delivery [post]
func (s *Server) DeliveryWebhook(c *gin.Context) {
	// The provider retries on anything but 2xx. A malformed or unknown
	// report is acknowledged and dropped; failing it would only produce
	// redelivery storms.
	var report deliveryReport
	if err := c.ShouldBindJSON(&report); err != nil {
		s.log.Warn("malformed delivery report", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"acknowledged": true})
		return
	}
	messageID := strings.TrimSpace(report.MessageID)
	if messageID == "" {
		c.JSON(http.StatusOK, gin.H{"acknowledged": true})
		return
	}

	if err := s.reconciler.ApplyDeliveryReport(c.Request.Context(), messageID, strings.ToLower(strings.TrimSpace(report.Status))); err != nil {
		// Internal failure is logged, never reflected in the ack: the next
		// scheduled poll converges the state, and a non-2xx here would only
		// make the provider redeliver every report in the burst.
		s.log.Error("failed to apply delivery report",
			zap.String("provider_message_id", messageID),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
