package server

import (
	"errors"
	"net/http"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	"github.com/gin-gonic/gin"
)

// apiError is the wire shape of every handler failure.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *apiError) Error() string { return e.Message }

func invalidRequestError() *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "invalid request body"}
}

func newValidationError(field, code, message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: code, Field: field, Message: message}
}

func notFoundError(code string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: code, Message: "resource not found"}
}

// AbortWithError maps domain errors onto HTTP responses. Unrecognized
// errors become opaque 500s; domain detail never leaks by accident.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	switch {
	case errors.Is(err, campaigndomain.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "campaign_not_found", "message": err.Error()}})
	case errors.Is(err, campaigndomain.ErrInvalidStatus):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": gin.H{"code": "invalid_campaign_status", "message": err.Error()}})
	case errors.Is(err, campaigndomain.ErrInvalidCampaign), errors.Is(err, contactdomain.ErrInvalidAudience):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_campaign", "message": err.Error()}})
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": gin.H{"code": "insufficient_credits", "message": err.Error()}})
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_amount", "message": err.Error()}})
	case errors.Is(err, ledgerdomain.ErrReservationNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "reservation_not_found", "message": err.Error()}})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal_error", "message": "internal error"}})
	}
}

// rejectStatus maps a typed enqueue/cancel rejection onto an HTTP status.
func rejectStatus(reason campaigndomain.RejectReason) int {
	switch reason {
	case campaigndomain.ReasonNotFound:
		return http.StatusNotFound
	case campaigndomain.ReasonInsufficientCredits:
		return http.StatusPaymentRequired
	case campaigndomain.ReasonInactiveSubscription:
		return http.StatusPaymentRequired
	case campaigndomain.ReasonAlreadySending, campaigndomain.ReasonInvalidStatus:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}
