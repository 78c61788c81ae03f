package server

import (
	"net/http"
	"strings"

	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	"github.com/gin-gonic/gin"
)

type createContactRequest struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Gender    string `json:"gender"`
	OptedIn   bool   `json:"opted_in"`
}

// @Summary      Create Contact
// @Tags         contacts
// @Accept       json
// @Produce      json
// @Param        request body createContactRequest true "Create Contact Request"
// @Success      200  {object}  contactdomain.Contact
// @Router       /contacts [post]
func (s *Server) CreateContact(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	var req createContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" || !strings.HasPrefix(phone, "+") {
		AbortWithError(c, newValidationError("phone", "invalid_phone", "phone must be E.164"))
		return
	}

	now := s.clock.Now()
	contact := contactdomain.Contact{
		ID:        s.genID.Generate(),
		TenantID:  tenant,
		Phone:     phone,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Gender:    strings.ToLower(strings.TrimSpace(req.Gender)),
		OptedIn:   req.OptedIn,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&contact).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": contact})
}

// @Summary      List Contacts
// @Tags         contacts
// @Produce      json
// @Param        opted_in  query  bool  false  "Opt-in filter"
// @Success      200  {object}  []contactdomain.Contact
// @Router       /contacts [get]
func (s *Server) ListContacts(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}

	query := s.db.WithContext(c.Request.Context()).Where("tenant_id = ?", tenant)
	if raw := c.Query("opted_in"); raw != "" {
		query = query.Where("opted_in = ?", raw == "true")
	}

	var contacts []contactdomain.Contact
	if err := query.Order("created_at DESC").Limit(200).Find(&contacts).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": contacts})
}

// @Summary      Opt Out Contact
// @Description  Withdraw a contact's messaging consent
// @Tags         contacts
// @Produce      json
// @Param        id   path      string  true  "Contact ID"
// @Router       /contacts/{id}/opt-out [post]
func (s *Server) OptOutContact(c *gin.Context) {
	tenant, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	result := s.db.WithContext(c.Request.Context()).Exec(
		`UPDATE contacts SET opted_in = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		false,
		s.clock.Now(),
		id,
		tenant,
	)
	if result.Error != nil {
		AbortWithError(c, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		AbortWithError(c, notFoundError("contact_not_found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"opted_out": true})
}
