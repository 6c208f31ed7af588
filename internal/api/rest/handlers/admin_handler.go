package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// UserReader чтение состояния пользователя из реестра
type UserReader interface {
	Read(ctx context.Context, id domain.UserID) (domain.User, error)
}

// AuditReader журналы платежных событий и расхода
type AuditReader interface {
	ListPaymentEvents(ctx context.Context, limit, offset int) ([]domain.PaymentEvent, error)
	ListUsageEvents(ctx context.Context, id domain.UserID, limit, offset int) ([]domain.UsageEvent, error)
}

// AdminHandler админ-API только для чтения
type AdminHandler struct {
	users UserReader
	audit AuditReader
	log   *logger.Logger
}

// NewAdminHandler создает обработчик админ-API
func NewAdminHandler(users UserReader, audit AuditReader, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		users: users,
		audit: audit,
		log:   log,
	}
}

// GetUser GET /admin/users/:id
func (h *AdminHandler) GetUser(c *gin.Context) {
	id, ok := parseUserID(c)
	if !ok {
		return
	}
	user, err := h.users.Read(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ListPaymentEvents GET /admin/payment-events?limit=&offset=
func (h *AdminHandler) ListPaymentEvents(c *gin.Context) {
	limit, offset := pageParams(c)
	events, err := h.audit.ListPaymentEvents(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "limit": limit, "offset": offset})
}

// ListUsageEvents GET /admin/users/:id/usage?limit=&offset=
func (h *AdminHandler) ListUsageEvents(c *gin.Context) {
	id, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	events, err := h.audit.ListUsageEvents(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "limit": limit, "offset": offset})
}

func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
