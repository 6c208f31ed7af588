package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
	"github.com/Dhoini/premium-gate/pkg/res"
)

// parseUserID читает :id из пути
func parseUserID(c *gin.Context) (domain.UserID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		res.JsonResponse(c.Writer, res.ErrorResponse{
			Error:     "Invalid user ID",
			ErrorCode: http.StatusBadRequest,
		}, http.StatusBadRequest)
		return 0, false
	}
	return domain.UserID(id), true
}

// respondError переводит ошибку сервиса в HTTP-ответ
func respondError(c *gin.Context, err error, log *logger.Logger) {
	_ = c.Error(err)

	var extErr *domain.ExternalServiceError
	switch {
	case errors.Is(err, domain.ErrCheckoutInProgress):
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{
			Error:  "Checkout already in progress, try again shortly",
			Reason: "checkout_in_progress",
		}, http.StatusConflict, log)
	case errors.As(err, &extErr):
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{
			Error:  "Upstream service is unavailable, try again later",
			Reason: extErr.Service + "_" + extErr.Code,
		}, http.StatusBadGateway, log)
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrNotFound):
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "User not found"}, http.StatusNotFound, log)
	case errors.Is(err, domain.ErrInvalidInput):
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: err.Error()}, http.StatusBadRequest, log)
	default:
		log.Errorw("Request failed", "path", c.Request.URL.Path, "error", err)
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "Internal server error"}, http.StatusInternalServerError, log)
	}
}
