package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/middleware"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
)

// ErrorResponse error body. Code is the stable machine readable error code, if any.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// PaginatedResponse paged list body.
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse generic success body.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusFor maps service error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, title string, err error) {
	c.JSON(statusFor(err), ErrorResponse{Error: title, Message: err.Error(), Code: services.ErrorCode(err)})
}

func newPaginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// actorID is the authenticated user id; requests that reach a handler without one are
// rejected with 401.
func actorID(c *gin.Context) (string, bool) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "no authenticated user"})
		return "", false
	}
	return id.UserID, true
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid " + name, Message: "must be a positive integer", Code: "VALIDATION_ERROR"})
		return 0, false
	}
	return uint(v), true
}
