package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeboard/forgeboard/models"
)

// JSONResponse defines the uniform structure for API responses.
type JSONResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Respond writes a JSON response with the given status code.
func Respond(ctx *gin.Context, status int, code int, message string, data interface{}) {
	ctx.JSON(status, JSONResponse{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// Success returns a standard success response.
func Success(ctx *gin.Context, data interface{}) {
	Respond(ctx, 200, 0, "success", data)
}

// Error returns a standard error response.
func Error(ctx *gin.Context, status int, code int, message string) {
	Respond(ctx, status, code, message, nil)
}

// FromError maps domain errors onto the response envelope: ErrNotFound to
// 404, ErrPermissionDenied to 403, everything else to 500 with a generic
// message so internals never leak to clients.
func FromError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		Error(ctx, http.StatusNotFound, 40401, "not found")
	case errors.Is(err, models.ErrPermissionDenied):
		Error(ctx, http.StatusForbidden, 40301, "permission denied")
	default:
		if Sugar != nil {
			Sugar.Errorw("internal error", "path", ctx.FullPath(), "err", err)
		}
		Error(ctx, http.StatusInternalServerError, 50001, "internal error")
	}
}
