package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/opd-queue/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithMessage sends a success response carrying only a message.
func RespondWithMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: message,
	})
}

// RespondWithError sends an error response. Non-AppErrors are reported as
// internal errors and their detail is only logged.
func RespondWithError(c *gin.Context, err error) {
	appErr := errors.As(err)
	if appErr == nil {
		appErr = errors.Internal(err)
	}

	status := appErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}

	c.JSON(status, Response{
		Success: false,
		Message: appErr.Message,
		Error: &Error{
			Code:    appErr.Code.Name(),
			Message: appErr.Message,
		},
	})
}

// RespondWithValidationError reports a binding or validation failure.
func RespondWithValidationError(c *gin.Context, err error) {
	RespondWithError(c, errors.BadRequest(ValidationMessage(err), err))
}
