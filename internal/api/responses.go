package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/NikhilSetiya/pipeline-guard/pkg/errors"
)

// APIResponse is the standard response envelope
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError is the error payload inside an APIResponse
type APIError struct {
	Type    string            `json:"type"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// SuccessResponse sends a successful response with data
func SuccessResponse(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: getRequestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, errorType, code, message string) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Type:    errorType,
			Code:    code,
			Message: message,
		},
		RequestID: getRequestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// ErrorResponseFromError maps an application error to the right HTTP status
func ErrorResponseFromError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		statusCode := statusCodeForType(appErr.Type)
		c.JSON(statusCode, APIResponse{
			Success: false,
			Error: &APIError{
				Type:    string(appErr.Type),
				Code:    appErr.Code,
				Message: appErr.Message,
				Details: appErr.Details,
			},
			RequestID: getRequestID(c),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	ErrorResponse(c, http.StatusInternalServerError, string(apperrors.ErrorTypeInternal),
		"INTERNAL_ERROR", "An internal error occurred")
}

func statusCodeForType(errorType apperrors.ErrorType) int {
	switch errorType {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict
	case apperrors.ErrorTypeRateLimit, apperrors.ErrorTypeQuota:
		return http.StatusTooManyRequests
	case apperrors.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BadRequestResponse sends a 400 response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusBadRequest, string(apperrors.ErrorTypeValidation),
		"BAD_REQUEST", message)
}

// NotFoundResponse sends a 404 response
func NotFoundResponse(c *gin.Context, resource string) {
	ErrorResponse(c, http.StatusNotFound, string(apperrors.ErrorTypeNotFound),
		"NOT_FOUND", resource+" not found")
}

// InternalErrorResponse sends a 500 response
func InternalErrorResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, string(apperrors.ErrorTypeInternal),
		"INTERNAL_ERROR", message)
}

func getRequestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
