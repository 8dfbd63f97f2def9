package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success    bool                      `json:"success"`
	Trade      *types.Trade              `json:"trade,omitempty"`
	Data       interface{}               `json:"data,omitempty"`
	Error      *Error                    `json:"error,omitempty"`
	Validation *types.TransferValidation `json:"validation,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}
	handleError(c, err)
}

// HandleTrade responds with the trade of a workflow action or its failure
func HandleTrade(c *gin.Context, trade *types.Trade, err error) {
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(successStatus(c), Response{
		Success: true,
		Trade:   trade,
	})
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	c.JSON(successStatus(c), Response{
		Success: true,
		Data:    data,
	})
}

func successStatus(c *gin.Context) int {
	if c.Request.Method == http.MethodPost {
		return http.StatusCreated
	}
	return http.StatusOK
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// PreconditionFailed sends a 409 response for a stale or out of order transition
func PreconditionFailed(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodePreconditionFailed, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// ValidationFailed sends a 409 response carrying the failing validation
func ValidationFailed(c *gin.Context, message string, validation *types.TransferValidation) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeValidationFailed,
			Message: message,
		},
		Validation: validation,
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	if validation, ok := types.ValidationFrom(err); ok {
		ValidationFailed(c, validation.ReasonDescription, validation)
		return
	}

	switch {
	case errors.Is(err, types.ErrPreconditionFailed):
		PreconditionFailed(c, err.Error())
	case errors.Is(err, types.ErrBadRequest):
		BadRequest(c, err.Error())
	case errors.Is(err, types.ErrForbidden):
		Forbidden(c, err.Error())
	case errors.Is(err, types.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unexpected error handling request")
		InternalError(c, "An unexpected error occurred")
	}
}
