package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"cipherchat/internal/presence"
	"cipherchat/pkg/types"
)

// Response is the envelope of every REST reply
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data})
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{Success: false, Message: message, Code: code})
}

var statusByCode = map[types.ErrorCode]int{
	types.CodeInvalidArgument:    http.StatusBadRequest,
	types.CodeUnauthenticated:    http.StatusUnauthorized,
	types.CodePermissionDenied:   http.StatusForbidden,
	types.CodeNotFound:           http.StatusNotFound,
	types.CodeFailedPrecondition: http.StatusConflict,
	types.CodeRateLimited:        http.StatusTooManyRequests,
	types.CodeInternal:           http.StatusInternalServerError,
}

// failErr maps a domain error onto status, code and Retry-After
func failErr(c *gin.Context, err error) {
	payload := presence.ErrorEvent("", "", err)
	status, found := statusByCode[payload.Code]
	if !found {
		status = http.StatusInternalServerError
	}

	if payload.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(payload.RetryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		log.Error().Str("module", "api").Str("path", c.FullPath()).Err(err).Msg("request failed")
	}

	fail(c, status, string(payload.Code), payload.Message)
}
