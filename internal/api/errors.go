package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

// errorBody is the wire shape of every error response
type errorBody struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	RequestID  string      `json:"requestId"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// renderError writes the classified error as the standard envelope.
// Unclassified errors surface as a generic 500 so internals never leak.
func renderError(c *gin.Context, err error) {
	ce := apperrors.AsClassified(err)
	body := errorBody{
		Code:      ce.Code,
		Message:   ce.Message,
		Details:   ce.Details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	}
	if ce.Class == apperrors.ClassInternal || ce.Class == apperrors.ClassUnknown {
		body.Message = "internal error"
		body.Details = nil
	}

	status := ce.HTTPStatus()
	if ce.Retry != nil && ce.Retry.RetryAfter > 0 {
		seconds := int(ce.Retry.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		body.RetryAfter = seconds
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	c.AbortWithStatusJSON(status, errorEnvelope{Error: body})
}
