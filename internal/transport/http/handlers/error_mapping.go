package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
// With ExposeError set the wrapped error text is returned instead of Message.
type ErrorCase struct {
	Err         error
	Status      int
	Message     string
	ExposeError bool
}

// RespondWithMappedError writes the first matching case. Store timeouts become 503 so
// callers retry; anything else falls back to fallbackStatus and is attached to the gin
// context for the request logger.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	for _, cs := range cases {
		if cs.Err == nil || !errors.Is(err, cs.Err) {
			continue
		}
		message := cs.Message
		if cs.ExposeError {
			message = err.Error()
		}
		c.JSON(cs.Status, NewErrorResponse(c, message))
		return
	}

	_ = c.Error(err)
	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "backing store timed out"))
		return
	}
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}
