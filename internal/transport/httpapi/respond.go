package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/queue"
)

// renderError maps structured failures onto status codes and writes a
// sanitized JSON envelope. Queue errors carry their own taxonomy;
// everything else goes through errdefs.
func renderError(c *gin.Context, err error) {
	var qe *queue.Error
	if errors.As(err, &qe) {
		c.JSON(queueErrorStatus(qe.Code), gin.H{"error": gin.H{
			"code":    string(qe.Code),
			"message": qe.Message,
		}})
		return
	}
	se := errdefs.Sanitize(err)
	c.JSON(se.Code, gin.H{"error": se})
}

func queueErrorStatus(code queue.ErrorCode) int {
	switch code {
	case queue.CodeJobNotFound:
		return http.StatusNotFound
	case queue.CodeJobAlreadyTerminal, queue.CodeJobCanceled,
		queue.CodeInvalidLeaseToken, queue.CodeLeaseExpired:
		return http.StatusConflict
	case queue.CodeCodecNotFound, queue.CodeUnknownJobType, queue.CodeSerialization:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
