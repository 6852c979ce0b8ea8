package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/broker/internal/broker/errs"
	"github.com/kandev/broker/internal/common/logger"
)

// writeError maps err's errs.Kind to an HTTP status and JSON error body,
// generalizing the isNotFound/isValidationError string-sniffing pattern
// (internal/task/handlers/errors.go) into a switch over a closed, typed
// Kind instead of matching substrings of err.Error().
func writeError(c *gin.Context, log *logger.Logger, err error) {
	kind := errs.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("admin request failed")
		c.JSON(status, gin.H{"error": "request failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindValidationError, errs.KindMissingDiff:
		return http.StatusBadRequest
	case errs.KindStateConflict, errs.KindNotAcked:
		return http.StatusConflict
	case errs.KindBlocked:
		return http.StatusForbidden
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
