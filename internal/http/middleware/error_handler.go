package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-flow/internal/http/response"
	"github.com/ignatzorin/escrow-flow/internal/logger"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// ErrorHandler логирует ошибки обработчиков и отвечает за них, если обработчик ничего не записал.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		fields := logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}
		if userID, ok := c.Get(ContextUserIDKey); ok {
			fields["user_id"] = userID
		}
		entry := logger.Log.WithFields(fields).WithError(err)
		if c.Writer.Status() >= 500 || !isAppError(err) {
			entry.Error("Request error")
		} else {
			entry.Info("Request rejected")
		}

		if !c.Writer.Written() {
			response.Error(c, err)
		}
	}
}

func isAppError(err error) bool {
	return apperror.IsConflict(err) || apperror.IsValidation(err) || apperror.IsNotFound(err) ||
		apperror.IsForbidden(err) || apperror.IsLedgerUnconfirmed(err)
}
