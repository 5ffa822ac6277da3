package middleware

import (
	stderrors "errors"
	"net/http"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error as a JSON response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		se := errors.GetStreamingError(err)
		if se == nil {
			logger.Errorw("unhandled error",
				"error", err.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   string(errors.ErrCodeUnknown),
				"message": "Internal server error",
			})
			return
		}

		status := statusFor(se)
		logger.Warnw("request failed",
			"code", se.Code,
			"message", se.Message,
			"provider", se.Provider,
			"status", status,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"details", se.Details,
		)

		c.JSON(status, gin.H{
			"error":    string(se.Code),
			"message":  se.Message,
			"provider": se.Provider,
			"details":  se.Details,
		})
	}
}

func statusFor(se *errors.StreamingError) int {
	switch {
	case stderrors.Is(se, domain.ErrSessionActive):
		return http.StatusConflict
	case stderrors.Is(se, domain.ErrSessionNotFound),
		stderrors.Is(se, domain.ErrNoActiveProvider),
		stderrors.Is(se, domain.ErrSettingNotFound):
		return http.StatusNotFound
	}
	return se.HTTPStatus()
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeUnknown),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
