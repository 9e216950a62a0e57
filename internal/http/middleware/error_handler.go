package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/knigolib/knigolib-backend/internal/logger"
	"github.com/knigolib/knigolib-backend/internal/pkg/apperror"
	"github.com/knigolib/knigolib-backend/internal/repository"
)

// ErrorHandler обрабатывает ошибки, сложенные хэндлерами в c.Error,
// централизованно. Внутренние ошибки маскируются, наружу уходят только
// типизированные сообщения.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last()

		if logger.Log != nil {
			logger.Log.WithFields(logrus.Fields{
				"error":  err.Error(),
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Error("Request error")
		}

		statusCode := http.StatusInternalServerError
		message := "внутренняя ошибка сервера"

		var appErr *apperror.AppError
		switch {
		case errors.As(err.Err, &appErr):
			statusCode = appErr.HTTPStatus
			message = appErr.Message
		case errors.Is(err.Err, repository.ErrUserNotFound):
			statusCode = http.StatusNotFound
			message = "пользователь не найден"
		case errors.Is(err.Err, repository.ErrVerificationCodeNotFound):
			statusCode = http.StatusBadRequest
			message = "неверный или просроченный код"
		}

		c.JSON(statusCode, gin.H{"error": message})
	}
}
