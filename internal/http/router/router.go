package router

import (
	"github.com/gin-gonic/gin"

	"github.com/knigolib/knigolib-backend/internal/config"
	"github.com/knigolib/knigolib-backend/internal/http/handlers"
	"github.com/knigolib/knigolib-backend/internal/http/middleware"
	"github.com/knigolib/knigolib-backend/internal/service"
)

// SetupRouter собирает все маршруты приложения.
func SetupRouter(
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	verificationHandler *handlers.VerificationHandler,
	healthHandler *handlers.HealthHandler,
	tokenManager *service.TokenManager,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", healthHandler.Health)

	api := r.Group("/api")

	// Публичные эндпоинты аутентификации. Жёсткий rate limit: здесь же
	// принимаются коды подтверждения, перебор должен упираться в лимит.
	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/login/complete", authHandler.CompleteLogin)
		authGroup.POST("/oauth", authHandler.OAuthLogin)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/password/forgot", authHandler.ForgotPassword)
		authGroup.POST("/password/check-code", authHandler.CheckResetCode)
		authGroup.POST("/password/reset", authHandler.ResetPassword)
	}

	// Эндпоинты под access токеном.
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(tokenManager))
	{
		protected.POST("/auth/logout", authHandler.Logout)
		protected.POST("/auth/email/confirm", authHandler.ConfirmEmail)

		protected.POST("/verification/resend", verificationHandler.ResendCode)
		protected.GET("/verification/device-status", verificationHandler.DeviceStatus)
	}

	return r
}
