package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/knigolib/knigolib-backend/internal/http/handlers/common"
	"github.com/knigolib/knigolib-backend/internal/models"
	"github.com/knigolib/knigolib-backend/internal/pkg/apperror"
	"github.com/knigolib/knigolib-backend/internal/service"
	"github.com/knigolib/knigolib-backend/internal/validation"
)

// AuthHandler предоставляет HTTP слой для регистрации и входа.
type AuthHandler struct {
	auth *service.AuthService
}

// NewAuthHandler создаёт хэндлер.
func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// requestMeta собирает метаданные запроса для сервисного слоя.
func requestMeta(c *gin.Context) map[string]string {
	return map[string]string{
		"user_agent": c.GetHeader("User-Agent"),
		"ip":         c.ClientIP(),
	}
}

// respondServiceError переводит ошибку сервиса в HTTP ответ. Типизированные
// ошибки несут свой статус, остальные отдаются с fallback статусом.
func respondServiceError(c *gin.Context, err error, fallbackStatus int) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		common.RespondError(c, appErr.HTTPStatus, appErr.Message)
		return
	}
	common.RespondError(c, fallbackStatus, err.Error())
}

// Register обрабатывает POST /auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidateEmail(req.Email); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidatePassword(req.Password); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if req.Username != "" {
		if err := validation.ValidateUsername(req.Username); err != nil {
			common.RespondBadRequest(c, err.Error())
			return
		}
	}

	if req.Role != "" && req.Role != models.RoleReader && req.Role != models.RolePublisher {
		common.RespondBadRequest(c, "роль должна быть reader или publisher")
		return
	}

	result, err := h.auth.Register(c.Request.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Username: req.Username,
		Role:     req.Role,
	}, requestMeta(c))
	if err != nil {
		respondServiceError(c, err, http.StatusBadRequest)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":   result.User,
		"tokens": result.TokenPair,
	})
}

// ConfirmEmail обрабатывает POST /auth/email/confirm (требует авторизации).
func (h *AuthHandler) ConfirmEmail(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidateCodeFormat(req.Code); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.auth.ConfirmEmail(c.Request.Context(), userID, req.Code); err != nil {
		respondServiceError(c, err, http.StatusBadRequest)
		return
	}

	common.RespondSuccess(c, http.StatusOK, "email подтверждён", nil)
}

// Login обрабатывает POST /auth/login.
//
// Если устройство незнакомое, токены не выдаются: в ответе будет
// verification_required, а на почту уйдёт код для CompleteLogin.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidateEmail(req.Email); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if strings.TrimSpace(req.Password) == "" {
		common.RespondBadRequest(c, "пароль обязателен")
		return
	}

	result, err := h.auth.Login(c.Request.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	}, requestMeta(c))
	if err != nil {
		respondServiceError(c, err, http.StatusUnauthorized)
		return
	}

	if result.VerificationRequired {
		c.JSON(http.StatusOK, gin.H{
			"verification_required": true,
			"message":               "вход с нового устройства, код подтверждения отправлен на email",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":   result.User,
		"tokens": result.TokenPair,
	})
}

// CompleteLogin обрабатывает POST /auth/login/complete - завершение входа
// кодом подтверждения с нового устройства.
func (h *AuthHandler) CompleteLogin(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidateCodeFormat(req.Code); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	result, err := h.auth.CompleteLogin(c.Request.Context(), req.Email, req.Code, requestMeta(c))
	if err != nil {
		respondServiceError(c, err, http.StatusUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":   result.User,
		"tokens": result.TokenPair,
	})
}

// ForgotPassword обрабатывает POST /auth/password/forgot.
//
// Ответ одинаков для существующего и несуществующего аккаунта: по этому
// эндпоинту нельзя проверить, зарегистрирован ли email.
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidateEmail(req.Email); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	err := h.auth.RequestPasswordReset(c.Request.Context(), req.Email)
	if err != nil && !apperror.IsNotFound(err) {
		respondServiceError(c, err, http.StatusInternalServerError)
		return
	}

	common.RespondSuccess(c, http.StatusOK, "если аккаунт существует, код отправлен на email", nil)
}

// CheckResetCode обрабатывает POST /auth/password/check-code - предварительная
// проверка кода без его погашения, до формы нового пароля.
func (h *AuthHandler) CheckResetCode(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidateCodeFormat(req.Code); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	valid, err := h.auth.CheckResetCode(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		// Неизвестный аккаунт неотличим от неверного кода.
		if apperror.IsNotFound(err) {
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}
		respondServiceError(c, err, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// ResetPassword обрабатывает POST /auth/password/reset.
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req struct {
		Email       string `json:"email" binding:"required"`
		Code        string `json:"code" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidateCodeFormat(req.Code); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := validation.ValidatePassword(req.NewPassword); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.auth.ResetPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		// Неизвестный аккаунт неотличим от неверного кода.
		if apperror.IsNotFound(err) {
			common.RespondBadRequest(c, "неверный или просроченный код")
			return
		}
		respondServiceError(c, err, http.StatusBadRequest)
		return
	}

	common.RespondSuccess(c, http.StatusOK, "пароль изменён, войдите заново", nil)
}

// Refresh обрабатывает POST /auth/refresh.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	tokenPair, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken, requestMeta(c))
	if err != nil {
		respondServiceError(c, err, http.StatusUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tokens": tokenPair})
}

// Logout обрабатывает POST /auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		respondServiceError(c, err, http.StatusBadRequest)
		return
	}

	common.RespondSuccess(c, http.StatusOK, "сессия завершена", nil)
}

// OAuthLogin обрабатывает POST /auth/oauth - вход через внешнего провайдера.
func (h *AuthHandler) OAuthLogin(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required,oneof=google yandex"`
		Token    string `json:"token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	result, err := h.auth.OAuthLogin(c.Request.Context(), req.Provider, req.Token, requestMeta(c))
	if err != nil {
		respondServiceError(c, err, http.StatusUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":   result.User,
		"tokens": result.TokenPair,
	})
}
