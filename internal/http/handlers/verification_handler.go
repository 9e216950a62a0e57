package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knigolib/knigolib-backend/internal/http/handlers/common"
	"github.com/knigolib/knigolib-backend/internal/models"
	"github.com/knigolib/knigolib-backend/internal/service"
	"github.com/knigolib/knigolib-backend/internal/validation"
)

// VerificationHandler - HTTP слой для повторной отправки кодов и статуса
// доверия текущего устройства.
type VerificationHandler struct {
	auth        *service.AuthService
	deviceTrust *service.DeviceTrustService
}

// NewVerificationHandler создаёт хэндлер.
func NewVerificationHandler(auth *service.AuthService, deviceTrust *service.DeviceTrustService) *VerificationHandler {
	return &VerificationHandler{auth: auth, deviceTrust: deviceTrust}
}

// ResendCode POST /verification/resend - отзывает прежние активные коды
// указанного типа и отправляет новый.
func (h *VerificationHandler) ResendCode(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	var req struct {
		Kind string `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if _, ok := models.ValidVerificationKinds[req.Kind]; !ok {
		common.RespondBadRequest(c, "неизвестный тип кода")
		return
	}

	if err := h.auth.ResendCode(c.Request.Context(), userID, req.Kind, requestMeta(c)); err != nil {
		respondServiceError(c, err, http.StatusInternalServerError)
		return
	}

	common.RespondSuccess(c, http.StatusOK, "код отправлен", nil)
}

// DeviceStatus GET /verification/device-status - доверено ли устройство,
// с которого сделан запрос.
func (h *VerificationHandler) DeviceStatus(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	// User-Agent усекается так же, как при входе: отпечаток должен
	// совпасть с сохранённым при TrustDevice.
	ua := validation.TruncateUserAgent(c.GetHeader("User-Agent"))
	needed := h.deviceTrust.IsVerificationNeeded(c.Request.Context(), userID, c.ClientIP(), ua)
	c.JSON(http.StatusOK, gin.H{"trusted": !needed})
}
