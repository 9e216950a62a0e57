package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/knigolib/knigolib-backend/internal/goroutine"
	"github.com/knigolib/knigolib-backend/internal/logger"
	"github.com/knigolib/knigolib-backend/internal/models"
)

// TrustedDeviceStore описывает зависимость сервиса от хранилища устройств.
type TrustedDeviceStore interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.TrustedDevice, error)
	Upsert(ctx context.Context, device *models.TrustedDevice) error
	TouchLastUsed(ctx context.Context, userID uuid.UUID, fingerprint string) error
}

// DeviceTrustService решает, нужна ли попытке входа дополнительная проверка
// кодом, и ведёт список доверенных устройств аккаунта.
//
// Совпадение устройства двухуровневое: точный отпечаток, а при его промахе -
// грубая эвристика "та же /16 сеть и то же семейство браузера и ОС". Это
// осознанный компромисс, а не криптографическая гарантия: точный отпечаток
// ломается от обычного дрейфа клиента (ротация IP у оператора, минорное
// обновление браузера), эвристика же требует согласия и по сети, и по клиенту.
type DeviceTrustService struct {
	users   VerificationUserProvider
	devices TrustedDeviceStore
}

// NewDeviceTrustService создаёт сервис доверия к устройствам.
func NewDeviceTrustService(users VerificationUserProvider, devices TrustedDeviceStore) *DeviceTrustService {
	return &DeviceTrustService{
		users:   users,
		devices: devices,
	}
}

// Fingerprint строит односторонний детерминированный отпечаток устройства.
// Используется только как ключ точного совпадения.
func (s *DeviceTrustService) Fingerprint(ipAddress, userAgent string) string {
	sum := sha256.Sum256([]byte(ipAddress + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}

// IsVerificationNeeded решает, требуется ли попытке входа проверка кодом.
//
// По умолчанию - требуется: любая внутренняя ошибка при оценке доверия тоже
// приводит к проверке (в сомнительной ситуации безопаснее спросить код).
func (s *DeviceTrustService) IsVerificationNeeded(ctx context.Context, userID uuid.UUID, ipAddress, userAgent string) bool {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		logWarn(userID, err, "device trust: не удалось загрузить пользователя, требуем проверку")
		return true
	}

	// Аккаунты внешних провайдеров пропускаем без проверки: провайдер уже
	// выполнил эквивалентную верификацию, дублировать её - лишнее трение.
	// Текущее устройство при этом сразу регистрируем доверенным.
	if user.IsFederated() {
		if err := s.TrustDevice(ctx, userID, ipAddress, userAgent); err != nil {
			logWarn(userID, err, "device trust: не удалось зарегистрировать устройство федеративного аккаунта")
		}
		return false
	}

	devices, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		logWarn(userID, err, "device trust: не удалось получить устройства, требуем проверку")
		return true
	}

	fingerprint := s.Fingerprint(ipAddress, userAgent)
	for _, device := range devices {
		if device.Fingerprint == fingerprint {
			s.touchAsync(userID, fingerprint)
			return false
		}
	}

	for _, device := range devices {
		if s.heuristicMatch(&device, ipAddress, userAgent) {
			return false
		}
	}

	return true
}

// TrustDevice регистрирует текущее устройство доверенным (или обновляет
// last_used уже известного). Вызывается после успешного погашения кода входа
// и при федеративном входе.
func (s *DeviceTrustService) TrustDevice(ctx context.Context, userID uuid.UUID, ipAddress, userAgent string) error {
	device := &models.TrustedDevice{
		UserID:      userID,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		Fingerprint: s.Fingerprint(ipAddress, userAgent),
	}
	return s.devices.Upsert(ctx, device)
}

// heuristicMatch - грубое совпадение устройства: первые два октета IPv4
// (приближение "та же /16 сеть") плюс одинаковые семейства браузера и ОС.
func (s *DeviceTrustService) heuristicMatch(device *models.TrustedDevice, ipAddress, userAgent string) bool {
	if !sameCoarseNetwork(device.IPAddress, ipAddress) {
		return false
	}
	if browserFamily(device.UserAgent) != browserFamily(userAgent) {
		return false
	}
	return osFamily(device.UserAgent) == osFamily(userAgent)
}

// touchAsync обновляет last_used, не задерживая ответ на запрос входа.
// Фоновая горутина получает свой контекст: запрос к этому моменту уже
// завершится.
func (s *DeviceTrustService) touchAsync(userID uuid.UUID, fingerprint string) {
	goroutine.SafeGo(func() {
		if err := s.devices.TouchLastUsed(context.Background(), userID, fingerprint); err != nil {
			logWarn(userID, err, "device trust: не удалось обновить last_used")
		}
	})
}

// logWarn логирует предупреждение, если логгер инициализирован.
func logWarn(userID uuid.UUID, err error, msg string) {
	if logger.Log == nil {
		return
	}
	logger.Log.WithFields(logrus.Fields{
		"user_id": userID,
		"error":   err.Error(),
	}).Warn(msg)
}

// sameCoarseNetwork сравнивает адреса с точностью до первых двух октетов IPv4.
// Эвристика определена для dotted-decimal адресов; для не-IPv4 она вырождается
// в точное равенство адресов.
func sameCoarseNetwork(a, b string) bool {
	ipA := net.ParseIP(strings.TrimSpace(a))
	ipB := net.ParseIP(strings.TrimSpace(b))
	if ipA == nil || ipB == nil {
		return strings.TrimSpace(a) != "" && strings.TrimSpace(a) == strings.TrimSpace(b)
	}

	if a4, b4 := ipA.To4(), ipB.To4(); a4 != nil && b4 != nil {
		return a4[0] == b4[0] && a4[1] == b4[1]
	}
	return ipA.Equal(ipB)
}
