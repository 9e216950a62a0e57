package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/knigolib/knigolib-backend/internal/models"
)

// DeviceRepository отвечает за работу с таблицей trusted_devices.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository создаёт экземпляр репозитория.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// ListByUser возвращает все доверенные устройства пользователя.
func (r *DeviceRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.TrustedDevice, error) {
	var devices []models.TrustedDevice
	query := `
		SELECT id, user_id, ip_address, user_agent, fingerprint, last_used, created_at
		FROM trusted_devices
		WHERE user_id = $1
		ORDER BY last_used DESC
	`
	if err := r.db.SelectContext(ctx, &devices, query, userID); err != nil {
		return nil, fmt.Errorf("device repository: list by user: %w", err)
	}
	return devices, nil
}

// Upsert создаёт запись об устройстве или обновляет last_used существующей.
// Ключ уникальности - пара (user_id, fingerprint).
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.TrustedDevice) error {
	query := `
		INSERT INTO trusted_devices (user_id, ip_address, user_agent, fingerprint, last_used)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, fingerprint) DO UPDATE
		SET ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			last_used = NOW()
		RETURNING id, last_used, created_at
	`
	if err := r.db.QueryRowxContext(
		ctx, query,
		device.UserID, device.IPAddress, device.UserAgent, device.Fingerprint,
	).Scan(&device.ID, &device.LastUsed, &device.CreatedAt); err != nil {
		return fmt.Errorf("device repository: upsert: %w", err)
	}
	return nil
}

// TouchLastUsed обновляет время последнего использования устройства.
func (r *DeviceRepository) TouchLastUsed(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trusted_devices
		SET last_used = NOW()
		WHERE user_id = $1 AND fingerprint = $2
	`, userID, fingerprint)
	if err != nil {
		return fmt.Errorf("device repository: touch last used: %w", err)
	}
	return nil
}
