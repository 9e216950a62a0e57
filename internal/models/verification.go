package models

import (
	"time"

	"github.com/google/uuid"
)

// Типы кодов подтверждения.
const (
	VerificationKindEmail         = "email_verification"
	VerificationKindPasswordReset = "password_reset"
	VerificationKindLogin         = "login_verification"
)

// ValidVerificationKinds - список допустимых типов кодов.
var ValidVerificationKinds = map[string]struct{}{
	VerificationKindEmail:         {},
	VerificationKindPasswordReset: {},
	VerificationKindLogin:         {},
}

// VerificationCode - одноразовый код подтверждения.
//
// Код считается активным, пока used_at и invalidated_at пусты, а expires_at
// в будущем. Любое другое состояние терминально: использован, просрочен
// или отозван при повторной отправке.
type VerificationCode struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Kind      string    `db:"kind" json:"kind"`
	Code      string    `db:"code" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	UsedAt        *time.Time `db:"used_at" json:"used_at,omitempty"`
	InvalidatedAt *time.Time `db:"invalidated_at" json:"-"`

	// ContextEmail - адрес, к которому привязан код (для смены email).
	ContextEmail *string `db:"context_email" json:"-"`

	// Контекст запроса на момент выпуска. Заполняется только для
	// кодов подтверждения входа.
	IPAddress *string `db:"ip_address" json:"-"`
	UserAgent *string `db:"user_agent" json:"-"`
}

// IsActive проверяет, действует ли код на момент now.
func (c *VerificationCode) IsActive(now time.Time) bool {
	return c.UsedAt == nil && c.InvalidatedAt == nil && !now.After(c.ExpiresAt)
}
