package models

import (
	"time"

	"github.com/google/uuid"
)

// TrustedDevice - устройство, с которого пользователь уже подтверждал вход.
//
// Запись живёт столько же, сколько аккаунт; при повторных входах обновляется
// только last_used. Fingerprint - односторонний дайджест пары IP + User-Agent,
// используется как ключ точного совпадения.
type TrustedDevice struct {
	ID          uuid.UUID `db:"id" json:"id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
	Fingerprint string    `db:"fingerprint" json:"-"`
	LastUsed    time.Time `db:"last_used" json:"last_used"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
