package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/knigolib/knigolib-backend/internal/models"
)

// ErrVerificationCodeNotFound возвращается, когда активного кода для пары
// (пользователь, тип) нет.
var ErrVerificationCodeNotFound = errors.New("verification code not found")

// VerificationRepository отвечает за работу с таблицей verification_codes.
type VerificationRepository struct {
	db *sqlx.DB
}

// NewVerificationRepository создаёт экземпляр репозитория.
func NewVerificationRepository(db *sqlx.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// CreateCode сохраняет новый код подтверждения.
func (r *VerificationRepository) CreateCode(ctx context.Context, code *models.VerificationCode) error {
	query := `
		INSERT INTO verification_codes (user_id, kind, code, expires_at, context_email, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	if err := r.db.QueryRowxContext(
		ctx, query,
		code.UserID, code.Kind, code.Code, code.ExpiresAt, code.ContextEmail, code.IPAddress, code.UserAgent,
	).Scan(&code.ID, &code.CreatedAt); err != nil {
		return fmt.Errorf("verification repository: create code: %w", err)
	}
	return nil
}

// GetActiveCode возвращает единственный авторитетный активный код пары
// (пользователь, тип): не использованный, не отозванный и не просроченный.
// Если кодов несколько, авторитетным считается последний выпущенный.
func (r *VerificationRepository) GetActiveCode(ctx context.Context, userID uuid.UUID, kind string) (*models.VerificationCode, error) {
	var code models.VerificationCode
	query := `
		SELECT id, user_id, kind, code, expires_at, created_at, used_at, invalidated_at, context_email, ip_address, user_agent
		FROM verification_codes
		WHERE user_id = $1 AND kind = $2
		  AND used_at IS NULL AND invalidated_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`
	if err := r.db.GetContext(ctx, &code, query, userID, kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVerificationCodeNotFound
		}
		return nil, fmt.Errorf("verification repository: get active code: %w", err)
	}
	return &code, nil
}

// ConsumeCode помечает код использованным одним условным UPDATE.
//
// Условие used_at IS NULL внутри самого UPDATE гарантирует, что из N
// конкурентных попыток погасить один и тот же код ровно одна увидит
// consumed = true; остальным код уже не активен.
func (r *VerificationRepository) ConsumeCode(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_codes
		SET used_at = NOW()
		WHERE id = $1
		  AND used_at IS NULL AND invalidated_at IS NULL AND expires_at > NOW()
	`, id)
	if err != nil {
		return false, fmt.Errorf("verification repository: consume code: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("verification repository: consume code rows affected: %w", err)
	}
	return affected == 1, nil
}

// InvalidateActive отзывает все активные коды пары (пользователь, тип).
// Идемпотентна: отсутствие активных кодов не ошибка.
func (r *VerificationRepository) InvalidateActive(ctx context.Context, userID uuid.UUID, kind string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE verification_codes
		SET invalidated_at = NOW()
		WHERE user_id = $1 AND kind = $2
		  AND used_at IS NULL AND invalidated_at IS NULL
	`, userID, kind)
	if err != nil {
		return fmt.Errorf("verification repository: invalidate active: %w", err)
	}
	return nil
}
