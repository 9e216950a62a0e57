package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/knigolib/knigolib-backend/internal/logger"
	"github.com/knigolib/knigolib-backend/internal/models"
	"github.com/knigolib/knigolib-backend/internal/pkg/apperror"
	"github.com/knigolib/knigolib-backend/internal/repository"
	"github.com/knigolib/knigolib-backend/internal/security"
	"github.com/knigolib/knigolib-backend/internal/validation"
)

// AuthRepository описывает зависимости AuthService от слоя хранилища.
type AuthRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	MarkEmailVerified(ctx context.Context, userID uuid.UUID) error
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error
	UpdateLastLoginAt(ctx context.Context, userID uuid.UUID) error
	CreateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, refreshToken string) error
	DeleteAllSessions(ctx context.Context, userID uuid.UUID) error
}

// AuthService инкапсулирует бизнес-логику регистрации и аутентификации,
// включая step-up проверку входа с незнакомых устройств.
type AuthService struct {
	repo         AuthRepository
	tokenManager *TokenManager
	verification *VerificationService
	deviceTrust  *DeviceTrustService
	oauth        security.OAuthVerifier
}

// RegisterInput содержит данные пользователя при регистрации.
type RegisterInput struct {
	Email    string
	Password string
	Username string
	Role     string
}

// LoginInput содержит данные для входа.
type LoginInput struct {
	Email    string
	Password string
}

// AuthResult возвращает итог регистрации или авторизации.
// Если VerificationRequired = true, токены не выпущены: вход нужно завершить
// кодом подтверждения (CompleteLogin).
type AuthResult struct {
	User                 *models.User
	TokenPair            *TokenPair
	VerificationRequired bool
}

// NewAuthService создаёт сервис аутентификации.
func NewAuthService(
	repo AuthRepository,
	tokenManager *TokenManager,
	verification *VerificationService,
	deviceTrust *DeviceTrustService,
	oauth security.OAuthVerifier,
) *AuthService {
	return &AuthService{
		repo:         repo,
		tokenManager: tokenManager,
		verification: verification,
		deviceTrust:  deviceTrust,
		oauth:        oauth,
	}
}

// Register создаёт нового пользователя и отправляет код подтверждения email.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, meta map[string]string) (*AuthResult, error) {
	if err := validation.ValidateEmail(in.Email); err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}

	if _, err := s.repo.GetByEmail(ctx, strings.ToLower(in.Email)); err == nil {
		return nil, fmt.Errorf("auth service: email уже зарегистрирован")
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	username := in.Username
	if username == "" {
		username = deriveUsername(in.Email)
	}

	role := in.Role
	if role == "" {
		role = models.RoleReader
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth service: не удалось захешировать пароль: %w", err)
	}

	user := &models.User{
		Email:        strings.ToLower(in.Email),
		Username:     username,
		PasswordHash: string(passHash),
		Role:         role,
		AuthProvider: models.AuthProviderLocal,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	// Код подтверждения email. Неудачная доставка не отменяет регистрацию:
	// код остаётся активным, пользователь может запросить повторную отправку.
	if _, err := s.verification.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, nil); err != nil {
		if logger.Log != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": user.ID,
				"error":   err.Error(),
			}).Warn("auth service: не удалось отправить код подтверждения email")
		}
	}

	tokenPair, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: user, TokenPair: tokenPair}, nil
}

// ConfirmEmail гасит код подтверждения email и отмечает адрес подтверждённым.
func (s *AuthService) ConfirmEmail(ctx context.Context, userID uuid.UUID, code string) error {
	ok, err := s.verification.Verify(ctx, userID, code, models.VerificationKindEmail)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.ErrInvalidCode
	}
	return s.repo.MarkEmailVerified(ctx, userID)
}

// Login проверяет учётные данные. Если устройство незнакомое, вместо токенов
// пользователю отправляется код подтверждения входа.
func (s *AuthService) Login(ctx context.Context, in LoginInput, meta map[string]string) (*AuthResult, error) {
	if err := validation.ValidateEmail(in.Email); err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}

	user, err := s.repo.GetByEmail(ctx, strings.ToLower(in.Email))
	if err != nil {
		return nil, apperror.ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, fmt.Errorf("auth service: аккаунт заблокирован")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		return nil, apperror.ErrInvalidCredentials
	}

	ip, ua := requestContext(meta)
	if s.deviceTrust.IsVerificationNeeded(ctx, user.ID, ip, ua) {
		// Повторная отправка на явном эндпоинте отзывает прежние коды;
		// здесь новая попытка входа делает то же самое, чтобы авторитетным
		// был ровно один код.
		if err := s.verification.InvalidateActive(ctx, user.ID, models.VerificationKindLogin); err != nil {
			return nil, err
		}
		if _, err := s.verification.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindLogin, &IssueContext{
			IPAddress: ip,
			UserAgent: ua,
		}); err != nil {
			return nil, err
		}
		return &AuthResult{User: user, VerificationRequired: true}, nil
	}

	s.markLoggedIn(ctx, user.ID)

	tokenPair, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: user, TokenPair: tokenPair}, nil
}

// CompleteLogin завершает вход с незнакомого устройства: гасит код
// подтверждения, регистрирует устройство доверенным и выпускает токены.
func (s *AuthService) CompleteLogin(ctx context.Context, email, code string, meta map[string]string) (*AuthResult, error) {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return nil, apperror.ErrInvalidCredentials
	}

	// Аккаунт могли заблокировать между выдачей кода и его вводом.
	if !user.IsActive {
		return nil, fmt.Errorf("auth service: аккаунт заблокирован")
	}

	ok, err := s.verification.Verify(ctx, user.ID, code, models.VerificationKindLogin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.ErrInvalidCode
	}

	ip, ua := requestContext(meta)
	if err := s.deviceTrust.TrustDevice(ctx, user.ID, ip, ua); err != nil {
		// Не фатально: в худшем случае со следующего входа снова спросим код.
		if logger.Log != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": user.ID,
				"error":   err.Error(),
			}).Warn("auth service: не удалось сохранить доверенное устройство")
		}
	}

	s.markLoggedIn(ctx, user.ID)

	tokenPair, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: user, TokenPair: tokenPair}, nil
}

// RequestPasswordReset отправляет код сброса пароля.
//
// ErrUnknownUser поднимается наружу как типизированная ошибка: публичный
// хэндлер обязан замаскировать её под обычный успешный ответ, чтобы по
// этому эндпоинту нельзя было перечислять аккаунты.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return apperror.ErrUnknownUser
		}
		return err
	}

	if user.IsFederated() {
		return apperror.FederationConflict(user.AuthProvider)
	}

	if err := s.verification.InvalidateActive(ctx, user.ID, models.VerificationKindPasswordReset); err != nil {
		return err
	}

	_, err = s.verification.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindPasswordReset, nil)
	return err
}

// CheckResetCode проверяет код сброса, не гася его. Используется как
// предварительный шаг перед формой нового пароля; сам сброс всё равно
// выполняет погашающую проверку.
func (s *AuthService) CheckResetCode(ctx context.Context, email, code string) (bool, error) {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, apperror.ErrUnknownUser
		}
		return false, err
	}
	return s.verification.CheckWithoutConsuming(ctx, user.ID, code, models.VerificationKindPasswordReset)
}

// ResetPassword гасит код сброса и устанавливает новый пароль.
// Все сессии пользователя после смены пароля закрываются.
func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return apperror.ErrUnknownUser
		}
		return err
	}

	if user.IsFederated() {
		return apperror.FederationConflict(user.AuthProvider)
	}

	ok, err := s.verification.Verify(ctx, user.ID, code, models.VerificationKindPasswordReset)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.ErrInvalidCode
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth service: не удалось захешировать пароль: %w", err)
	}

	if err := s.repo.UpdatePasswordHash(ctx, user.ID, string(passHash)); err != nil {
		return err
	}

	// Успешный сброс отзывает оставшиеся коды этой пары.
	if err := s.verification.InvalidateActive(ctx, user.ID, models.VerificationKindPasswordReset); err != nil {
		return err
	}

	return s.repo.DeleteAllSessions(ctx, user.ID)
}

// ResendCode отзывает прежние активные коды пары и отправляет новый.
func (s *AuthService) ResendCode(ctx context.Context, userID uuid.UUID, kind string, meta map[string]string) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return apperror.ErrUnknownUser
		}
		return err
	}

	if err := s.verification.InvalidateActive(ctx, userID, kind); err != nil {
		return err
	}

	ip, ua := requestContext(meta)
	_, err = s.verification.IssueAndDispatch(ctx, userID, user.Email, kind, &IssueContext{
		IPAddress: ip,
		UserAgent: ua,
	})
	return err
}

// OAuthLogin выполняет вход через внешнего провайдера. Аккаунт создаётся при
// первом входе; проверка кодом не нужна - провайдер уже верифицировал
// пользователя, поэтому устройство сразу регистрируется доверенным.
func (s *AuthService) OAuthLogin(ctx context.Context, provider, token string, meta map[string]string) (*AuthResult, error) {
	email, err := s.oauth.VerifyToken(provider, token)
	if err != nil {
		return nil, apperror.ErrUnauthorized
	}

	user, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
		user = &models.User{
			Email:         strings.ToLower(email),
			Username:      deriveUsername(email),
			Role:          models.RoleReader,
			AuthProvider:  provider,
			EmailVerified: true,
		}
		if err := s.repo.Create(ctx, user); err != nil {
			return nil, err
		}
	}

	ip, ua := requestContext(meta)
	if err := s.deviceTrust.TrustDevice(ctx, user.ID, ip, ua); err != nil {
		if logger.Log != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": user.ID,
				"error":   err.Error(),
			}).Warn("auth service: не удалось сохранить доверенное устройство")
		}
	}

	s.markLoggedIn(ctx, user.ID)

	tokenPair, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: user, TokenPair: tokenPair}, nil
}

// Refresh выпускает новую пару токенов.
func (s *AuthService) Refresh(ctx context.Context, oldToken string, meta map[string]string) (*TokenPair, error) {
	claims, err := s.tokenManager.ParseRefresh(oldToken)
	if err != nil {
		return nil, fmt.Errorf("auth service: refresh токен невалиден: %w", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("auth service: некорректный subject: %w", err)
	}

	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.DeleteSession(ctx, oldToken); err != nil {
		return nil, err
	}

	return s.issueSession(ctx, user, meta)
}

// Logout закрывает сессию по refresh токену.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.repo.DeleteSession(ctx, refreshToken)
}

// issueSession выпускает пару токенов и сохраняет сессию.
func (s *AuthService) issueSession(ctx context.Context, user *models.User, meta map[string]string) (*TokenPair, error) {
	tokenPair, _, refreshExp, err := s.tokenManager.GeneratePair(user)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		UserID:       user.ID,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresAt:    refreshExp,
	}

	if meta != nil {
		if ua, ok := meta["user_agent"]; ok && ua != "" {
			session.UserAgent = &ua
		}
		if ip, ok := meta["ip"]; ok && ip != "" {
			session.IPAddress = &ip
		}
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	return tokenPair, nil
}

// markLoggedIn обновляет время последнего входа, не прерывая процесс при ошибке.
func (s *AuthService) markLoggedIn(ctx context.Context, userID uuid.UUID) {
	if err := s.repo.UpdateLastLoginAt(ctx, userID); err != nil {
		if logger.Log != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": userID,
				"error":   err.Error(),
			}).Warn("auth service: не удалось обновить last_login_at")
		}
	}
}

// requestContext извлекает IP и User-Agent из метаданных запроса.
func requestContext(meta map[string]string) (ip, userAgent string) {
	if meta == nil {
		return "", ""
	}
	return meta["ip"], validation.TruncateUserAgent(meta["user_agent"])
}

// deriveUsername формирует username из email.
func deriveUsername(email string) string {
	name := strings.Split(email, "@")[0]
	name = strings.NewReplacer(".", "_", "+", "_").Replace(name)
	name = strings.ToLower(name)
	if len(name) < 3 {
		name = "user_" + uuid.NewString()[:6]
	}
	return name
}
