package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/knigolib/knigolib-backend/internal/logger"
	"github.com/knigolib/knigolib-backend/internal/models"
	"github.com/knigolib/knigolib-backend/internal/pkg/apperror"
	"github.com/knigolib/knigolib-backend/internal/repository"
)

// Длина кода и алфавит без визуально похожих символов (0/O, 1/I/L).
// Алфавит без строчных букв, поэтому перед сравнением ввод приводится
// к верхнему регистру.
const (
	codeLength   = 6
	codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// codeTTLByKind - единственное место, где задаётся срок жизни кода каждого
// типа. Вызывающий код про TTL ничего не знает.
var codeTTLByKind = map[string]time.Duration{
	models.VerificationKindEmail:         24 * time.Hour,
	models.VerificationKindPasswordReset: time.Hour,
	models.VerificationKindLogin:         15 * time.Minute,
}

// VerificationUserProvider - зависимость сервиса от хранилища пользователей.
type VerificationUserProvider interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// VerificationCodeStore описывает зависимость сервиса от хранилища кодов.
type VerificationCodeStore interface {
	CreateCode(ctx context.Context, code *models.VerificationCode) error
	GetActiveCode(ctx context.Context, userID uuid.UUID, kind string) (*models.VerificationCode, error)
	ConsumeCode(ctx context.Context, id uuid.UUID) (bool, error)
	InvalidateActive(ctx context.Context, userID uuid.UUID, kind string) error
}

// CodeDispatcher доставляет уже отрендеренное письмо. Шаблон по типу кода
// выбирает сам сервис, диспетчер только транспортирует.
type CodeDispatcher interface {
	Send(to, subject, htmlBody string) error
}

// IssueContext - контекст запроса на момент выпуска кода.
type IssueContext struct {
	// ContextEmail - адрес, к которому привязывается код (для сценариев
	// смены email). Если пусто, код не привязан к конкретному адресу.
	ContextEmail string
	// IPAddress и UserAgent сохраняются только для кодов подтверждения входа.
	IPAddress string
	UserAgent string
}

// VerificationService - единственный владелец жизненного цикла одноразовых
// кодов: выпуск, проверка с погашением, проверка без погашения, массовый отзыв.
type VerificationService struct {
	users  VerificationUserProvider
	codes  VerificationCodeStore
	mailer CodeDispatcher
	now    func() time.Time
}

// NewVerificationService создаёт сервис кодов подтверждения.
func NewVerificationService(users VerificationUserProvider, codes VerificationCodeStore, mailer CodeDispatcher) *VerificationService {
	return &VerificationService{
		users:  users,
		codes:  codes,
		mailer: mailer,
		now:    time.Now,
	}
}

// IssueAndDispatch выпускает новый код и отправляет его на email.
//
// Ранее выпущенные активные коды этой пары намеренно НЕ отзываются здесь:
// отзыв - явная ответственность вызывающего (InvalidateActive), потому что
// часть сценариев допускает повторную отправку без перевыпуска.
//
// Код сохраняется до отправки письма. Если доставка не удалась, возвращается
// DispatchFailed, но код остаётся активным - его можно отправить повторно,
// застрявших "мёртвых" кодов не возникает.
func (s *VerificationService) IssueAndDispatch(ctx context.Context, userID uuid.UUID, email, kind string, issueCtx *IssueContext) (string, error) {
	ttl, ok := codeTTLByKind[kind]
	if !ok {
		return "", fmt.Errorf("verification service: неизвестный тип кода %q", kind)
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", apperror.ErrUnknownUser
		}
		return "", apperror.Wrap(err, apperror.ErrCodeStoreUnavailable, "хранилище временно недоступно")
	}

	secret, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("verification service: не удалось сгенерировать код: %w", err)
	}

	issuedAt := s.now()
	code := &models.VerificationCode{
		UserID:    userID,
		Kind:      kind,
		Code:      secret,
		ExpiresAt: issuedAt.Add(ttl),
	}
	if issueCtx != nil {
		if issueCtx.ContextEmail != "" {
			code.ContextEmail = &issueCtx.ContextEmail
		}
		if kind == models.VerificationKindLogin {
			if issueCtx.IPAddress != "" {
				code.IPAddress = &issueCtx.IPAddress
			}
			if issueCtx.UserAgent != "" {
				code.UserAgent = &issueCtx.UserAgent
			}
		}
	}

	if err := s.codes.CreateCode(ctx, code); err != nil {
		return "", apperror.Wrap(err, apperror.ErrCodeStoreUnavailable, "хранилище временно недоступно")
	}

	subject, body := renderCodeMessage(kind, secret, ttl)
	if err := s.mailer.Send(email, subject, body); err != nil {
		if logger.Log != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": userID,
				"kind":    kind,
				"error":   err.Error(),
			}).Error("verification service: письмо с кодом не отправлено")
		}
		return "", apperror.Wrap(err, apperror.ErrCodeDispatchFailed, "не удалось отправить письмо с кодом")
	}

	return secret, nil
}

// Verify проверяет код и погашает его при совпадении.
//
// Погашение выполняется одним условным UPDATE в хранилище, поэтому из N
// конкурентных вызовов с одним и тем же активным кодом успешным будет ровно
// один. Несовпадение кода оставляет запись активной (попытку можно повторить
// до истечения срока).
//
// Отказ хранилища возвращается ошибкой, а не false: "код неверен" и
// "хранилище недоступно" для вызывающего принципиально разные исходы.
func (s *VerificationService) Verify(ctx context.Context, userID uuid.UUID, candidate, kind string) (bool, error) {
	code, err := s.activeCode(ctx, userID, kind)
	if err != nil || code == nil {
		return false, err
	}

	if !codesMatch(code.Code, candidate) {
		return false, nil
	}

	consumed, err := s.codes.ConsumeCode(ctx, code.ID)
	if err != nil {
		return false, apperror.Wrap(err, apperror.ErrCodeStoreUnavailable, "хранилище временно недоступно")
	}
	return consumed, nil
}

// CheckWithoutConsuming проверяет код по тем же правилам, что и Verify, но не
// гасит его. Нужен сценариям с отдельным шагом предварительной проверки
// ("проверить код" до "отправить новый пароль"). Завершающий мутирующий шаг
// обязан вызвать Verify - доверять только результату этой проверки нельзя.
func (s *VerificationService) CheckWithoutConsuming(ctx context.Context, userID uuid.UUID, candidate, kind string) (bool, error) {
	code, err := s.activeCode(ctx, userID, kind)
	if err != nil || code == nil {
		return false, err
	}
	return codesMatch(code.Code, candidate), nil
}

// InvalidateActive отзывает все активные коды пары (пользователь, тип).
// Идемпотентна.
func (s *VerificationService) InvalidateActive(ctx context.Context, userID uuid.UUID, kind string) error {
	if err := s.codes.InvalidateActive(ctx, userID, kind); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeStoreUnavailable, "хранилище временно недоступно")
	}
	return nil
}

// activeCode возвращает активный код пары или nil, если его нет.
// Просроченность проверяется лениво при чтении, фонового чистильщика нет.
func (s *VerificationService) activeCode(ctx context.Context, userID uuid.UUID, kind string) (*models.VerificationCode, error) {
	code, err := s.codes.GetActiveCode(ctx, userID, kind)
	if err != nil {
		if errors.Is(err, repository.ErrVerificationCodeNotFound) {
			if logger.Log != nil {
				logger.Log.WithFields(logrus.Fields{
					"user_id": userID,
					"kind":    kind,
				}).Debug("verification service: активного кода нет")
			}
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeStoreUnavailable, "хранилище временно недоступно")
	}

	if s.now().After(code.ExpiresAt) {
		// Различаем просрочку и несовпадение только в логах;
		// наружу оба исхода выглядят одинаково.
		if logger.Log != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": userID,
				"kind":    kind,
			}).Debug("verification service: код просрочен")
		}
		return nil, nil
	}

	return code, nil
}

// codesMatch сравнивает сохранённый и введённый коды за постоянное время.
// Ввод нормализуется по регистру; несовпадение длины или алфавита - это
// просто несовпадение, а не ошибка.
func codesMatch(stored, candidate string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(candidate))

	storedBytes := []byte(stored)
	candidateBytes := []byte(normalized)
	if len(candidateBytes) != len(storedBytes) {
		// Холостое сравнение, чтобы ветка с неверной длиной не была
		// заметно быстрее обычной.
		subtle.ConstantTimeCompare(storedBytes, storedBytes)
		return false
	}

	return subtle.ConstantTimeCompare(storedBytes, candidateBytes) == 1
}

// generateCode создаёт код из криптостойкого источника случайности.
func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// renderCodeMessage выбирает тему и текст письма по типу кода.
func renderCodeMessage(kind, code string, ttl time.Duration) (subject, body string) {
	switch kind {
	case models.VerificationKindEmail:
		subject = "Подтверждение e-mail"
		body = fmt.Sprintf(`<h2>Подтверждение e-mail</h2><p>Ваш код: <b>%s</b></p><p>Код действителен %s.</p>`, code, humanTTL(ttl))
	case models.VerificationKindPasswordReset:
		subject = "Сброс пароля"
		body = fmt.Sprintf(`<h2>Сброс пароля</h2><p>Ваш код: <b>%s</b></p><p>Код действителен %s.</p>`, code, humanTTL(ttl))
	case models.VerificationKindLogin:
		subject = "Код подтверждения входа"
		body = fmt.Sprintf(`<h2>Вход в аккаунт</h2><p>Ваш код: <b>%s</b></p><p>Код действителен %s. Если вход выполняете не вы, смените пароль.</p>`, code, humanTTL(ttl))
	default:
		subject = "Код подтверждения"
		body = fmt.Sprintf(`<p>Ваш код: <b>%s</b></p>`, code)
	}
	return subject, body
}

// humanTTL переводит длительность в человекочитаемый вид для письма.
func humanTTL(ttl time.Duration) string {
	if ttl >= time.Hour {
		return fmt.Sprintf("%d ч", int(ttl.Hours()))
	}
	return fmt.Sprintf("%d мин", int(ttl.Minutes()))
}
