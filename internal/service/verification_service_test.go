package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knigolib/knigolib-backend/internal/models"
	"github.com/knigolib/knigolib-backend/internal/pkg/apperror"
	"github.com/knigolib/knigolib-backend/internal/repository"
)

type fakeUserStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
	err   error
}

func newFakeUserStore(users ...*models.User) *fakeUserStore {
	s := &fakeUserStore{users: make(map[uuid.UUID]*models.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	user, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return user, nil
}

type fakeCodeStore struct {
	mu         sync.Mutex
	codes      []*models.VerificationCode
	createErr  error
	getErr     error
	consumeErr error
}

func (s *fakeCodeStore) CreateCode(_ context.Context, code *models.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	code.ID = uuid.New()
	code.CreatedAt = time.Now()
	s.codes = append(s.codes, code)
	return nil
}

func (s *fakeCodeStore) GetActiveCode(_ context.Context, userID uuid.UUID, kind string) (*models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	for i := len(s.codes) - 1; i >= 0; i-- {
		c := s.codes[i]
		if c.UserID == userID && c.Kind == kind && c.IsActive(time.Now()) {
			copied := *c
			return &copied, nil
		}
	}
	return nil, repository.ErrVerificationCodeNotFound
}

func (s *fakeCodeStore) ConsumeCode(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumeErr != nil {
		return false, s.consumeErr
	}
	for _, c := range s.codes {
		if c.ID == id && c.IsActive(time.Now()) {
			now := time.Now()
			c.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeCodeStore) InvalidateActive(_ context.Context, userID uuid.UUID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, c := range s.codes {
		if c.UserID == userID && c.Kind == kind && c.IsActive(now) {
			c.InvalidatedAt = &now
		}
	}
	return nil
}

func (s *fakeCodeStore) activeCount(userID uuid.UUID, kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.codes {
		if c.UserID == userID && c.Kind == kind && c.IsActive(time.Now()) {
			count++
		}
	}
	return count
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type fakeMailer struct {
	mu      sync.Mutex
	sent    []sentMail
	sendErr error
}

func (m *fakeMailer) Send(to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

var codeInBody = regexp.MustCompile(`<b>([0-9A-Z]+)</b>`)

func (m *fakeMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	match := codeInBody.FindStringSubmatch(m.sent[len(m.sent)-1].body)
	require.Len(t, match, 2)
	return match[1]
}

func newVerificationFixture(t *testing.T) (*VerificationService, *models.User, *fakeCodeStore, *fakeMailer) {
	t.Helper()
	user := &models.User{
		ID:           uuid.New(),
		Email:        "reader@example.com",
		Username:     "reader",
		Role:         models.RoleReader,
		AuthProvider: models.AuthProviderLocal,
		IsActive:     true,
	}
	codes := &fakeCodeStore{}
	mailer := &fakeMailer{}
	svc := NewVerificationService(newFakeUserStore(user), codes, mailer)
	return svc, user, codes, mailer
}

func TestVerificationService_IssueAndVerify(t *testing.T) {
	svc, user, _, mailer := newVerificationFixture(t)
	ctx := context.Background()

	secret, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, nil)
	require.NoError(t, err)
	assert.Len(t, secret, 6)
	assert.Equal(t, secret, mailer.lastCode(t))

	ok, err := svc.Verify(ctx, user.ID, secret, models.VerificationKindEmail)
	require.NoError(t, err)
	assert.True(t, ok)

	// Код одноразовый: повторное погашение не проходит.
	ok, err = svc.Verify(ctx, user.ID, secret, models.VerificationKindEmail)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerificationService_GeneratedCodeAlphabet(t *testing.T) {
	svc, user, _, _ := newVerificationFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		secret, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindLogin, nil)
		require.NoError(t, err)
		require.Len(t, secret, codeLength)
		for _, ch := range secret {
			assert.Contains(t, codeAlphabet, string(ch))
		}
		require.NoError(t, svc.InvalidateActive(ctx, user.ID, models.VerificationKindLogin))
	}
}

func TestVerificationService_VerifyNormalizesCase(t *testing.T) {
	svc, user, _, _ := newVerificationFixture(t)
	ctx := context.Background()

	secret, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, nil)
	require.NoError(t, err)

	ok, err := svc.Verify(ctx, user.ID, "  "+strings.ToLower(secret)+" ", models.VerificationKindEmail)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerificationService_WrongCodeLeavesActive(t *testing.T) {
	svc, user, _, _ := newVerificationFixture(t)
	ctx := context.Background()

	secret, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, nil)
	require.NoError(t, err)

	ok, err := svc.Verify(ctx, user.ID, "WRONG9", models.VerificationKindEmail)
	require.NoError(t, err)
	assert.False(t, ok)

	// Неверная попытка не гасит код, правильный ввод всё ещё проходит.
	ok, err = svc.Verify(ctx, user.ID, secret, models.VerificationKindEmail)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerificationService_CodeExpiresByKind(t *testing.T) {
	svc, user, _, _ := newVerificationFixture(t)
	ctx := context.Background()

	issuedAt := time.Now()
	svc.now = func() time.Time { return issuedAt }

	loginCode, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindLogin, nil)
	require.NoError(t, err)
	emailCode, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, nil)
	require.NoError(t, err)

	// Через 16 минут код входа уже мёртв, код подтверждения email ещё жив.
	svc.now = func() time.Time { return issuedAt.Add(16 * time.Minute) }

	ok, err := svc.Verify(ctx, user.ID, loginCode, models.VerificationKindLogin)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Verify(ctx, user.ID, emailCode, models.VerificationKindEmail)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerificationService_DispatchFailureKeepsCodeActive(t *testing.T) {
	svc, user, codes, mailer := newVerificationFixture(t)
	ctx := context.Background()
	mailer.sendErr = errors.New("smtp: connection refused")

	_, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindPasswordReset, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsInfrastructure(err))

	// Код сохранён до попытки отправки и остаётся активным.
	assert.Equal(t, 1, codes.activeCount(user.ID, models.VerificationKindPasswordReset))
}

func TestVerificationService_InvalidateThenReissue(t *testing.T) {
	svc, user, codes, _ := newVerificationFixture(t)
	ctx := context.Background()

	first, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindPasswordReset, nil)
	require.NoError(t, err)

	require.NoError(t, svc.InvalidateActive(ctx, user.ID, models.VerificationKindPasswordReset))

	second, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindPasswordReset, nil)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Активен ровно один код, и это последний выпущенный.
	assert.Equal(t, 1, codes.activeCount(user.ID, models.VerificationKindPasswordReset))

	ok, err := svc.Verify(ctx, user.ID, first, models.VerificationKindPasswordReset)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Verify(ctx, user.ID, second, models.VerificationKindPasswordReset)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerificationService_PlainIssueDoesNotRevokePrevious(t *testing.T) {
	svc, user, codes, _ := newVerificationFixture(t)
	ctx := context.Background()

	_, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, nil)
	require.NoError(t, err)
	_, err = svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, nil)
	require.NoError(t, err)

	// Выпуск сам по себе ничего не отзывает, это забота вызывающего.
	assert.Equal(t, 2, codes.activeCount(user.ID, models.VerificationKindEmail))
}

func TestVerificationService_ConcurrentVerifySingleWinner(t *testing.T) {
	svc, user, _, _ := newVerificationFixture(t)
	ctx := context.Background()

	secret, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindLogin, nil)
	require.NoError(t, err)

	const attempts = 50
	var wg sync.WaitGroup
	results := make(chan bool, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, verifyErr := svc.Verify(ctx, user.ID, secret, models.VerificationKindLogin)
			assert.NoError(t, verifyErr)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestVerificationService_CheckWithoutConsuming(t *testing.T) {
	svc, user, _, _ := newVerificationFixture(t)
	ctx := context.Background()

	secret, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindPasswordReset, nil)
	require.NoError(t, err)

	// Неограниченное число предварительных проверок не трогает код.
	for i := 0; i < 3; i++ {
		ok, checkErr := svc.CheckWithoutConsuming(ctx, user.ID, secret, models.VerificationKindPasswordReset)
		require.NoError(t, checkErr)
		assert.True(t, ok)
	}

	ok, err := svc.Verify(ctx, user.ID, secret, models.VerificationKindPasswordReset)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerificationService_UnknownKind(t *testing.T) {
	svc, user, _, _ := newVerificationFixture(t)

	_, err := svc.IssueAndDispatch(context.Background(), user.ID, user.Email, "sms_code", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "неизвестный тип кода")
}

func TestVerificationService_UnknownUser(t *testing.T) {
	svc, _, _, _ := newVerificationFixture(t)

	_, err := svc.IssueAndDispatch(context.Background(), uuid.New(), "ghost@example.com", models.VerificationKindEmail, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
}

func TestVerificationService_StoreErrorIsInfrastructure(t *testing.T) {
	svc, user, codes, _ := newVerificationFixture(t)
	ctx := context.Background()

	_, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindLogin, nil)
	require.NoError(t, err)

	codes.getErr = errors.New("pq: connection reset")
	_, err = svc.Verify(ctx, user.ID, "ABCDEF", models.VerificationKindLogin)
	require.Error(t, err)
	assert.True(t, apperror.IsInfrastructure(err))
}

func TestVerificationService_LoginContextStoredOnlyForLogin(t *testing.T) {
	svc, user, codes, _ := newVerificationFixture(t)
	ctx := context.Background()
	issueCtx := &IssueContext{IPAddress: "203.0.113.9", UserAgent: "Mozilla/5.0"}

	_, err := svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindLogin, issueCtx)
	require.NoError(t, err)
	_, err = svc.IssueAndDispatch(ctx, user.ID, user.Email, models.VerificationKindEmail, issueCtx)
	require.NoError(t, err)

	codes.mu.Lock()
	defer codes.mu.Unlock()
	require.Len(t, codes.codes, 2)
	loginCode, emailCode := codes.codes[0], codes.codes[1]

	require.NotNil(t, loginCode.IPAddress)
	assert.Equal(t, "203.0.113.9", *loginCode.IPAddress)
	require.NotNil(t, loginCode.UserAgent)

	assert.Nil(t, emailCode.IPAddress)
	assert.Nil(t, emailCode.UserAgent)
}
