package security

import (
	"errors"
	"fmt"
)

// OAuthVerifier проверяет токен внешнего провайдера и возвращает email аккаунта.
type OAuthVerifier interface {
	VerifyToken(provider, token string) (email string, err error)
}

// StubOAuthVerifier имитирует проверку у стороннего сервиса.
// В реальном окружении сюда подставляется реализация, которая дергает
// API Google/Yandex; в тестах и локальной разработке достаточно заглушки.
type StubOAuthVerifier struct{}

func (StubOAuthVerifier) VerifyToken(provider, token string) (string, error) {
	if len(token) < 6 {
		return "", errors.New("invalid_token")
	}
	// Заглушка: email формируется из токена
	return fmt.Sprintf("%s_user_%s@example.com", provider, token[:6]), nil
}
