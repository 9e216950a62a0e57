package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeDispatchFailed   ErrorCode = "DISPATCH_FAILED"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeStoreUnavailable, ErrCodeDispatchFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeNotFound
}

// IsInfrastructure сообщает, является ли ошибка отказом инфраструктуры
// (хранилище или доставка почты). Такие ошибки нельзя показывать пользователю
// как "неверный код" - это повод для retry, а не для отказа в верификации.
func IsInfrastructure(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == ErrCodeStoreUnavailable || appErr.Code == ErrCodeDispatchFailed
}

var (
	// ErrUnknownUser - аккаунт не найден. На публичных эндпоинтах сброса пароля
	// хэндлер обязан замаскировать эту ошибку под обычный успешный ответ.
	ErrUnknownUser = New(ErrCodeNotFound, "пользователь не найден")

	// ErrInvalidCode - неверный, просроченный или отозванный код. Просрочка
	// отличается от несовпадения только в debug-логах, пользователю оба исхода
	// показываются одинаково.
	ErrInvalidCode = New(ErrCodeBadRequest, "неверный или просроченный код")

	// ErrFederationConflict - попытка сбросить пароль у аккаунта, который
	// входит через внешнего провайдера и не имеет своего пароля.
	// Конкретные экземпляры с именем провайдера строит FederationConflict;
	// вызывающий распознаёт случай через errors.Is с этим сентинелом.
	ErrFederationConflict = New(ErrCodeConflict, "аккаунт привязан к внешнему провайдеру входа")

	ErrUnauthorized       = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrInvalidCredentials = New(ErrCodeUnauthorized, "неверные учетные данные")
)

// FederationConflict строит ошибку отказа в сбросе пароля для федеративного
// аккаунта. Сообщение называет провайдера: свой способ входа владелец аккаунта
// и так знает. Цепочка ошибок ведёт к ErrFederationConflict.
func FederationConflict(provider string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    fmt.Sprintf("аккаунт использует вход через %s, сброс пароля недоступен", provider),
		HTTPStatus: codeToHTTPStatus(ErrCodeConflict),
		Cause:      ErrFederationConflict,
	}
}
