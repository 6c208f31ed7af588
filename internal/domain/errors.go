package domain

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")
	// ErrUserNotFound пользователь не зарегистрирован в реестре
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicate запись с таким ключом уже есть
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrInvalidSignature подпись вебхука не прошла проверку
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent подпись верна, но тело события не разбирается
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrExternalProvider AI или платежный провайдер вернул ошибку либо не ответил вовремя
	ErrExternalProvider = errors.New("external provider failure")
	// ErrCheckoutInProgress для пользователя уже создается счет
	ErrCheckoutInProgress = errors.New("checkout already in progress")
)

// ExternalServiceError отказ внешнего провайдера.
// errors.Is(err, ErrExternalProvider) истинно для любой такой ошибки.
type ExternalServiceError struct {
	Service    string
	Code       string
	Message    string
	StatusCode int // 0, если ответа не было
	Err        error
}

func (e *ExternalServiceError) Error() string {
	msg := e.Service + ": " + e.Code + ": " + e.Message
	if e.StatusCode != 0 {
		msg += " (status " + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalProvider }

// NewExternalServiceError создает ошибку провайдера service
func NewExternalServiceError(service, code, message string, statusCode int, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:    service,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// UserNotFoundError операция над пользователем, которого нет в реестре
type UserNotFoundError struct {
	ID UserID
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %d not found", e.ID)
}

// Is сопоставляет ошибку и с ErrUserNotFound, и с общим ErrNotFound
func (e *UserNotFoundError) Is(target error) bool {
	return target == ErrUserNotFound || target == ErrNotFound
}

// NewUserNotFoundError ошибка для отсутствующего пользователя
func NewUserNotFoundError(id UserID) *UserNotFoundError {
	return &UserNotFoundError{ID: id}
}
