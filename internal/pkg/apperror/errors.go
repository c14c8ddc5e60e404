package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	ErrCodeLedgerUnconfirmed ErrorCode = "LEDGER_UNCONFIRMED"
)

// Reason уточняет причину ошибки внутри кода. Значения стабильны и отдаются клиенту.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonBudgetOverflow      Reason = "BUDGET_OVERFLOW"
	ReasonSplitInvalid        Reason = "SPLIT_INVALID"
	ReasonAlreadyFunded       Reason = "ALREADY_FUNDED"
	ReasonAlreadyLeased       Reason = "ALREADY_LEASED"
	ReasonNotHolder           Reason = "NOT_HOLDER"
	ReasonLeaseExpired        Reason = "LEASE_EXPIRED"
	ReasonNoPendingSubmission Reason = "NO_PENDING_SUBMISSION"
	ReasonAlreadyResolved     Reason = "ALREADY_RESOLVED"
	ReasonInvalidTransition   Reason = "INVALID_TRANSITION"
	ReasonStaleState          Reason = "STALE_STATE"
	ReasonNotAuthorized       Reason = "NOT_AUTHORIZED"
	ReasonLedgerUnconfirmed   Reason = "LEDGER_UNCONFIRMED"
)

type AppError struct {
	Code       ErrorCode
	Reason     Reason
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	prefix := string(e.Code)
	if e.Reason != ReasonNone {
		prefix = fmt.Sprintf("%s/%s", e.Code, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду и причине, чтобы errors.Is работал с сентинелами.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Reason == t.Reason
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

// WithReason создаёт ошибку с уточнённой причиной.
func WithReason(code ErrorCode, reason Reason, message string) *AppError {
	return &AppError{
		Code:       code,
		Reason:     reason,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// WithCause возвращает копию ошибки с привязанной причиной. Сентинелы не мутируются.
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Cause = err
	return &cp
}

// WithMessage возвращает копию ошибки с другим текстом.
func (e *AppError) WithMessage(message string) *AppError {
	cp := *e
	cp.Message = message
	return &cp
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
	case ErrCodeLedgerUnconfirmed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

func IsForbidden(err error) bool {
	return hasCode(err, ErrCodeForbidden)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

func IsLedgerUnconfirmed(err error) bool {
	return hasCode(err, ErrCodeLedgerUnconfirmed)
}

// ReasonOf возвращает причину ошибки или пустую строку.
func ReasonOf(err error) Reason {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ReasonNone
}

var (
	ErrTaskNotFound       = New(ErrCodeNotFound, "задача не найдена")
	ErrSubunitNotFound    = New(ErrCodeNotFound, "подзадача не найдена")
	ErrDisputeNotFound    = New(ErrCodeNotFound, "спор не найден")
	ErrSubmissionNotFound = New(ErrCodeNotFound, "сдача работы не найдена")
	ErrUnauthorized       = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrForbidden          = New(ErrCodeForbidden, "недостаточно прав")

	ErrBudgetOverflow      = WithReason(ErrCodeValidation, ReasonBudgetOverflow, "сумма бюджетов подзадач превышает бюджет задачи")
	ErrSplitInvalid        = WithReason(ErrCodeValidation, ReasonSplitInvalid, "доли соисполнителей должны быть положительными целыми и в сумме давать 100")
	ErrAlreadyFunded       = WithReason(ErrCodeConflict, ReasonAlreadyFunded, "задача уже профинансирована")
	ErrAlreadyLeased       = WithReason(ErrCodeConflict, ReasonAlreadyLeased, "подзадача уже занята")
	ErrNotHolder           = WithReason(ErrCodeConflict, ReasonNotHolder, "подзадача закреплена за другим исполнителем")
	ErrLeaseExpired        = WithReason(ErrCodeConflict, ReasonLeaseExpired, "срок аренды истёк, возьмите подзадачу заново")
	ErrNoPendingSubmission = WithReason(ErrCodeConflict, ReasonNoPendingSubmission, "нет сдачи, ожидающей проверки")
	ErrAlreadyResolved     = WithReason(ErrCodeConflict, ReasonAlreadyResolved, "спор уже разрешён")
	ErrInvalidTransition   = WithReason(ErrCodeConflict, ReasonInvalidTransition, "переход статуса недопустим")
	ErrStaleState          = WithReason(ErrCodeConflict, ReasonStaleState, "состояние изменилось, обновите данные и повторите")
	ErrNotAuthorized       = WithReason(ErrCodeForbidden, ReasonNotAuthorized, "действие недоступно для текущего пользователя")
	ErrLedgerUnconfirmed   = WithReason(ErrCodeLedgerUnconfirmed, ReasonLedgerUnconfirmed, "операция в реестре не подтверждена")
)
