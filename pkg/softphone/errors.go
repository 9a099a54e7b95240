package softphone

import (
	"errors"
	"fmt"
)

// ErrorCategory - категории ошибок ядра для классификации.
type ErrorCategory string

const (
	// ErrorCategoryAdmission - отказ по занятости линий
	ErrorCategoryAdmission ErrorCategory = "ADMISSION"
	// ErrorCategoryConflict - запрос при незавершенной операции того же рода
	ErrorCategoryConflict ErrorCategory = "CONFLICT"
	// ErrorCategoryNegotiation - отказ или таймаут сигнального транспорта
	ErrorCategoryNegotiation ErrorCategory = "NEGOTIATION"
	// ErrorCategoryResource - нет свободной линии для консультационного вызова
	ErrorCategoryResource ErrorCategory = "RESOURCE"
	// ErrorCategoryState - операция неприменима в текущем состоянии
	ErrorCategoryState ErrorCategory = "STATE"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// Базовые ошибки ядра. Проверяются через errors.Is.
var (
	// ErrAllLinesBusy - все линии заняты, вызов не может быть принят
	ErrAllLinesBusy = errors.New("all lines busy")
	// ErrRequestPending - на сессии уже выполняется незавершенная операция
	ErrRequestPending = errors.New("request already pending")
	// ErrInvalidState - операция недопустима в текущем состоянии сессии
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrSessionNotFound - сессия не найдена в хранилище
	ErrSessionNotFound = errors.New("session not found")
	// ErrLineNotFound - номер линии вне пула
	ErrLineNotFound = errors.New("line not found")
	// ErrNoIdleLine - нет свободной линии для консультационного вызова
	ErrNoIdleLine = errors.New("no idle line for consultation call")
	// ErrTransferNotActive - для сессии нет активного перевода
	ErrTransferNotActive = errors.New("no transfer in progress")
	// ErrTransferPhase - действие недопустимо в текущей фазе перевода
	ErrTransferPhase = errors.New("transfer is not in a phase allowing this action")
	// ErrEngineClosed - движок остановлен
	ErrEngineClosed = errors.New("engine closed")
)

// CallError - структурированная ошибка ядра с контекстом сессии и линии.
// Ни одна ошибка не фатальна для процесса: отказ всегда ограничен одной
// сессией или одной попыткой переключения линии.
type CallError struct {
	Category  ErrorCategory
	Op        string
	SessionID string
	Line      int
	Err       error
}

// Error реализует интерфейс error.
func (e *CallError) Error() string {
	switch {
	case e.SessionID != "":
		return fmt.Sprintf("[%s] %s: %v (session %s)", e.Category, e.Op, e.Err, e.SessionID)
	case e.Line != 0:
		return fmt.Sprintf("[%s] %s: %v (line %d)", e.Category, e.Op, e.Err, e.Line)
	default:
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
	}
}

// Unwrap позволяет использовать errors.Is и errors.As.
func (e *CallError) Unwrap() error {
	return e.Err
}

func admissionError(op string, err error) *CallError {
	return &CallError{Category: ErrorCategoryAdmission, Op: op, Err: err}
}

func conflictError(op, sessionID string) *CallError {
	return &CallError{Category: ErrorCategoryConflict, Op: op, SessionID: sessionID, Err: ErrRequestPending}
}

func stateError(op, sessionID string, err error) *CallError {
	return &CallError{Category: ErrorCategoryState, Op: op, SessionID: sessionID, Err: err}
}

func negotiationError(op, sessionID string, err error) *CallError {
	return &CallError{Category: ErrorCategoryNegotiation, Op: op, SessionID: sessionID, Err: err}
}

func resourceError(op string, err error) *CallError {
	return &CallError{Category: ErrorCategoryResource, Op: op, Err: err}
}
