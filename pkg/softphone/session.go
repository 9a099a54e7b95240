package softphone

import (
	"context"
	"strings"
	"time"

	"github.com/looplab/fsm"
)

// Direction определяет направление вызова.
type Direction string

const (
	// DirectionIncoming - входящий вызов
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing - исходящий вызов
	DirectionOutgoing Direction = "outgoing"
)

func (d Direction) String() string {
	return string(d)
}

// CallState определяет состояние вызова в жизненном цикле сессии.
type CallState string

const (
	// StateInitiating - исходящий вызов до отправки сигнализации
	StateInitiating CallState = "Initiating"
	// StateDialing - INVITE отправлен, финального ответа нет
	StateDialing CallState = "Dialing"
	// StateRinging - входящий вызов, ожидает локального ответа или отклонения
	StateRinging CallState = "Ringing"
	// StateEstablishing - локальный ответ отправлен или удаленная сторона
	// ответила, медиа еще не подтверждена
	StateEstablishing CallState = "Establishing"
	// StateEstablished - вызов активен
	StateEstablished CallState = "Established"
	// StateHolding - re-INVITE постановки на удержание в процессе
	StateHolding CallState = "Holding"
	// StateHeld - вызов подтвержденно на удержании
	StateHeld CallState = "Held"
	// StateResuming - re-INVITE снятия с удержания в процессе
	StateResuming CallState = "Resuming"
	// StateTerminating - завершение вызова в процессе
	StateTerminating CallState = "Terminating"
	// StateTerminal - финальное терминальное состояние
	StateTerminal CallState = "Terminal"
)

func (s CallState) String() string {
	return string(s)
}

// PendingOp обозначает асинхронную операцию, ожидающую ответа транспорта.
// Пока операция не завершена, повторный запрос того же рода на той же
// сессии отклоняется - это замена ad hoc флагов "in flight".
type PendingOp string

const (
	PendingNone     PendingOp = ""
	PendingDial     PendingOp = "dial"
	PendingAnswer   PendingOp = "answer"
	PendingHold     PendingOp = "hold"
	PendingResume   PendingOp = "resume"
	PendingTransfer PendingOp = "transfer"
	PendingHangup   PendingOp = "hangup"
)

/*
FSM для сессии вызова:

Исходящий вызов:
[Initiating] → [Dialing] → [Establishing] → [Established]
[Dialing] → [Established] (транспорт сразу сообщает об установлении)

Входящий вызов:
[Ringing] → [Establishing] → [Established]

Удержание:
[Established] → [Holding] → [Held] → [Resuming] → [Established]
[Holding] → [Established] (неудачный re-INVITE, откат)
[Resuming] → [Held] (неудачный re-INVITE, откат)

Завершение принимается из любого нетерминального состояния:
[*] → [Terminating] → [Terminal]

Конвенция именования событий: "SRC_to_DST" (см. formEventName).
Исключение - событие "terminate", общее для всех источников.
*/

const (
	eventTerminate  = "terminate"
	eventTerminated = "terminated"
)

func formEventName(src, dst CallState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StateInitiating),
		fsm.Events{
			{Name: formEventName(StateInitiating, StateDialing), Src: []string{string(StateInitiating)}, Dst: string(StateDialing)},
			{Name: formEventName(StateDialing, StateEstablishing), Src: []string{string(StateDialing)}, Dst: string(StateEstablishing)},
			{Name: formEventName(StateDialing, StateEstablished), Src: []string{string(StateDialing)}, Dst: string(StateEstablished)},
			{Name: formEventName(StateRinging, StateEstablishing), Src: []string{string(StateRinging)}, Dst: string(StateEstablishing)},
			{Name: formEventName(StateEstablishing, StateEstablished), Src: []string{string(StateEstablishing)}, Dst: string(StateEstablished)},
			{Name: formEventName(StateEstablished, StateHolding), Src: []string{string(StateEstablished)}, Dst: string(StateHolding)},
			{Name: formEventName(StateHolding, StateHeld), Src: []string{string(StateHolding)}, Dst: string(StateHeld)},
			{Name: formEventName(StateHolding, StateEstablished), Src: []string{string(StateHolding)}, Dst: string(StateEstablished)},
			{Name: formEventName(StateHeld, StateResuming), Src: []string{string(StateHeld)}, Dst: string(StateResuming)},
			{Name: formEventName(StateResuming, StateEstablished), Src: []string{string(StateResuming)}, Dst: string(StateEstablished)},
			{Name: formEventName(StateResuming, StateHeld), Src: []string{string(StateResuming)}, Dst: string(StateHeld)},
			{Name: eventTerminate, Src: []string{
				string(StateInitiating), string(StateDialing), string(StateRinging),
				string(StateEstablishing), string(StateEstablished), string(StateHolding),
				string(StateHeld), string(StateResuming),
			}, Dst: string(StateTerminating)},
			{Name: eventTerminated, Src: []string{string(StateTerminating)}, Dst: string(StateTerminal)},
		}, nil,
	)
}

// Session представляет одно плечо SIP вызова.
// Все мутации выполняются под мьютексом Engine; наружу сессия
// отдается только в виде копии SessionInfo.
type Session struct {
	id        string
	direction Direction
	fsm       *fsm.FSM

	remoteNumber      string
	remoteDisplayName string

	// Линия назначается атомарно при создании и не меняется
	// до завершения сессии.
	lineNumber int

	// Ссылка на плечо вызова в транспорте. nil пока исходящий
	// INVITE не отправлен.
	handle Handle

	// onHold кэшируется отдельно от состояния для быстрых запросов UI
	onHold bool
	// muted - локальный флаг, не связан с сигнализацией
	muted bool

	// Запрошена отмена до того, как транспорт вернул handle
	cancelRequested bool

	// Отмена перевода пришла пока hold re-INVITE был в полете:
	// возобновить сразу после подтверждения удержания
	autoResume bool

	pending PendingOp

	createdAt time.Time
	startTime time.Time
	endReason string
}

func newSession(direction Direction, lineNumber int) *Session {
	s := &Session{
		id:         newSessionID(),
		direction:  direction,
		lineNumber: lineNumber,
		fsm:        newCallFSM(),
		createdAt:  time.Now(),
	}
	if direction == DirectionIncoming {
		// Входящая сессия начинает жизнь сразу в Ringing
		s.fsm.SetState(string(StateRinging))
	}
	return s
}

// ID возвращает уникальный идентификатор сессии.
func (s *Session) ID() string {
	return s.id
}

// State возвращает текущее состояние сессии.
func (s *Session) State() CallState {
	return CallState(s.fsm.Current())
}

// apply выполняет переход состояния по имени события FSM.
func (s *Session) apply(event string) error {
	return s.fsm.Event(context.Background(), event)
}

// applyTo выполняет переход в указанное состояние.
func (s *Session) applyTo(dst CallState) error {
	return s.apply(formEventName(s.State(), dst))
}

// markEstablished фиксирует установление вызова. startTime
// устанавливается ровно один раз, при первом входе в Established.
func (s *Session) markEstablished() {
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}
}

// isActive сообщает, что сессия обменивается медиа и не на удержании.
func (s *Session) isActive() bool {
	return s.State() == StateEstablished
}

func (s *Session) isTerminal() bool {
	st := s.State()
	return st == StateTerminating || st == StateTerminal
}

// SessionInfo - неизменяемый снимок сессии для потребителей
// (UI, BLF, busylight, история вызовов).
type SessionInfo struct {
	ID                string
	Direction         Direction
	State             CallState
	RemoteNumber      string
	RemoteDisplayName string
	OnHold            bool
	Muted             bool
	StartTime         time.Time
	Line              int
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:                s.id,
		Direction:         s.direction,
		State:             s.State(),
		RemoteNumber:      s.remoteNumber,
		RemoteDisplayName: s.remoteDisplayName,
		OnHold:            s.onHold,
		Muted:             s.muted,
		StartTime:         s.startTime,
		Line:              s.lineNumber,
	}
}
