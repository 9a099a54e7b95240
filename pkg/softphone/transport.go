package softphone

import "context"

// Handle - непрозрачная ссылка на плечо вызова в сигнальном транспорте.
type Handle interface {
	// ID возвращает стабильный идентификатор плеча внутри транспорта.
	ID() string
}

// Transport - абстракция сигнального транспорта (SIP/WebRTC стек).
//
// Ядро не владеет сетевым форматом: оно вызывает операции транспорта
// и получает асинхронные события через EventHandler. Каждая операция
// блокирует вызывающего до терминального исхода сигнализации
// (успех, отклонение или таймаут через ctx).
type Transport interface {
	// Dial отправляет исходящий вызов и возвращает handle плеча.
	// Прогресс вызова приходит событиями OnRinging/OnEstablished/OnTerminated.
	Dial(ctx context.Context, target string) (Handle, error)

	// Answer принимает входящий вызов.
	Answer(ctx context.Context, h Handle) error

	// Reject отклоняет входящий вызов, еще не принятый локально.
	Reject(ctx context.Context, h Handle) error

	// RejectBusy отклоняет входящий вызов сигналом "занято".
	// Используется admission control при исчерпании линий.
	RejectBusy(ctx context.Context, h Handle) error

	// Cancel отменяет исходящий вызов до финального ответа.
	Cancel(ctx context.Context, h Handle) error

	// Terminate завершает установленный вызов.
	Terminate(ctx context.Context, h Handle) error

	// Renegotiate выполняет re-INVITE для постановки на удержание
	// (hold=true) или снятия с удержания (hold=false).
	Renegotiate(ctx context.Context, h Handle, hold bool) error

	// SendDigits отправляет DTMF цифры в рамках установленного вызова.
	SendDigits(ctx context.Context, h Handle, digits string) error

	// TransferBlind выполняет слепой перевод плеча на target.
	TransferBlind(ctx context.Context, h Handle, target string) error

	// TransferAttendedComplete сращивает исходное плечо с
	// консультационным (REFER с Replaces).
	TransferAttendedComplete(ctx context.Context, h Handle, consultation Handle) error
}

// EventHandler принимает асинхронные события сигнализации от транспорта.
// Engine реализует этот интерфейс; транспорт обязан доставлять события
// одного плеча в порядке их возникновения.
type EventHandler interface {
	// OnRinging - удаленная сторона сигнализирует ringing (исходящий вызов).
	OnRinging(h Handle)

	// OnEstablished - вызов установлен и медиа подтверждена.
	OnEstablished(h Handle)

	// OnRenegotiated - удаленная сторона завершила re-INVITE
	// (например, поставила нас на удержание).
	OnRenegotiated(h Handle)

	// OnTerminated - плечо завершено (удаленный BYE, CANCEL, ошибка).
	OnTerminated(h Handle, reason string)

	// OnIncoming - входящий INVITE. Ядро решает, принять ли вызов
	// (есть ли свободная линия) и отвечает через Answer/RejectBusy.
	OnIncoming(h Handle, remoteNumber, remoteDisplayName string)
}
