package softphone

import (
	"sync"
	"time"
)

// Event - типизированное событие ядра. Запечатанное объединение:
// конкретные варианты перечислены ниже, потребители разбирают их
// через type switch.
type Event interface {
	isEvent()
}

// SessionCreated - создана новая сессия (исходящий вызов или принятый
// на линию входящий INVITE).
type SessionCreated struct {
	Session SessionInfo
	At      time.Time
}

// SessionStateChanged - сессия перешла в новое состояние.
type SessionStateChanged struct {
	Session  SessionInfo
	Previous CallState
	At       time.Time
}

// LineSelected - агент переключил выбранную линию.
type LineSelected struct {
	Line     int
	Previous int
	At       time.Time
}

// LineStateChanged - изменилась занятость или отображаемое состояние линии.
// Session равен nil, когда линия освободилась.
type LineStateChanged struct {
	Line    int
	Session *SessionInfo
	At      time.Time
}

// AllLinesBusy - вызов отвергнут admission control.
// Для входящего вызова сессия не создавалась и в UI не появится.
type AllLinesBusy struct {
	Direction Direction
	Target    string
	At        time.Time
}

// CallWaiting - входящий вызов принят на свободную линию, пока другая
// линия активна. Автоматического переключения линии не происходит.
type CallWaiting struct {
	Line    int
	Session SessionInfo
	At      time.Time
}

// TransferPhaseChanged - сменилась фаза сопровождаемого перевода.
type TransferPhaseChanged struct {
	Transfer TransferInfo
	At       time.Time
}

// OperationFailed - асинхронная операция завершилась отказом транспорта.
// Сессия остается в последнем заведомо корректном состоянии; отказ
// доставляется тем же путем, что и успех, с флагом исхода в Err.
type OperationFailed struct {
	Op        string
	SessionID string
	Err       error
	At        time.Time
}

func (SessionCreated) isEvent()       {}
func (SessionStateChanged) isEvent()  {}
func (LineSelected) isEvent()         {}
func (LineStateChanged) isEvent()     {}
func (AllLinesBusy) isEvent()         {}
func (CallWaiting) isEvent()          {}
func (TransferPhaseChanged) isEvent() {}
func (OperationFailed) isEvent()      {}

// Bus доставляет события ядра подписчикам (UI, BLF, busylight, история).
//
// Публикация неблокирующая: если буфер подписчика полон, событие для
// него теряется и инкрементируется счетчик потерь. Медленный подписчик
// не должен останавливать обработку сигнализации.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped func() // хук для метрики потерянных событий
}

// NewBus создает новую шину событий.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe регистрирует подписчика с буфером указанного размера.
// Возвращает канал событий и функцию отписки. После отписки канал
// закрывается.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// publish рассылает событие всем подписчикам без блокировки.
func (b *Bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if b.dropped != nil {
				b.dropped()
			}
		}
	}
}

// close закрывает все подписки.
func (b *Bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
