package softphone

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Проверка на соответствие интерфейсу во время компиляции
var _ EventHandler = (*Engine)(nil)

// Engine - ядро управления многолинейным вызовом.
//
// Объединяет хранилище сессий, пул линий, координатор переводов и
// admission control в один явный контекст без глобального состояния.
// Все мутации разделяемых структур выполняются до конца под одним
// мьютексом - это замена однопоточной событийной модели исходной
// системы. Операции, требующие round-trip через сигнальный транспорт,
// выполняются в отдельных горутинах вне мьютекса и возвращаются в
// ядро через обработчики завершения; единственной защитой от
// перекрывающихся запросов служит флаг pending на сессии.
type Engine struct {
	transport Transport
	registry  *Registry
	lines     *lineSet
	bus       *Bus

	// Активные контексты сопровождаемых переводов
	transfers    map[string]*transferContext // originalSessionID -> контекст
	consultIndex map[string]string           // consultationSessionID -> originalSessionID

	log     *slog.Logger
	metrics *Metrics

	lineCount int
	opTimeout time.Duration

	closed bool
	mu     sync.Mutex
}

// New создает движок поверх сигнального транспорта.
// Транспорту нужно отдать движок как EventHandler.
func New(transport Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, stateError("new", "", ErrInvalidState)
	}

	e := &Engine{
		transport:    transport,
		registry:     NewRegistry(),
		bus:          NewBus(),
		transfers:    make(map[string]*transferContext),
		consultIndex: make(map[string]string),
		log:          slog.Default(),
		lineCount:    DefaultLineCount,
		opTimeout:    DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.lines = newLineSet(e.lineCount)
	e.bus.dropped = func() { e.metrics.EventDropped() }

	return e, nil
}

// Subscribe регистрирует подписчика на события ядра.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Snapshot - согласованный снимок всех линий и сессий.
// Pull-модель для потребителей, которым недостаточно потока событий.
type Snapshot struct {
	SelectedLine int
	Lines        []LineInfo
	Sessions     []SessionInfo
}

// Snapshot возвращает текущее состояние линий и сессий.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessions := make([]SessionInfo, 0, e.registry.Count())
	for _, s := range e.registry.All() {
		sessions = append(sessions, s.info())
	}
	return Snapshot{
		SelectedLine: e.lines.selected,
		Lines:        e.lines.snapshot(),
		Sessions:     sessions,
	}
}

// Session возвращает снимок сессии по ID.
func (e *Engine) Session(sessionID string) (SessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

// SelectedLine возвращает номер выбранной линии.
func (e *Engine) SelectedLine() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lines.selected
}

// LineCount возвращает размер пула линий.
func (e *Engine) LineCount() int {
	return e.lineCount
}

// Dial начинает исходящий вызов на target.
//
// Если все линии заняты, возвращается ошибка ErrAllLinesBusy и
// транспорт не вызывается - граница N жесткая, очереди нет.
func (e *Engine) Dial(target string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrEngineClosed
	}

	line, err := e.lines.allocate(DirectionOutgoing)
	if err != nil {
		e.metrics.AdmissionRejected(DirectionOutgoing)
		e.bus.publish(AllLinesBusy{Direction: DirectionOutgoing, Target: target, At: time.Now()})
		return "", admissionError("dial", err)
	}

	s := newSession(DirectionOutgoing, line)
	s.remoteNumber = target
	s.pending = PendingDial

	e.registry.Add(s)
	e.lines.bind(line, s.id)
	e.metrics.SessionCreated(DirectionOutgoing)

	e.log.Debug("outgoing call initiated",
		slog.String("sessionID", s.id),
		slog.String("target", target),
		slog.Int("line", line))

	now := time.Now()
	e.bus.publish(SessionCreated{Session: s.info(), At: now})
	e.publishLineState(line)

	go e.runDial(s, target)
	return s.id, nil
}

func (e *Engine) runDial(s *Session, target string) {
	ctx, cancel := e.opCtx()
	defer cancel()

	h, err := e.transport.Dial(ctx, target)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, gerr := e.registry.Get(s.id); gerr != nil {
		// Сессия финализирована пока INVITE уходил
		if err == nil && h != nil {
			e.cancelLeg(h)
		}
		return
	}

	if err != nil {
		s.pending = PendingNone
		e.log.Debug("dial failed",
			slog.String("sessionID", s.id),
			slog.String("error", err.Error()))
		e.bus.publish(OperationFailed{Op: "dial", SessionID: s.id, Err: negotiationError("dial", s.id, err), At: time.Now()})
		e.finalizeLocked(s, "dial failed")
		return
	}

	s.handle = h
	e.registry.BindHandle(s.id, h)

	if s.cancelRequested {
		// Агент отменил вызов до того, как транспорт вернул handle
		s.pending = PendingNone
		e.cancelLeg(h)
		e.finalizeLocked(s, "cancelled")
		return
	}

	_ = e.setStateTo(s, StateDialing)
}

// Answer принимает входящий вызов.
func (e *Engine) Answer(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.pending != PendingNone {
		return conflictError("answer", s.id)
	}
	if s.direction != DirectionIncoming || s.State() != StateRinging {
		return stateError("answer", s.id, ErrInvalidState)
	}

	s.pending = PendingAnswer
	_ = e.setStateTo(s, StateEstablishing)

	go e.runAnswer(s)
	return nil
}

func (e *Engine) runAnswer(s *Session) {
	ctx, cancel := e.opCtx()
	defer cancel()

	err := e.transport.Answer(ctx, s.handle)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, gerr := e.registry.Get(s.id); gerr != nil {
		return
	}

	if err != nil {
		s.pending = PendingNone
		e.bus.publish(OperationFailed{Op: "answer", SessionID: s.id, Err: negotiationError("answer", s.id, err), At: time.Now()})
		e.finalizeLocked(s, "answer failed")
		return
	}

	// Транспорт мог успеть доставить OnEstablished
	if s.State() == StateEstablishing {
		s.pending = PendingNone
		s.markEstablished()
		_ = e.setStateTo(s, StateEstablished)
		e.publishLineState(s.lineNumber)
	}
}

// Reject отклоняет входящий вызов в состоянии Ringing.
// В отличие от тихого busy-отказа admission control, отклоненный вызов
// существовал как сессия и был виден агенту.
func (e *Engine) Reject(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.direction != DirectionIncoming || s.State() != StateRinging {
		return stateError("reject", s.id, ErrInvalidState)
	}

	s.pending = PendingHangup
	_ = e.setState(s, eventTerminate)

	go e.runHangup(s, "reject")
	return nil
}

// Hangup завершает сессию из любого состояния.
// Состояние определяет исходящий сигнал: cancel для неотвеченного
// исходящего, reject для входящего в Ringing, hangup для остальных.
func (e *Engine) Hangup(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.isTerminal() {
		return nil
	}

	if s.handle == nil {
		// INVITE еще не отправлен: отмену завершит runDial
		s.cancelRequested = true
		_ = e.setState(s, eventTerminate)
		return nil
	}

	var kind string
	switch s.State() {
	case StateInitiating, StateDialing:
		kind = "cancel"
	case StateRinging:
		kind = "reject"
	default:
		kind = "hangup"
	}

	s.pending = PendingHangup
	_ = e.setState(s, eventTerminate)

	go e.runHangup(s, kind)
	return nil
}

func (e *Engine) runHangup(s *Session, kind string) {
	ctx, cancel := e.opCtx()
	defer cancel()

	var err error
	switch kind {
	case "cancel":
		err = e.transport.Cancel(ctx, s.handle)
	case "reject":
		err = e.transport.Reject(ctx, s.handle)
	default:
		err = e.transport.Terminate(ctx, s.handle)
	}
	if err != nil {
		e.log.Debug("hangup signaling failed",
			slog.String("sessionID", s.id),
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, gerr := e.registry.Get(s.id); gerr != nil {
		return
	}
	s.pending = PendingNone
	e.finalizeLocked(s, "local "+kind)
}

// Hold ставит установленный вызов на удержание.
// Запрос при незавершенном re-INVITE отклоняется, а не ставится в
// очередь: перекрывающиеся re-INVITE на одном диалоге недопустимы.
func (e *Engine) Hold(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return e.holdLocked(s, "hold")
}

// Resume снимает вызов с удержания.
func (e *Engine) Resume(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return e.resumeLocked(s, "resume")
}

func (e *Engine) holdLocked(s *Session, op string) error {
	if s.pending != PendingNone {
		return conflictError(op, s.id)
	}
	if s.State() != StateEstablished {
		return stateError(op, s.id, ErrInvalidState)
	}

	s.pending = PendingHold
	_ = e.setStateTo(s, StateHolding)

	go e.runRenegotiate(s, true)
	return nil
}

func (e *Engine) resumeLocked(s *Session, op string) error {
	if s.pending != PendingNone {
		return conflictError(op, s.id)
	}
	if s.State() != StateHeld {
		return stateError(op, s.id, ErrInvalidState)
	}

	s.pending = PendingResume
	_ = e.setStateTo(s, StateResuming)

	go e.runRenegotiate(s, false)
	return nil
}

func (e *Engine) runRenegotiate(s *Session, hold bool) {
	ctx, cancel := e.opCtx()
	defer cancel()

	err := e.transport.Renegotiate(ctx, s.handle, hold)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, gerr := e.registry.Get(s.id); gerr != nil || s.isTerminal() {
		return
	}

	op := "hold"
	if !hold {
		op = "resume"
	}
	s.pending = PendingNone

	if err != nil {
		// Откат к состоянию до попытки: кэшированный onHold не тронут,
		// сессия никогда не остается в неоднозначном состоянии
		s.autoResume = false
		if hold {
			_ = e.setStateTo(s, StateEstablished)
		} else {
			_ = e.setStateTo(s, StateHeld)
		}
		e.bus.publish(OperationFailed{Op: op, SessionID: s.id, Err: negotiationError(op, s.id, err), At: time.Now()})
		return
	}

	if hold {
		s.onHold = true
		_ = e.setStateTo(s, StateHeld)
		if s.autoResume {
			// Перевод отменился пока hold был в полете
			s.autoResume = false
			_ = e.resumeLocked(s, "transfer-cancel")
		}
	} else {
		s.onHold = false
		_ = e.setStateTo(s, StateEstablished)
	}
	e.publishLineState(s.lineNumber)
}

// SendDTMF отправляет DTMF цифры. Допустимо только в Established:
// отправка на удержании отклоняется, а не тихо игнорируется, чтобы UI
// мог сообщить агенту.
func (e *Engine) SendDTMF(sessionID, digits string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.State() != StateEstablished {
		return stateError("dtmf", s.id, ErrInvalidState)
	}

	h := s.handle
	go func() {
		ctx, cancel := e.opCtx()
		defer cancel()
		if err := e.transport.SendDigits(ctx, h, digits); err != nil {
			e.bus.publish(OperationFailed{Op: "dtmf", SessionID: s.id, Err: negotiationError("dtmf", s.id, err), At: time.Now()})
		}
	}()
	return nil
}

// SetMuted переключает локальный mute. Флаг не связан с сигнализацией
// и допустим в любом нетерминальном состоянии.
func (e *Engine) SetMuted(sessionID string, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.isTerminal() {
		return stateError("mute", s.id, ErrInvalidState)
	}
	if s.muted == muted {
		return nil
	}

	s.muted = muted
	e.bus.publish(SessionStateChanged{Session: s.info(), Previous: s.State(), At: time.Now()})
	return nil
}

// SelectLine переключает выбранную линию.
//
// Auto-hold: если на покидаемой линии сессия активно обменивается
// медиа, удержание запрашивается синхронно до коммита выбора - с точки
// зрения UI две линии никогда не выглядят одновременно активными.
// Синхронная ошибка запроса удержания отменяет переключение. Уже
// удерживаемая или свободная линия действий не требует (повторный
// запрос удержания был бы отклонен правилом pending).
func (e *Engine) SelectLine(number int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.lines.get(number); err != nil {
		return &CallError{Category: ErrorCategoryState, Op: "select", Line: number, Err: err}
	}
	if number == e.lines.selected {
		return nil
	}

	previous := e.lines.selected
	prevLine := e.lines.selectedLine()
	if prevLine.sessionID != "" {
		if s, err := e.registry.Get(prevLine.sessionID); err == nil && s.isActive() {
			if err := e.holdLocked(s, "select"); err != nil {
				return err
			}
		}
	}

	e.lines.setSelected(number)
	e.log.Debug("line selected",
		slog.Int("line", number),
		slog.Int("previous", previous))
	e.bus.publish(LineSelected{Line: number, Previous: previous, At: time.Now()})
	return nil
}

// Close останавливает движок, завершая все живые сессии best-effort.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for _, s := range e.registry.All() {
		if s.handle != nil && !s.isTerminal() {
			h := s.handle
			go func() {
				ctx, cancel := e.opCtx()
				defer cancel()
				_ = e.transport.Terminate(ctx, h)
			}()
		}
		e.lines.release(s.lineNumber)
		e.registry.Remove(s.id)
	}
	e.bus.close()
	return nil
}

// --- события транспорта ---

// OnRinging - прогресс исходящего вызова, состояние не меняется.
func (e *Engine) OnRinging(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.GetByHandle(h)
	if err != nil {
		return
	}
	e.log.Debug("remote ringing", slog.String("sessionID", s.id))
	e.publishLineState(s.lineNumber)
}

// OnEstablished - вызов установлен.
func (e *Engine) OnEstablished(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.GetByHandle(h)
	if err != nil {
		return
	}

	if s.isTerminal() {
		// Последний пишущий выигрывает: отмена уже запрошена, удаленный
		// ответ пришел позже - установленное плечо немедленно кладется
		e.terminateLeg(h)
		return
	}

	switch s.State() {
	case StateDialing, StateEstablishing:
	default:
		return
	}

	s.pending = PendingNone
	s.markEstablished()
	_ = e.setStateTo(s, StateEstablished)
	e.publishLineState(s.lineNumber)

	e.onConsultationEstablished(s)
}

// OnRenegotiated - удаленная сторона завершила свой re-INVITE.
func (e *Engine) OnRenegotiated(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.GetByHandle(h)
	if err != nil {
		return
	}
	e.log.Debug("remote renegotiated", slog.String("sessionID", s.id))
	e.publishLineState(s.lineNumber)
}

// OnTerminated - плечо завершено. Событие может прийти повторно
// (локальный hangup наперегонки с удаленным BYE) - обработка идемпотентна.
func (e *Engine) OnTerminated(h Handle, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.GetByHandle(h)
	if err != nil {
		return
	}

	s.pending = PendingNone
	e.finalizeLocked(s, reason)
}

// OnIncoming - входящий INVITE.
//
// Без свободной линии действует тихий отказ: транспорту отдается
// busy-сигнал, сессия не создается и в UI не появляется - это
// отличимо от вызова, который звонил и был отклонен.
func (e *Engine) OnIncoming(h Handle, remoteNumber, remoteDisplayName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.rejectBusyLeg(h)
		return
	}

	line, err := e.lines.allocate(DirectionIncoming)
	if err != nil {
		e.metrics.AdmissionRejected(DirectionIncoming)
		e.bus.publish(AllLinesBusy{Direction: DirectionIncoming, Target: remoteNumber, At: time.Now()})
		e.log.Debug("incoming call rejected, all lines busy",
			slog.String("remote", remoteNumber))
		e.rejectBusyLeg(h)
		return
	}

	s := newSession(DirectionIncoming, line)
	s.remoteNumber = remoteNumber
	s.remoteDisplayName = remoteDisplayName
	s.handle = h

	e.registry.Add(s)
	e.registry.BindHandle(s.id, h)
	e.lines.bind(line, s.id)
	e.metrics.SessionCreated(DirectionIncoming)

	e.log.Debug("incoming call",
		slog.String("sessionID", s.id),
		slog.String("remote", remoteNumber),
		slog.Int("line", line))

	now := time.Now()
	e.bus.publish(SessionCreated{Session: s.info(), At: now})
	e.publishLineState(line)

	// Call waiting: другая линия активна, автоматического переключения нет
	if e.hasActiveSessionBesides(line) {
		e.bus.publish(CallWaiting{Line: line, Session: s.info(), At: now})
	}
}

// --- внутреннее ---

// setState выполняет переход FSM и публикует SessionStateChanged.
func (e *Engine) setState(s *Session, event string) error {
	prev := s.State()
	if err := s.apply(event); err != nil {
		return err
	}
	e.metrics.StateTransition(prev, s.State())
	e.bus.publish(SessionStateChanged{Session: s.info(), Previous: prev, At: time.Now()})
	return nil
}

func (e *Engine) setStateTo(s *Session, dst CallState) error {
	return e.setState(s, formEventName(s.State(), dst))
}

// finalizeLocked доводит сессию до Terminal, освобождает линию и
// удаляет сессию из хранилища. Повторный вызов - no-op.
func (e *Engine) finalizeLocked(s *Session, reason string) {
	if _, err := e.registry.Get(s.id); err != nil {
		return
	}

	e.cleanupTransfersFor(s)

	s.endReason = reason
	if s.State() != StateTerminating && s.State() != StateTerminal {
		_ = e.setState(s, eventTerminate)
	}
	if s.State() == StateTerminating {
		_ = e.setState(s, eventTerminated)
	}

	e.metrics.SessionEnded(s.startTime)
	e.lines.release(s.lineNumber)
	e.registry.Remove(s.id)

	e.log.Debug("session ended",
		slog.String("sessionID", s.id),
		slog.Int("line", s.lineNumber),
		slog.String("reason", reason))
	e.publishLineState(s.lineNumber)
}

// publishLineState публикует снимок линии с занимающей ее сессией.
func (e *Engine) publishLineState(number int) {
	line, err := e.lines.get(number)
	if err != nil {
		return
	}
	var info *SessionInfo
	if line.sessionID != "" {
		if s, err := e.registry.Get(line.sessionID); err == nil {
			si := s.info()
			info = &si
		}
	}
	e.bus.publish(LineStateChanged{Line: number, Session: info, At: time.Now()})
}

func (e *Engine) hasActiveSessionBesides(line int) bool {
	for _, s := range e.registry.All() {
		if s.lineNumber != line && s.isActive() {
			return true
		}
	}
	return false
}

func (e *Engine) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.opTimeout)
}

func (e *Engine) cancelLeg(h Handle) {
	go func() {
		ctx, cancel := e.opCtx()
		defer cancel()
		_ = e.transport.Cancel(ctx, h)
	}()
}

func (e *Engine) terminateLeg(h Handle) {
	go func() {
		ctx, cancel := e.opCtx()
		defer cancel()
		_ = e.transport.Terminate(ctx, h)
	}()
}

func (e *Engine) rejectBusyLeg(h Handle) {
	go func() {
		ctx, cancel := e.opCtx()
		defer cancel()
		_ = e.transport.RejectBusy(ctx, h)
	}()
}
