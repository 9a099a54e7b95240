package softphone

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
)

// TransferMode определяет вид перевода вызова.
type TransferMode string

const (
	// TransferModeBlind - слепой перевод без проверки готовности цели
	TransferModeBlind TransferMode = "blind"
	// TransferModeAttended - сопровождаемый перевод через консультационный вызов
	TransferModeAttended TransferMode = "attended"
)

// TransferPhase - фаза сопровождаемого перевода.
// dialing-consultation - консультационный вызов набирается;
// consulting          - агент разговаривает с целью перевода;
// completing          - сращивание двух плеч в процессе;
// cancelling          - отмена: консультация завершается, оригинал возобновляется;
// completed/cancelled - терминальные фазы, контекст разрушен.
const (
	TransferPhaseDialing    = "dialing-consultation"
	TransferPhaseConsulting = "consulting"
	TransferPhaseCompleting = "completing"
	TransferPhaseCancelling = "cancelling"
	TransferPhaseCompleted  = "completed"
	TransferPhaseCancelled  = "cancelled"
)

// newTransferFSM оборачивает looplab/fsm для фаз перевода.
// События: consulting, complete, complete_failed, completed, cancel, cancelled
func newTransferFSM() *fsm.FSM {
	return fsm.NewFSM(
		TransferPhaseDialing,
		fsm.Events{
			{Name: "consulting", Src: []string{TransferPhaseDialing}, Dst: TransferPhaseConsulting},
			{Name: "complete", Src: []string{TransferPhaseConsulting}, Dst: TransferPhaseCompleting},
			{Name: "complete_failed", Src: []string{TransferPhaseCompleting}, Dst: TransferPhaseConsulting},
			{Name: "completed", Src: []string{TransferPhaseCompleting}, Dst: TransferPhaseCompleted},
			{Name: "cancel", Src: []string{TransferPhaseDialing, TransferPhaseConsulting, TransferPhaseCompleting}, Dst: TransferPhaseCancelling},
			{Name: "cancelled", Src: []string{TransferPhaseCancelling}, Dst: TransferPhaseCancelled},
		}, nil,
	)
}

// transferContext - эфемерный контекст сопровождаемого перевода.
// Существует только пока перевод в процессе; на всем протяжении
// удерживает оригинальную сессию, а завершение или отмена оставляет
// в живых ровно одну из двух сессий.
type transferContext struct {
	originalID     string
	consultationID string
	mode           TransferMode
	target         string
	fsm            *fsm.FSM
}

func (tc *transferContext) phase() string {
	return tc.fsm.Current()
}

func (tc *transferContext) apply(event string) error {
	return tc.fsm.Event(context.Background(), event)
}

// TransferInfo - снимок контекста перевода для потребителей.
type TransferInfo struct {
	OriginalSessionID     string
	ConsultationSessionID string
	Mode                  TransferMode
	Phase                 string
	Target                string
}

func (tc *transferContext) info() TransferInfo {
	return TransferInfo{
		OriginalSessionID:     tc.originalID,
		ConsultationSessionID: tc.consultationID,
		Mode:                  tc.mode,
		Phase:                 tc.phase(),
		Target:                tc.target,
	}
}

// BlindTransfer выполняет слепой перевод сессии на target.
//
// Единственный запрос к транспорту: при успехе удаленная сторона
// подключена к цели и локальная сессия завершается; при отказе сессия
// остается в прежнем состоянии без побочных эффектов.
func (e *Engine) BlindTransfer(sessionID, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.pending != PendingNone {
		return conflictError("transfer", s.id)
	}
	if s.State() != StateEstablished && s.State() != StateHeld {
		return stateError("transfer", s.id, ErrInvalidState)
	}

	s.pending = PendingTransfer
	e.log.Debug("blind transfer started",
		slog.String("sessionID", s.id),
		slog.String("target", target))

	go e.runBlindTransfer(s, target)
	return nil
}

func (e *Engine) runBlindTransfer(s *Session, target string) {
	ctx, cancel := e.opCtx()
	defer cancel()

	err := e.transport.TransferBlind(ctx, s.handle, target)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, gerr := e.registry.Get(s.id); gerr != nil {
		return
	}
	s.pending = PendingNone

	if err != nil {
		e.metrics.Transfer(TransferModeBlind, "failure")
		e.bus.publish(OperationFailed{Op: "transfer", SessionID: s.id, Err: negotiationError("transfer", s.id, err), At: time.Now()})
		return
	}

	e.metrics.Transfer(TransferModeBlind, "success")
	e.finalizeLocked(s, "transferred")
}

// StartAttendedTransfer начинает сопровождаемый перевод.
//
// Оригинальная сессия ставится на удержание (обычный путь hold),
// консультационный вызов занимает следующую свободную линию. Если
// свободной линии нет, перевод не начинается: оригинал остается на
// удержании и доступен для выбора, ошибка явная.
func (e *Engine) StartAttendedTransfer(sessionID, target string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orig, err := e.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	if _, exists := e.transfers[orig.id]; exists {
		return "", conflictError("transfer", orig.id)
	}
	if _, exists := e.consultIndex[orig.id]; exists {
		return "", conflictError("transfer", orig.id)
	}
	if orig.State() != StateEstablished && orig.State() != StateHeld {
		return "", stateError("transfer", orig.id, ErrInvalidState)
	}

	if orig.State() == StateEstablished {
		if err := e.holdLocked(orig, "transfer"); err != nil {
			return "", err
		}
	}

	line, err := e.lines.allocate(DirectionOutgoing)
	if err != nil {
		return "", resourceError("transfer", ErrNoIdleLine)
	}

	cons := newSession(DirectionOutgoing, line)
	cons.remoteNumber = target
	cons.pending = PendingDial

	e.registry.Add(cons)
	e.lines.bind(line, cons.id)
	e.metrics.SessionCreated(DirectionOutgoing)

	tc := &transferContext{
		originalID:     orig.id,
		consultationID: cons.id,
		mode:           TransferModeAttended,
		target:         target,
		fsm:            newTransferFSM(),
	}
	e.transfers[orig.id] = tc
	e.consultIndex[cons.id] = orig.id

	e.log.Debug("attended transfer started",
		slog.String("originalID", orig.id),
		slog.String("consultationID", cons.id),
		slog.String("target", target),
		slog.Int("line", line))

	now := time.Now()
	e.bus.publish(SessionCreated{Session: cons.info(), At: now})
	e.publishLineState(line)
	e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: now})

	go e.runDial(cons, target)
	return cons.id, nil
}

// CompleteTransfer сращивает оригинальное и консультационное плечи.
// При отказе транспорта ни одна из сессий не разрушается: агент
// сохраняет контроль над обеими и может повторить или отменить.
func (e *Engine) CompleteTransfer(originalSessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tc, exists := e.transfers[originalSessionID]
	if !exists {
		return stateError("transfer", originalSessionID, ErrTransferNotActive)
	}
	if tc.phase() != TransferPhaseConsulting {
		return stateError("transfer", originalSessionID, ErrTransferPhase)
	}

	orig, err := e.registry.Get(tc.originalID)
	if err != nil {
		return err
	}
	cons, err := e.registry.Get(tc.consultationID)
	if err != nil {
		return err
	}

	_ = tc.apply("complete")
	e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})

	go e.runCompleteTransfer(tc, orig, cons)
	return nil
}

func (e *Engine) runCompleteTransfer(tc *transferContext, orig, cons *Session) {
	ctx, cancel := e.opCtx()
	defer cancel()

	err := e.transport.TransferAttendedComplete(ctx, orig.handle, cons.handle)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transfers[tc.originalID] != tc {
		// Контекст разрушен пока сращивание было в полете
		return
	}

	if err != nil {
		e.metrics.Transfer(TransferModeAttended, "failure")
		_ = tc.apply("complete_failed")
		e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})
		e.bus.publish(OperationFailed{Op: "transfer", SessionID: tc.originalID, Err: negotiationError("transfer", tc.originalID, err), At: time.Now()})
		return
	}

	e.metrics.Transfer(TransferModeAttended, "success")
	_ = tc.apply("completed")
	e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})
	e.destroyTransferLocked(tc)

	e.finalizeLocked(orig, "transferred")
	e.finalizeLocked(cons, "transferred")
}

// CancelTransfer отменяет сопровождаемый перевод: консультация
// завершается, удержание оригинала снимается - агент возвращается к
// исходному абоненту. Возобновление выполняется даже если завершение
// консультации отказало: бросить удерживаемого абонента хуже, чем
// шумная ошибка отбоя консультации.
func (e *Engine) CancelTransfer(originalSessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tc, exists := e.transfers[originalSessionID]
	if !exists {
		return stateError("transfer", originalSessionID, ErrTransferNotActive)
	}
	if ph := tc.phase(); ph != TransferPhaseDialing && ph != TransferPhaseConsulting {
		return stateError("transfer", originalSessionID, ErrTransferPhase)
	}

	_ = tc.apply("cancel")
	e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})

	e.cancelTransferLocked(tc)
	return nil
}

// cancelTransferLocked доводит отмену: завершает консультацию,
// возобновляет оригинал, разрушает контекст. Фаза уже cancelling.
func (e *Engine) cancelTransferLocked(tc *transferContext) {
	// Снимаем индексы до побочных действий: завершение консультации
	// не должно рекурсивно триггерить повторную отмену
	e.destroyTransferLocked(tc)

	if cons, err := e.registry.Get(tc.consultationID); err == nil && !cons.isTerminal() {
		e.hangupSessionLocked(cons)
	}

	if orig, err := e.registry.Get(tc.originalID); err == nil {
		e.resumeOriginalLocked(orig)
	}

	_ = tc.apply("cancelled")
	e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})
}

// resumeOriginalLocked снимает оригинал с удержания после отмены
// перевода. Если hold re-INVITE еще в полете, возобновление
// откладывается до его подтверждения.
func (e *Engine) resumeOriginalLocked(orig *Session) {
	if err := e.resumeLocked(orig, "transfer-cancel"); err != nil {
		if orig.State() == StateHolding || orig.pending == PendingHold {
			orig.autoResume = true
			return
		}
		e.log.Debug("resume after transfer cancel failed",
			slog.String("sessionID", orig.id),
			slog.String("error", err.Error()))
		e.bus.publish(OperationFailed{Op: "resume", SessionID: orig.id, Err: err, At: time.Now()})
	}
}

// hangupSessionLocked - внутренний путь завершения сессии, повторяет
// Hangup без захвата мьютекса.
func (e *Engine) hangupSessionLocked(s *Session) {
	if s.handle == nil {
		s.cancelRequested = true
		_ = e.setState(s, eventTerminate)
		return
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
}

// onConsultationEstablished вызывается из OnEstablished: консультация
// установлена, агент может разговаривать с целью перевода.
func (e *Engine) onConsultationEstablished(s *Session) {
	origID, ok := e.consultIndex[s.id]
	if !ok {
		return
	}
	tc := e.transfers[origID]
	if tc == nil || tc.phase() != TransferPhaseDialing {
		return
	}

	_ = tc.apply("consulting")
	e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})
}

// cleanupTransfersFor вызывается при финализации сессии, вовлеченной
// в перевод.
//
// Завершившаяся консультация (таймаут, отбой удаленной стороной,
// неудачный набор) трактуется как отмена: оригинал автоматически
// возобновляется, а не остается на удержании навсегда. Завершившийся
// оригинал делает перевод беспредметным: контекст разрушается,
// консультация остается живой - агент еще разговаривает с целью.
func (e *Engine) cleanupTransfersFor(s *Session) {
	if origID, ok := e.consultIndex[s.id]; ok {
		tc := e.transfers[origID]
		if tc != nil {
			switch tc.phase() {
			case TransferPhaseDialing, TransferPhaseConsulting:
				_ = tc.apply("cancel")
				e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})
				e.destroyTransferLocked(tc)
				if orig, err := e.registry.Get(tc.originalID); err == nil {
					e.resumeOriginalLocked(orig)
				}
				_ = tc.apply("cancelled")
				e.bus.publish(TransferPhaseChanged{Transfer: tc.info(), At: time.Now()})
			default:
				// Фаза completing: исход решит runCompleteTransfer
			}
		}
		return
	}

	if tc, ok := e.transfers[s.id]; ok {
		e.log.Debug("original session ended during transfer",
			slog.String("originalID", tc.originalID),
			slog.String("phase", tc.phase()))
		e.destroyTransferLocked(tc)
	}
}

func (e *Engine) destroyTransferLocked(tc *transferContext) {
	delete(e.transfers, tc.originalID)
	delete(e.consultIndex, tc.consultationID)
}

// Transfer возвращает снимок активного перевода для оригинальной сессии.
func (e *Engine) Transfer(originalSessionID string) (TransferInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tc, exists := e.transfers[originalSessionID]
	if !exists {
		return TransferInfo{}, ErrTransferNotActive
	}
	return tc.info(), nil
}
