package softphone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startConsulting доводит сопровождаемый перевод до фазы consulting.
func startConsulting(t *testing.T, e *Engine, tr *mockTransport, originalID, target string) string {
	t.Helper()

	consID, err := e.StartAttendedTransfer(originalID, target)
	require.NoError(t, err, "StartAttendedTransfer should succeed")

	waitState(t, e, originalID, StateHeld)
	waitState(t, e, consID, StateDialing)

	e.OnEstablished(tr.handleFor(target))
	waitState(t, e, consID, StateEstablished)

	info, err := e.Transfer(originalID)
	require.NoError(t, err)
	require.Equal(t, TransferPhaseConsulting, info.Phase)
	return consID
}

// TestBlindTransferSuccess: успешный слепой перевод завершает локальную
// сессию и освобождает линию.
func TestBlindTransferSuccess(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	id, _ := dialEstablished(t, e, tr, "sip:bob@example.com")

	require.NoError(t, e.BlindTransfer(id, "sip:carol@example.com"))
	waitRemoved(t, e, id)
	assert.Equal(t, 1, tr.callCount("transferBlind"))

	// Линия снова свободна
	id2, err := e.Dial("sip:dave@example.com")
	require.NoError(t, err)
	info, _ := e.Session(id2)
	assert.Equal(t, 1, info.Line)
}

// TestBlindTransferFailure: отказ транспорта оставляет сессию нетронутой.
func TestBlindTransferFailure(t *testing.T) {
	tr := newMockTransport()
	tr.failOn("transferBlind", errSignaling)
	e := newTestEngine(t, tr)
	events, unsub := e.Subscribe(64)
	defer unsub()

	id, _ := dialEstablished(t, e, tr, "sip:bob@example.com")

	require.NoError(t, e.BlindTransfer(id, "sip:carol@example.com"))

	ev := waitEvent(t, events, func(ev Event) bool {
		of, ok := ev.(OperationFailed)
		return ok && of.Op == "transfer"
	})
	assert.ErrorIs(t, ev.(OperationFailed).Err, errSignaling)

	info, err := e.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, info.State, "failed blind transfer must not touch the session")

	// Повторная попытка снова возможна
	require.Eventually(t, func() bool {
		return e.BlindTransfer(id, "sip:carol@example.com") == nil
	}, 2*time.Second, 5*time.Millisecond)
}

// TestBlindTransferFromHeld: слепой перевод допустим и с удержания.
func TestBlindTransferFromHeld(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	id, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	require.NoError(t, e.Hold(id))
	waitState(t, e, id, StateHeld)

	require.NoError(t, e.BlindTransfer(id, "sip:carol@example.com"))
	waitRemoved(t, e, id)
}

// TestBlindTransferConflict: второй перевод при незавершенном первом
// отклоняется правилом pending.
func TestBlindTransferConflict(t *testing.T) {
	tr := newMockTransport()
	release := tr.blockOn("transferBlind")
	defer release()
	e := newTestEngine(t, tr)

	id, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	require.NoError(t, e.BlindTransfer(id, "sip:carol@example.com"))

	err := e.BlindTransfer(id, "sip:dave@example.com")
	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorCategoryConflict, callErr.Category)
}

// TestBlindTransferWrongState: перевод звонящего вызова недопустим.
func TestBlindTransferWrongState(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	h := &mockHandle{id: "in-1"}
	id := ringIncoming(t, e, h, "100", "Alice")

	err := e.BlindTransfer(id, "sip:carol@example.com")
	assert.ErrorIs(t, err, ErrInvalidState)
}

// TestAttendedTransferComplete: полный успешный сопровождаемый перевод.
// Обе локальные сессии завершаются, контекст разрушается.
func TestAttendedTransferComplete(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)
	events, unsub := e.Subscribe(128)
	defer unsub()

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons := startConsulting(t, e, tr, orig, "sip:carol@example.com")

	// Оригинал на удержании всю дорогу
	info, _ := e.Session(orig)
	assert.True(t, info.OnHold)

	require.NoError(t, e.CompleteTransfer(orig))
	waitRemoved(t, e, orig)
	waitRemoved(t, e, cons)
	assert.Equal(t, 1, tr.callCount("transferComplete"))

	_, err := e.Transfer(orig)
	assert.ErrorIs(t, err, ErrTransferNotActive)

	waitEvent(t, events, func(ev Event) bool {
		tp, ok := ev.(TransferPhaseChanged)
		return ok && tp.Transfer.Phase == TransferPhaseCompleted
	})
}

// TestAttendedTransferCompleteFailure: отказ сращивания не разрушает ни
// одну из сессий - агент может повторить или отменить.
func TestAttendedTransferCompleteFailure(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)
	events, unsub := e.Subscribe(128)
	defer unsub()

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons := startConsulting(t, e, tr, orig, "sip:carol@example.com")

	tr.failOn("transferComplete", errSignaling)
	require.NoError(t, e.CompleteTransfer(orig))

	waitEvent(t, events, func(ev Event) bool {
		of, ok := ev.(OperationFailed)
		return ok && of.Op == "transfer"
	})

	// Обе сессии живы, фаза вернулась в consulting
	_, err := e.Session(orig)
	require.NoError(t, err)
	_, err = e.Session(cons)
	require.NoError(t, err)
	info, err := e.Transfer(orig)
	require.NoError(t, err)
	assert.Equal(t, TransferPhaseConsulting, info.Phase)

	// Повторная попытка после устранения причины
	tr.failOn("transferComplete", nil)
	require.NoError(t, e.CompleteTransfer(orig))
	waitRemoved(t, e, orig)
	waitRemoved(t, e, cons)
}

// TestAttendedTransferCancelRestoresOriginal: отмена оставляет ровно
// одну сессию - оригинал, снятый с удержания.
func TestAttendedTransferCancelRestoresOriginal(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons := startConsulting(t, e, tr, orig, "sip:carol@example.com")

	require.NoError(t, e.CancelTransfer(orig))

	waitRemoved(t, e, cons)
	waitState(t, e, orig, StateEstablished)
	info, _ := e.Session(orig)
	assert.False(t, info.OnHold)

	_, err := e.Transfer(orig)
	assert.ErrorIs(t, err, ErrTransferNotActive)
	assert.Len(t, e.Snapshot().Sessions, 1, "exactly the original must survive a cancel")
}

// TestAttendedTransferCancelWhileDialing: отмена до ответа цели.
func TestAttendedTransferCancelWhileDialing(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons, err := e.StartAttendedTransfer(orig, "sip:carol@example.com")
	require.NoError(t, err)
	waitState(t, e, orig, StateHeld)
	waitState(t, e, cons, StateDialing)

	require.NoError(t, e.CancelTransfer(orig))
	waitRemoved(t, e, cons)
	waitState(t, e, orig, StateEstablished)
}

// TestAttendedTransferCancelSurvivesHangupFailure: возобновление
// оригинала выполняется даже если отбой консультации отказал.
func TestAttendedTransferCancelSurvivesHangupFailure(t *testing.T) {
	tr := newMockTransport()
	tr.failOn("terminate", errSignaling)
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons := startConsulting(t, e, tr, orig, "sip:carol@example.com")

	require.NoError(t, e.CancelTransfer(orig))

	waitState(t, e, orig, StateEstablished)
	waitRemoved(t, e, cons)
}

// TestConsultationRemoteTerminated: удаленное завершение консультации
// трактуется как отмена - оригинал возобновляется автоматически, а не
// висит на удержании.
func TestConsultationRemoteTerminated(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons := startConsulting(t, e, tr, orig, "sip:carol@example.com")

	e.OnTerminated(tr.handleFor("sip:carol@example.com"), "remote bye")

	waitRemoved(t, e, cons)
	waitState(t, e, orig, StateEstablished)
	info, _ := e.Session(orig)
	assert.False(t, info.OnHold)
	_, err := e.Transfer(orig)
	assert.ErrorIs(t, err, ErrTransferNotActive)
}

// TestConsultationDialFailed: неудачный набор цели тоже возвращает
// агента к оригиналу.
func TestConsultationDialFailed(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")

	tr.failOn("dial", errSignaling)
	cons, err := e.StartAttendedTransfer(orig, "sip:carol@example.com")
	require.NoError(t, err, "admission passes, dial failure is async")

	waitRemoved(t, e, cons)
	waitState(t, e, orig, StateEstablished)
}

// TestAttendedTransferNoIdleLine: без свободной линии перевод не
// начинается, оригинал остается на удержании и доступен для выбора.
func TestAttendedTransferNoIdleLine(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr, WithLineCount(1))

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")

	_, err := e.StartAttendedTransfer(orig, "sip:carol@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoIdleLine)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorCategoryResource, callErr.Category)

	waitState(t, e, orig, StateHeld)
	assert.Len(t, e.Snapshot().Sessions, 1, "no consultation session may be created")
}

// TestAttendedTransferOriginalTerminated: смерть оригинала делает
// перевод беспредметным, консультация остается живой.
func TestAttendedTransferOriginalTerminated(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, hOrig := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons := startConsulting(t, e, tr, orig, "sip:carol@example.com")

	e.OnTerminated(hOrig, "remote bye")
	waitRemoved(t, e, orig)

	info, err := e.Session(cons)
	require.NoError(t, err, "consultation leg must survive the original's death")
	assert.Equal(t, StateEstablished, info.State)
	_, err = e.Transfer(orig)
	assert.ErrorIs(t, err, ErrTransferNotActive)
}

// TestAttendedTransferDuplicate: второй перевод той же сессии при
// активном контексте отклоняется.
func TestAttendedTransferDuplicate(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	_ = startConsulting(t, e, tr, orig, "sip:carol@example.com")

	_, err := e.StartAttendedTransfer(orig, "sip:dave@example.com")
	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorCategoryConflict, callErr.Category)
}

// TestCompleteTransferWrongPhase: сращивание допустимо только из
// consulting.
func TestCompleteTransferWrongPhase(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons, err := e.StartAttendedTransfer(orig, "sip:carol@example.com")
	require.NoError(t, err)
	waitState(t, e, cons, StateDialing)

	// Консультация еще не ответила
	err = e.CompleteTransfer(orig)
	assert.ErrorIs(t, err, ErrTransferPhase)

	// Для сессии без перевода - своя ошибка
	err = e.CompleteTransfer("missing")
	assert.ErrorIs(t, err, ErrTransferNotActive)
}

// TestTransferInfoSnapshot проверяет снимок контекста перевода.
func TestTransferInfoSnapshot(t *testing.T) {
	tr := newMockTransport()
	e := newTestEngine(t, tr)

	orig, _ := dialEstablished(t, e, tr, "sip:bob@example.com")
	cons := startConsulting(t, e, tr, orig, "sip:carol@example.com")

	info, err := e.Transfer(orig)
	require.NoError(t, err)
	assert.Equal(t, orig, info.OriginalSessionID)
	assert.Equal(t, cons, info.ConsultationSessionID)
	assert.Equal(t, TransferModeAttended, info.Mode)
	assert.Equal(t, "sip:carol@example.com", info.Target)
}
