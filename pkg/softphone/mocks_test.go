package softphone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockHandle - тестовый транспортный handle.
type mockHandle struct {
	id string
}

func (h *mockHandle) ID() string {
	return h.id
}

// mockTransport записывает все обращения ядра и позволяет настраивать
// ошибки и блокировки отдельных операций. Потокобезопасен: ядро
// вызывает методы из разных горутин.
type mockTransport struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
	gates map[string]chan struct{}

	handleSeq      int
	handleByTarget map[string]*mockHandle
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		errs:           make(map[string]error),
		gates:          make(map[string]chan struct{}),
		handleByTarget: make(map[string]*mockHandle),
	}
}

// failOn заставляет операцию op возвращать err.
func (m *mockTransport) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

// blockOn блокирует операцию op до вызова возвращенной функции.
func (m *mockTransport) blockOn(op string) func() {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[op] = gate
	m.mu.Unlock()
	return func() { close(gate) }
}

// enter фиксирует вызов, ждет открытия ворот и возвращает настроенную
// ошибку операции.
func (m *mockTransport) enter(op, detail string) error {
	m.mu.Lock()
	call := op
	if detail != "" {
		call = op + ":" + detail
	}
	m.calls = append(m.calls, call)
	gate := m.gates[op]
	err := m.errs[op]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

// callCount возвращает число вызовов операции op.
func (m *mockTransport) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		if c == op || len(c) > len(op) && c[:len(op)+1] == op+":" {
			n++
		}
	}
	return n
}

// handleFor возвращает handle, созданный Dial для target.
func (m *mockTransport) handleFor(target string) *mockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleByTarget[target]
}

func (m *mockTransport) Dial(ctx context.Context, target string) (Handle, error) {
	if err := m.enter("dial", target); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handleSeq++
	h := &mockHandle{id: fmt.Sprintf("leg-%d", m.handleSeq)}
	m.handleByTarget[target] = h
	return h, nil
}

func (m *mockTransport) Answer(ctx context.Context, h Handle) error {
	return m.enter("answer", "")
}

func (m *mockTransport) Reject(ctx context.Context, h Handle) error {
	return m.enter("reject", "")
}

func (m *mockTransport) RejectBusy(ctx context.Context, h Handle) error {
	return m.enter("rejectBusy", "")
}

func (m *mockTransport) Cancel(ctx context.Context, h Handle) error {
	return m.enter("cancel", "")
}

func (m *mockTransport) Terminate(ctx context.Context, h Handle) error {
	return m.enter("terminate", "")
}

func (m *mockTransport) Renegotiate(ctx context.Context, h Handle, hold bool) error {
	detail := "resume"
	if hold {
		detail = "hold"
	}
	return m.enter("renegotiate", detail)
}

func (m *mockTransport) SendDigits(ctx context.Context, h Handle, digits string) error {
	return m.enter("dtmf", digits)
}

func (m *mockTransport) TransferBlind(ctx context.Context, h Handle, target string) error {
	return m.enter("transferBlind", target)
}

func (m *mockTransport) TransferAttendedComplete(ctx context.Context, original, consultation Handle) error {
	return m.enter("transferComplete", "")
}

// newTestEngine создает движок с тихим логгером и закрытием в cleanup.
func newTestEngine(t *testing.T, tr *mockTransport, opts ...Option) *Engine {
	t.Helper()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(quiet)}, opts...)

	e, err := New(tr, opts...)
	require.NoError(t, err, "Should create engine")
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// waitState ждет перехода сессии в ожидаемое состояние.
func waitState(t *testing.T, e *Engine, sessionID string, want CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := e.Session(sessionID)
		return err == nil && info.State == want
	}, 2*time.Second, 5*time.Millisecond, "session %s should reach state %s", sessionID, want)
}

// waitRemoved ждет удаления сессии из хранилища.
func waitRemoved(t *testing.T, e *Engine, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := e.Session(sessionID)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond, "session %s should be removed", sessionID)
}

// dialEstablished прогоняет исходящий вызов до Established.
func dialEstablished(t *testing.T, e *Engine, tr *mockTransport, target string) (string, *mockHandle) {
	t.Helper()

	id, err := e.Dial(target)
	require.NoError(t, err, "Dial should succeed")
	waitState(t, e, id, StateDialing)

	h := tr.handleFor(target)
	require.NotNil(t, h, "transport should have created a handle")

	e.OnEstablished(h)
	waitState(t, e, id, StateEstablished)
	return id, h
}

// ringIncoming доставляет входящий вызов и возвращает его сессию.
func ringIncoming(t *testing.T, e *Engine, h *mockHandle, number, display string) string {
	t.Helper()

	e.OnIncoming(h, number, display)

	var found string
	for _, s := range e.Snapshot().Sessions {
		if s.RemoteNumber == number && s.State == StateRinging {
			found = s.ID
		}
	}
	require.NotEmpty(t, found, "incoming session should exist in Ringing")
	return found
}
