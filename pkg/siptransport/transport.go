// Package siptransport реализует сигнальный транспорт ядра softphone
// поверх SIP стека sipgo. Каждое плечо вызова отображается на SIP
// диалог; удержание кодируется направлением медиа в SDP re-INVITE,
// переводы - запросами REFER (RFC 3515, с Replaces по RFC 3891 для
// сопровождаемого перевода).
package siptransport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kittykatchunks/365connect-sub001/pkg/softphone"
)

// Config - параметры SIP транспорта.
type Config struct {
	// ListenAddr - адрес для входящей сигнализации, host:port
	ListenAddr string
	// Protocol - udp или tcp
	Protocol string
	// UserAgent - значение заголовка User-Agent
	UserAgent string
	// User - локальная SIP учетная запись (user часть URI)
	User string
	// DisplayName - отображаемое имя в исходящих From
	DisplayName string
	// MediaHost и MediaPort попадают в SDP offer/answer
	MediaHost string
	MediaPort int
	// Logger - структурный логгер, по умолчанию slog.Default
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5060"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "softphone"
	}
	if cfg.User == "" {
		cfg.User = "softphone"
	}
	if cfg.MediaHost == "" {
		cfg.MediaHost = "127.0.0.1"
	}
	if cfg.MediaPort == 0 {
		cfg.MediaPort = 5004
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Таймаут ожидания финального ответа на исходящий INVITE
// (Timer B из RFC 3261 с запасом на человека, снимающего трубку).
const inviteAnswerTimeout = 90 * time.Second

// leg - одно плечо вызова: SIP диалог с состоянием, достаточным для
// построения in-dialog запросов.
type leg struct {
	id     string
	callID string

	localTag  string
	remoteTag string

	localURI  sip.Uri
	remoteURI sip.Uri

	// Цель in-dialog запросов, обновляется из Contact
	remoteTarget sip.Uri

	isUAC       bool
	established bool
	onHold      bool

	inviteReq  *sip.Request
	inviteResp *sip.Response
	// Серверная транзакция входящего INVITE, пока не отвечен
	inviteTx sip.ServerTransaction

	cseq uint32

	mu sync.Mutex
}

// ID возвращает стабильный идентификатор плеча.
func (l *leg) ID() string {
	return l.id
}

func (l *leg) nextCSeq() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cseq++
	return l.cseq
}

// buildRequest создает in-dialog запрос с тегами и CSeq диалога.
func (l *leg) buildRequest(method sip.RequestMethod) *sip.Request {
	l.mu.Lock()
	target := l.remoteTarget
	localTag, remoteTag := l.localTag, l.remoteTag
	l.mu.Unlock()

	if target.Host == "" {
		target = l.remoteURI
	}

	req := sip.NewRequest(method, target)
	req.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	req.AppendHeader(&sip.FromHeader{
		Address: l.localURI,
		Params:  sip.HeaderParams{"tag": localTag},
	})
	to := &sip.ToHeader{Address: l.remoteURI, Params: sip.HeaderParams{}}
	if remoteTag != "" {
		to.Params["tag"] = remoteTag
	}
	req.AppendHeader(to)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: l.nextCSeq(), MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req
}

// Проверка соответствия интерфейсу ядра во время компиляции
var _ softphone.Transport = (*Transport)(nil)

// Transport - SIP адаптер интерфейса softphone.Transport.
type Transport struct {
	cfg Config
	log *slog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	contact sip.ContactHeader

	handler softphone.EventHandler

	legs     map[string]*leg // legID -> leg
	byCallID map[string]*leg // Call-ID -> leg

	closed bool
	mu     sync.Mutex
}

// New создает SIP транспорт. До запуска нужно установить обработчик
// событий через SetEventHandler и вызвать ListenAndServe.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid listen address %q", cfg.ListenAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid listen port %q", portStr)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "create user agent")
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}

	t := &Transport{
		cfg:    cfg,
		log:    cfg.Logger,
		ua:     ua,
		client: client,
		server: server,
		contact: sip.ContactHeader{
			Address: sip.Uri{
				Scheme: "sip",
				User:   cfg.User,
				Host:   host,
				Port:   port,
			},
		},
		legs:     make(map[string]*leg),
		byCallID: make(map[string]*leg),
	}
	t.setupHandlers()
	return t, nil
}

// SetEventHandler устанавливает получателя событий сигнализации.
// Должен быть вызван до ListenAndServe.
func (t *Transport) SetEventHandler(h softphone.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) events() softphone.EventHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// ListenAndServe запускает прием входящей сигнализации.
// Блокирует до отмены контекста.
func (t *Transport) ListenAndServe(ctx context.Context) error {
	t.log.Info("starting SIP transport",
		slog.String("protocol", t.cfg.Protocol),
		slog.String("addr", t.cfg.ListenAddr))
	return t.server.ListenAndServe(ctx, t.cfg.Protocol, t.cfg.ListenAddr)
}

// Close останавливает транспорт.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.legs = make(map[string]*leg)
	t.byCallID = make(map[string]*leg)
	t.mu.Unlock()

	if err := t.server.Close(); err != nil {
		t.log.Debug("server close", slog.String("error", err.Error()))
	}
	return t.client.Close()
}

func (t *Transport) addLeg(l *leg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.legs[l.id] = l
	t.byCallID[l.callID] = l
}

func (t *Transport) removeLeg(l *leg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.legs, l.id)
	delete(t.byCallID, l.callID)
}

func (t *Transport) legByCallID(callID string) *leg {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byCallID[callID]
}

func (t *Transport) asLeg(h softphone.Handle) (*leg, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, exists := t.legs[h.ID()]
	if !exists {
		return nil, errors.Errorf("unknown call leg %s", h.ID())
	}
	return l, nil
}

// --- softphone.Transport ---

// Dial отправляет INVITE и возвращает плечо сразу после создания
// транзакции. Финальный исход доставляется событиями OnRinging /
// OnEstablished / OnTerminated.
func (t *Transport) Dial(ctx context.Context, target string) (softphone.Handle, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, errors.Wrapf(err, "invalid target %q", target)
	}

	l := &leg{
		id:           uuid.NewString(),
		callID:       uuid.NewString(),
		localTag:     randToken(8),
		localURI:     t.contact.Address,
		remoteURI:    uri,
		remoteTarget: uri,
		isUAC:        true,
		cseq:         1,
	}

	offer, err := buildSDP(defaultSDPConfig(t.cfg.MediaHost, t.cfg.MediaPort), DirectionSendRecv)
	if err != nil {
		return nil, err
	}

	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: t.cfg.DisplayName,
		Address:     l.localURI,
		Params:      sip.HeaderParams{"tag": l.localTag},
	})
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: l.cseq, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&t.contact)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)
	l.inviteReq = req

	// Транзакция живет дольше вызывающего контекста: финальный ответ
	// может прийти через десятки секунд
	txCtx, cancel := context.WithTimeout(context.Background(), inviteAnswerTimeout)
	tx, err := t.client.TransactionRequest(txCtx, req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "send INVITE")
	}

	t.addLeg(l)
	t.log.Debug("INVITE sent",
		slog.String("callID", l.callID),
		slog.String("target", target))

	go t.watchInvite(txCtx, cancel, l, tx)
	return l, nil
}

// watchInvite следит за ответами на исходящий INVITE.
func (t *Transport) watchInvite(ctx context.Context, cancel context.CancelFunc, l *leg, tx sip.ClientTransaction) {
	defer cancel()
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == 180 || res.StatusCode == 183 {
					if h := t.events(); h != nil {
						h.OnRinging(l)
					}
				}

			case res.StatusCode < 300:
				t.completeUACDialog(l, res)
				if h := t.events(); h != nil {
					h.OnEstablished(l)
				}
				return

			default:
				t.removeLeg(l)
				if h := t.events(); h != nil {
					h.OnTerminated(l, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
				}
				return
			}

		case <-tx.Done():
			t.removeLeg(l)
			reason := "transaction terminated"
			if err := tx.Err(); err != nil {
				reason = err.Error()
			}
			if h := t.events(); h != nil {
				h.OnTerminated(l, reason)
			}
			return

		case <-ctx.Done():
			t.removeLeg(l)
			if h := t.events(); h != nil {
				h.OnTerminated(l, "no answer")
			}
			return
		}
	}
}

// completeUACDialog фиксирует параметры диалога из 2xx и отправляет ACK.
func (t *Transport) completeUACDialog(l *leg, res *sip.Response) {
	l.mu.Lock()
	if tag, ok := res.To().Params["tag"]; ok {
		l.remoteTag = tag
	}
	if contact := res.GetHeader("Contact"); contact != nil {
		if uri, err := parseContact(contact.Value()); err == nil {
			l.remoteTarget = uri
		}
	}
	l.inviteResp = res
	l.established = true
	l.mu.Unlock()

	t.sendACK(l, res)
}

// sendACK подтверждает 2xx ответ на INVITE или re-INVITE.
func (t *Transport) sendACK(l *leg, res *sip.Response) {
	ack := sip.NewRequest(sip.ACK, l.inviteReq.Recipient)
	ack.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	ack.AppendHeader(&sip.FromHeader{
		Address: l.localURI,
		Params:  sip.HeaderParams{"tag": l.localTag},
	})
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: res.CSeq().SeqNo, MethodName: sip.ACK})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	if err := t.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		t.log.Debug("failed to send ACK",
			slog.String("callID", l.callID),
			slog.String("error", err.Error()))
	}
}

// Answer отвечает 200 OK на входящий INVITE.
// Установление подтверждается событием OnEstablished по приходу ACK.
func (t *Transport) Answer(ctx context.Context, h softphone.Handle) error {
	l, err := t.asLeg(h)
	if err != nil {
		return err
	}
	if l.isUAC || l.inviteTx == nil {
		return errors.New("leg is not an unanswered incoming call")
	}

	answer, err := buildSDP(defaultSDPConfig(t.cfg.MediaHost, t.cfg.MediaPort), DirectionSendRecv)
	if err != nil {
		return err
	}

	res := sip.NewResponseFromRequest(l.inviteReq, sip.StatusOK, "OK", answer)
	addToTag(res, l.localTag)
	res.AppendHeader(&t.contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := l.inviteTx.Respond(res); err != nil {
		return errors.Wrap(err, "send 200 OK")
	}
	return nil
}

// Reject отклоняет звонящий входящий вызов.
func (t *Transport) Reject(ctx context.Context, h softphone.Handle) error {
	return t.rejectWith(h, 603, "Decline")
}

// RejectBusy тихо отказывает входящему вызову при занятых линиях.
func (t *Transport) RejectBusy(ctx context.Context, h softphone.Handle) error {
	return t.rejectWith(h, 486, "Busy Here")
}

func (t *Transport) rejectWith(h softphone.Handle, code int, reason string) error {
	l, err := t.asLeg(h)
	if err != nil {
		return err
	}
	if l.isUAC || l.inviteTx == nil {
		return errors.New("leg is not an unanswered incoming call")
	}

	res := sip.NewResponseFromRequest(l.inviteReq, code, reason, nil)
	addToTag(res, l.localTag)
	respondErr := l.inviteTx.Respond(res)
	t.removeLeg(l)
	if respondErr != nil {
		return errors.Wrapf(respondErr, "send %d", code)
	}
	return nil
}

// Cancel отменяет исходящий вызов до финального ответа.
func (t *Transport) Cancel(ctx context.Context, h softphone.Handle) error {
	l, err := t.asLeg(h)
	if err != nil {
		return err
	}
	if !l.isUAC {
		return errors.New("cancel applies to outgoing legs only")
	}

	// CANCEL повторяет Request-URI, Call-ID, From, To и номер CSeq
	// исходного INVITE (RFC 3261 9.1)
	req := sip.NewRequest(sip.CANCEL, l.inviteReq.Recipient)
	req.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	req.AppendHeader(l.inviteReq.From())
	req.AppendHeader(l.inviteReq.To())
	req.AppendHeader(&sip.CSeqHeader{SeqNo: l.inviteReq.CSeq().SeqNo, MethodName: sip.CANCEL})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	_, err = t.doRequest(ctx, req)
	return err
}

// Terminate завершает установленное плечо запросом BYE.
func (t *Transport) Terminate(ctx context.Context, h softphone.Handle) error {
	l, err := t.asLeg(h)
	if err != nil {
		return err
	}

	req := l.buildRequest(sip.BYE)
	res, err := t.doRequest(ctx, req)
	t.removeLeg(l)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return errors.Errorf("BYE rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// Renegotiate отправляет re-INVITE со сменой направления медиа:
// sendonly для удержания, sendrecv для возобновления.
func (t *Transport) Renegotiate(ctx context.Context, h softphone.Handle, hold bool) error {
	l, err := t.asLeg(h)
	if err != nil {
		return err
	}

	direction := DirectionSendRecv
	if hold {
		direction = DirectionSendOnly
	}
	body, err := buildSDP(defaultSDPConfig(t.cfg.MediaHost, t.cfg.MediaPort), direction)
	if err != nil {
		return err
	}

	req := l.buildRequest(sip.INVITE)
	req.AppendHeader(&t.contact)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	res, err := t.doRequest(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return errors.Errorf("re-INVITE rejected: %d %s", res.StatusCode, res.Reason)
	}

	l.mu.Lock()
	l.onHold = hold
	l.mu.Unlock()
	t.sendACK(l, res)
	return nil
}

// SendDigits отправляет DTMF цифры in-dialog запросами INFO
// (application/dtmf-relay).
func (t *Transport) SendDigits(ctx context.Context, h softphone.Handle, digits string) error {
	l, err := t.asLeg(h)
	if err != nil {
		return err
	}

	for _, digit := range digits {
		req := l.buildRequest(sip.INFO)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit)))

		res, err := t.doRequest(ctx, req)
		if err != nil {
			return err
		}
		if res.StatusCode >= 300 {
			return errors.Errorf("INFO rejected: %d %s", res.StatusCode, res.Reason)
		}
	}
	return nil
}

// TransferBlind выполняет слепой перевод запросом REFER.
// Принятый REFER (202) считается успехом перевода: дальнейший прогресс
// у цели ядро не отслеживает.
func (t *Transport) TransferBlind(ctx context.Context, h softphone.Handle, target string) error {
	l, err := t.asLeg(h)
	if err != nil {
		return err
	}

	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return errors.Wrapf(err, "invalid transfer target %q", target)
	}

	req := l.buildRequest(sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+uri.String()+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+l.localURI.String()+">"))

	res, err := t.doRequest(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return errors.Errorf("REFER rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// TransferAttendedComplete сращивает два плеча: REFER на оригинальном
// диалоге с Refer-To, указывающим на консультационный диалог через
// параметр Replaces (RFC 3891).
func (t *Transport) TransferAttendedComplete(ctx context.Context, original, consultation softphone.Handle) error {
	orig, err := t.asLeg(original)
	if err != nil {
		return err
	}
	cons, err := t.asLeg(consultation)
	if err != nil {
		return err
	}

	cons.mu.Lock()
	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", cons.callID, cons.remoteTag, cons.localTag)
	target := cons.remoteTarget
	if target.Host == "" {
		target = cons.remoteURI
	}
	cons.mu.Unlock()

	referTo := fmt.Sprintf("<%s?Replaces=%s>", target.String(), url.QueryEscape(replaces))

	req := orig.buildRequest(sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+orig.localURI.String()+">"))

	res, err := t.doRequest(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return errors.Errorf("REFER with Replaces rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// doRequest отправляет запрос и ждет финальный ответ.
func (t *Transport) doRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", req.Method)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, errors.Wrapf(err, "%s transaction", req.Method)
			}
			return nil, errors.Errorf("%s transaction terminated without response", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// --- входящая сигнализация ---

func (t *Transport) setupHandlers() {
	t.server.OnInvite(t.onInvite)
	t.server.OnAck(t.onAck)
	t.server.OnBye(t.onBye)
	t.server.OnCancel(t.onCancel)
	t.server.OnNotify(t.onNotify)

	t.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})

	t.server.OnRefer(func(req *sip.Request, tx sip.ServerTransaction) {
		// Входящие переводы от удаленной стороны не поддерживаются
		t.log.Debug("incoming REFER declined")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 603, "Decline", nil))
	})
}

func (t *Transport) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	if existing := t.legByCallID(callID); existing != nil {
		t.onReinvite(existing, req, tx)
		return
	}

	from := req.From()
	if from == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	l := &leg{
		id:           uuid.NewString(),
		callID:       callID,
		localTag:     randToken(8),
		localURI:     t.contact.Address,
		remoteURI:    from.Address,
		remoteTarget: from.Address,
		inviteReq:    req,
		inviteTx:     tx,
		cseq:         req.CSeq().SeqNo,
	}
	if tag, ok := from.Params["tag"]; ok {
		l.remoteTag = tag
	}
	if contact := req.GetHeader("Contact"); contact != nil {
		if uri, err := parseContact(contact.Value()); err == nil {
			l.remoteTarget = uri
		}
	}
	t.addLeg(l)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	addToTag(ringing, l.localTag)
	if err := tx.Respond(ringing); err != nil {
		t.log.Debug("failed to send 180", slog.String("error", err.Error()))
	}

	t.log.Debug("incoming INVITE",
		slog.String("callID", callID),
		slog.String("from", from.Address.User))

	if h := t.events(); h != nil {
		h.OnIncoming(l, from.Address.User, from.DisplayName)
	}
}

// onReinvite отвечает на re-INVITE удаленной стороны. Направление
// ответа зеркалит запрос: на sendonly (удержание) отвечаем recvonly.
func (t *Transport) onReinvite(l *leg, req *sip.Request, tx sip.ServerTransaction) {
	offerDir, err := parseDirection(req.Body())
	if err != nil {
		t.log.Debug("re-INVITE with unparseable SDP", slog.String("error", err.Error()))
	}

	answerDir := DirectionSendRecv
	if offerDir.isHold() {
		answerDir = DirectionRecvOnly
	}
	body, err := buildSDP(defaultSDPConfig(t.cfg.MediaHost, t.cfg.MediaPort), answerDir)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil))
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	addToTag(res, l.localTag)
	res.AppendHeader(&t.contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		t.log.Debug("failed to answer re-INVITE", slog.String("error", err.Error()))
		return
	}

	if h := t.events(); h != nil {
		h.OnRenegotiated(l)
	}
}

func (t *Transport) onAck(req *sip.Request, tx sip.ServerTransaction) {
	l := t.legByCallID(req.CallID().Value())
	if l == nil {
		return
	}

	l.mu.Lock()
	first := !l.established
	l.established = true
	l.inviteTx = nil
	l.mu.Unlock()

	if first {
		if h := t.events(); h != nil {
			h.OnEstablished(l)
		}
	}
}

func (t *Transport) onBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.log.Debug("failed to answer BYE", slog.String("error", err.Error()))
	}

	l := t.legByCallID(req.CallID().Value())
	if l == nil {
		return
	}
	t.removeLeg(l)
	if h := t.events(); h != nil {
		h.OnTerminated(l, "remote hangup")
	}
}

func (t *Transport) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	l := t.legByCallID(req.CallID().Value())
	if l == nil {
		return
	}

	l.mu.Lock()
	inviteTx, inviteReq := l.inviteTx, l.inviteReq
	l.inviteTx = nil
	l.mu.Unlock()

	if inviteTx != nil {
		terminated := sip.NewResponseFromRequest(inviteReq, 487, "Request Terminated", nil)
		addToTag(terminated, l.localTag)
		_ = inviteTx.Respond(terminated)
	}

	t.removeLeg(l)
	if h := t.events(); h != nil {
		h.OnTerminated(l, "remote cancel")
	}
}

// onNotify принимает NOTIFY о прогрессе REFER и подтверждает его.
// Исход слепого перевода ядро фиксирует по принятию REFER, поэтому
// sipfrag только логируется.
func (t *Transport) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	if event := req.GetHeader("Event"); event != nil {
		t.log.Debug("NOTIFY received",
			slog.String("event", event.Value()),
			slog.String("body", string(req.Body())))
	}
}

// --- вспомогательное ---

// addToTag добавляет локальный tag в To заголовок ответа UAS.
func addToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = make(sip.HeaderParams)
	}
	to.Params["tag"] = tag
}

// parseContact извлекает URI из значения Contact заголовка.
func parseContact(value string) (sip.Uri, error) {
	if len(value) >= 2 && value[0] == '<' {
		if end := strings.LastIndexByte(value, '>'); end > 0 {
			value = value[1:end]
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(value, &uri); err != nil {
		return sip.Uri{}, errors.Wrap(err, "parse contact")
	}
	return uri, nil
}

// randToken генерирует случайный тег для диалога.
func randToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
