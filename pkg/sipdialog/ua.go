// Package sipdialog subscribe-диалоги поверх sipgo: прием SUBSCRIBE,
// исходящие SUBSCRIBE на телефоны и маршрутизация запросов внутри диалога.
package sipdialog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/arzzra/presence/pkg/subscription"
	"github.com/arzzra/presence/pkg/watch"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	_ subscription.UA = (*UA)(nil)
	_ watch.UA        = (*UA)(nil)
)

// ErrClosed UA закрыт.
var ErrClosed = errors.New("user agent closed")

// Handler обработчик запроса вне диалога.
type Handler = subscription.RequestHandler

// UA SIP стек presence сервиса.
type UA struct {
	cfg Config
	log *slog.Logger

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	cli *sipgo.Client

	sessions *sessionMap

	mu       sync.RWMutex
	handlers map[sip.RequestMethod]Handler
	closed   bool

	// newTag и newCallID заменяются в тестах
	newTag    func() string
	newCallID func() string
}

// New создает sipgo UA, сервер и клиент. Прослушивание запускает ListenAndServe.
func New(cfg Config, logger *slog.Logger) (*UA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.Hostname),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}
	cli, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.Hostname))
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}

	u := &UA{
		cfg:       cfg,
		log:       logger.With(slog.String("component", "sipdialog")),
		ua:        ua,
		srv:       srv,
		cli:       cli,
		sessions:  newSessionMap(),
		handlers:  make(map[sip.RequestMethod]Handler),
		newTag:    func() string { return sip.RandString(8) },
		newCallID: uuid.NewString,
	}
	u.onRequests()
	return u, nil
}

func (u *UA) onRequests() {
	for _, method := range []sip.RequestMethod{sip.SUBSCRIBE, sip.NOTIFY, sip.PUBLISH, sip.REGISTER} {
		u.srv.OnRequest(method, func(req *sip.Request, tx sip.ServerTransaction) {
			u.route(context.Background(), req, tx)
		})
	}
	u.srv.OnRequest(sip.OPTIONS, func(req *sip.Request, tx sip.ServerTransaction) {
		u.reply(req, tx, sip.StatusOK, "OK")
	})
}

// OnRequest регистрирует обработчик запросов method вне диалога.
func (u *UA) OnRequest(method sip.RequestMethod, h Handler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[method] = h
}

// route направляет запрос в диалог по Call-ID и To-tag, иначе в обработчик метода.
func (u *UA) route(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	u.log.Debug("UA.route",
		slog.String("method", req.Method.String()),
		slog.String("source", req.Source()))

	callID := getCallID(req)
	if callID == "" {
		u.reply(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}

	if tag := GetToTag(req); tag != "" {
		d, ok := u.sessions.get(callID, tag)
		if !ok {
			u.reply(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
			return
		}
		d.handle(ctx, req, tx)
		return
	}

	u.mu.RLock()
	h, ok := u.handlers[req.Method]
	closed := u.closed
	u.mu.RUnlock()

	switch {
	case closed:
		u.reply(req, tx, sip.StatusServiceUnavailable, "Service Unavailable")
	case !ok:
		u.reply(req, tx, sip.StatusMethodNotAllowed, "Method Not Allowed")
	default:
		h(ctx, req, tx)
	}
}

// CreateUAS принимает подписку: создает диалог и отвечает 202.
func (u *UA) CreateUAS(_ context.Context, req *sip.Request, tx sipauth.Responder, opts subscription.UASOptions) (subscription.Dialog, error) {
	if u.isClosed() {
		return nil, ErrClosed
	}
	d := newUAS(u, req)
	if opts.Event != "" {
		d.event = opts.Event
	}
	u.sessions.put(d)

	res := sip.NewResponseFromRequest(req, sip.StatusAccepted, "Accepted", nil)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", d.localTag)
	}
	res.AppendHeader(u.contact())
	res.AppendHeader(sip.NewHeader("Expires", itoa(opts.Expires)))
	if err := tx.Respond(res); err != nil {
		u.sessions.delete(d)
		return nil, errors.Wrap(err, "respond 202")
	}

	d.connected.Store(true)
	d.log.Debug("UA.CreateUAS", slog.String("accept", opts.Accept))
	return d, nil
}

// CreateUAC подписывается на телефон. Вызов 401/407 отрабатывается один раз
// с паролем из Target.
func (u *UA) CreateUAC(ctx context.Context, t watch.Target) (watch.Dialog, error) {
	if u.isClosed() {
		return nil, ErrClosed
	}
	var contact sip.Uri
	if err := sip.ParseUri(t.Contact, &contact); err != nil {
		return nil, errors.Wrapf(err, "parse contact %q", t.Contact)
	}

	d := newUAC(u, contact, t)
	// NOTIFY может прийти раньше 2xx на SUBSCRIBE
	u.sessions.put(d)

	headers := []sip.Header{
		sip.NewHeader("Event", d.event),
		sip.NewHeader("Expires", itoa(t.Expires)),
		sip.NewHeader("Accept", t.AcceptValue()),
	}
	res, err := d.do(ctx, sip.SUBSCRIBE, headers, nil)
	if err != nil {
		u.sessions.delete(d)
		return nil, err
	}
	if !isSuccess(res) {
		u.sessions.delete(d)
		return nil, errors.Errorf("subscribe rejected with %d %s", res.StatusCode, res.Reason)
	}

	d.established(res)
	d.connected.Store(true)
	d.log.Debug("UA.CreateUAC", slog.Int("code", res.StatusCode))
	return d, nil
}

// ListenAndServe запускает все Listener и блокирует до отмены ctx.
func (u *UA) ListenAndServe(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range u.cfg.Listeners {
		g.Go(func() error {
			u.log.Info("SIP listener started",
				slog.String("transport", string(l.Type)),
				slog.String("address", l.Addr()))
			if err := u.srv.ListenAndServe(ctx, l.Type.Network(), l.Addr()); err != nil && ctx.Err() == nil {
				return errors.Wrapf(err, "listen %s %s", l.Type, l.Addr())
			}
			return nil
		})
	}
	return g.Wait()
}

// Close завершает все диалоги и закрывает транспорт.
func (u *UA) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	for _, d := range u.sessions.all() {
		d.terminate(false)
	}
	return u.ua.Close()
}

// Sessions количество живых диалогов.
func (u *UA) Sessions() int {
	return u.sessions.len()
}

func (u *UA) isClosed() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.closed
}

// contact наш Contact.
func (u *UA) contact() *sip.ContactHeader {
	return &sip.ContactHeader{Address: u.contactURI()}
}

func (u *UA) contactURI() sip.Uri {
	uri := sip.Uri{Scheme: "sip", Host: u.cfg.Hostname, Port: u.cfg.Port}
	if l := u.cfg.Listeners[0]; l.Type != TransportUDP {
		uri.UriParams = sip.NewParams().Add("transport", l.Type.Network())
	}
	return uri
}

func (u *UA) reply(req *sip.Request, tx sipauth.Responder, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		u.log.Error("UA.reply", slog.Int("code", code), slog.Any("error", err))
	}
}
