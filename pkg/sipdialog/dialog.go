package sipdialog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/arzzra/presence/pkg/subscription"
	"github.com/arzzra/presence/pkg/watch"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

var (
	_ subscription.Dialog = (*Dialog)(nil)
	_ watch.Dialog        = (*Dialog)(nil)
)

// finalRequestTimeout сколько ждать ответ на завершающий NOTIFY/SUBSCRIBE.
const finalRequestTimeout = 5 * time.Second

type dualValue struct {
	value string
}

var (
	UAC = dualValue{"UAC"}
	UAS = dualValue{"UAS"}
)

func (d dualValue) String() string {
	return d.value
}

// Dialog subscribe-диалог RFC 6665.
type Dialog struct {
	ua     *UA
	log    *slog.Logger
	uaType dualValue

	callID   sip.CallIDHeader
	localTag string
	event    string

	// local и remote адреса From/To со стороны этого UA
	local  sip.Uri
	remote sip.Uri

	// учетные данные для ответа на вызов телефона (только UAC)
	username string
	password string

	localCSeq atomic.Uint32

	mu           sync.Mutex
	remoteTag    string
	remoteTarget sip.Uri
	routeSet     []sip.Uri
	// destination адрес источника первого запроса, NOTIFY уходят туда же
	destination string

	handlersMu  sync.Mutex
	onSubscribe subscription.RequestHandler
	onUnsub     func()
	onDestroy   func()
	onNotify    subscription.RequestHandler

	connected atomic.Bool
}

func newUAS(u *UA, req *sip.Request) *Dialog {
	d := &Dialog{
		ua:          u,
		uaType:      UAS,
		callID:      sip.CallIDHeader(getCallID(req)),
		localTag:    u.newTag(),
		event:       "presence",
		local:       req.Recipient,
		remoteTag:   GetFromTag(req),
		destination: req.Source(),
		routeSet:    recordRoute(req),
	}
	if h := req.GetHeader("Event"); h != nil && h.Value() != "" {
		d.event = h.Value()
	}
	if to := req.To(); to != nil {
		d.local = to.Address
	}
	if from := req.From(); from != nil {
		d.remote = from.Address
		d.remoteTarget = from.Address
	}
	if c := req.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	d.log = u.log.With(
		slog.String("dialogID", d.ID()),
		slog.String("uaType", d.uaType.String()))
	return d
}

func newUAC(u *UA, contact sip.Uri, t watch.Target) *Dialog {
	aor := sip.Uri{Scheme: "sip", User: t.Username, Host: t.Realm}
	d := &Dialog{
		ua:           u,
		uaType:       UAC,
		callID:       sip.CallIDHeader(u.newCallID()),
		localTag:     u.newTag(),
		event:        t.Event,
		local:        aor,
		remote:       aor,
		remoteTarget: contact,
		username:     t.Username,
		password:     t.Password,
	}
	if d.event == "" {
		d.event = "presence"
	}
	d.log = u.log.With(
		slog.String("dialogID", d.ID()),
		slog.String("uaType", d.uaType.String()))
	return d
}

func (d *Dialog) key() sessionKey {
	return sessionKey{callID: string(d.callID), localTag: d.localTag}
}

// ID callID:localTag.
func (d *Dialog) ID() string {
	return string(d.callID) + ":" + d.localTag
}

// LocalTag наш тег.
func (d *Dialog) LocalTag() string {
	return d.localTag
}

// RemoteTag тег удаленной стороны.
func (d *Dialog) RemoteTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTag
}

func (d *Dialog) OnSubscribe(h subscription.RequestHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.onSubscribe = h
}

func (d *Dialog) OnUnsubscribe(f func()) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.onUnsub = f
}

func (d *Dialog) OnDestroy(f func()) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.onDestroy = f
}

func (d *Dialog) OnNotify(h subscription.RequestHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.onNotify = h
}

// Connected диалог установлен и не завершен.
func (d *Dialog) Connected() bool {
	return d.connected.Load()
}

// Request отправляет запрос внутри диалога и ждет финальный ответ.
func (d *Dialog) Request(ctx context.Context, method sip.RequestMethod, headers []sip.Header, body []byte) (*sip.Response, error) {
	if !d.connected.Load() {
		return nil, errors.New("dialog is not connected")
	}
	return d.do(ctx, method, headers, body)
}

// Destroy завершает диалог с нашей стороны: UAS отправляет NOTIFY
// terminated, UAC отправляет SUBSCRIBE Expires: 0. Ответ не ждется.
func (d *Dialog) Destroy() {
	d.terminate(true)
}

func (d *Dialog) terminate(notifyRemote bool) {
	if !d.connected.CompareAndSwap(true, false) {
		d.ua.sessions.delete(d)
		return
	}
	d.ua.sessions.delete(d)
	d.log.Debug("Dialog.Destroy")
	if !notifyRemote {
		return
	}

	method := sip.NOTIFY
	headers := []sip.Header{
		sip.NewHeader("Event", d.event),
		sip.NewHeader("Subscription-State", "terminated;reason=noresource"),
	}
	if d.uaType == UAC {
		method = sip.SUBSCRIBE
		headers = []sip.Header{
			sip.NewHeader("Event", d.event),
			sip.NewHeader("Expires", "0"),
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), finalRequestTimeout)
		defer cancel()
		if _, err := d.do(ctx, method, headers, nil); err != nil {
			d.log.Debug("Dialog final request", slog.String("method", method.String()), slog.String("error", err.Error()))
		}
	}()
}

// remoteEnd диалог завершен удаленной стороной.
func (d *Dialog) remoteEnd() {
	if !d.connected.CompareAndSwap(true, false) {
		return
	}
	d.ua.sessions.delete(d)

	d.handlersMu.Lock()
	h := d.onDestroy
	d.handlersMu.Unlock()
	d.log.Debug("Dialog ended by remote")
	if h != nil {
		h()
	}
}

// handle запрос внутри диалога.
func (d *Dialog) handle(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	d.mu.Lock()
	if c := req.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	d.mu.Unlock()

	d.handlersMu.Lock()
	onSubscribe, onUnsub, onNotify := d.onSubscribe, d.onUnsub, d.onNotify
	d.handlersMu.Unlock()

	switch req.Method {
	case sip.SUBSCRIBE:
		if d.uaType != UAS {
			d.ua.reply(req, tx, sip.StatusMethodNotAllowed, "Method Not Allowed")
			return
		}
		if requestExpires(req) == 0 {
			res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
			res.AppendHeader(sip.NewHeader("Expires", "0"))
			if err := tx.Respond(res); err != nil {
				d.log.Error("Dialog unsubscribe respond", slog.Any("error", err))
			}
			d.terminate(true)
			if onUnsub != nil {
				onUnsub()
			}
			return
		}
		if onSubscribe == nil {
			d.ua.reply(req, tx, sip.StatusCallTransactionDoesNotExists, "Subscription does not exist")
			return
		}
		onSubscribe(ctx, req, tx)

	case sip.NOTIFY:
		if d.uaType != UAC {
			d.ua.reply(req, tx, sip.StatusMethodNotAllowed, "Method Not Allowed")
			return
		}
		d.mu.Lock()
		if d.remoteTag == "" {
			d.remoteTag = GetFromTag(req)
		}
		d.mu.Unlock()

		if onNotify != nil {
			onNotify(ctx, req, tx)
		} else {
			d.ua.reply(req, tx, sip.StatusOK, "OK")
		}
		if isTerminated(req) {
			d.remoteEnd()
		}

	default:
		d.ua.reply(req, tx, sip.StatusMethodNotAllowed, "Method Not Allowed")
	}
}

// established запоминает параметры диалога из 2xx на исходящий SUBSCRIBE.
func (d *Dialog) established(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tag := GetToTag(res); tag != "" {
		d.remoteTag = tag
	}
	if c := res.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	if rr := recordRoute(res); len(rr) > 0 {
		d.routeSet = reversed(rr)
	}
}

// makeRequest строит запрос внутри диалога.
func (d *Dialog) makeRequest(method sip.RequestMethod) *sip.Request {
	d.mu.Lock()
	target := d.remoteTarget
	remoteTag := d.remoteTag
	routes := d.routeSet
	destination := d.destination
	d.mu.Unlock()

	req := sip.NewRequest(method, target)

	from := sip.FromHeader{Address: d.local, Params: sip.NewParams().Add("tag", d.localTag)}
	req.AppendHeader(&from)
	to := sip.ToHeader{Address: d.remote, Params: sip.NewParams()}
	if remoteTag != "" {
		to.Params.Add("tag", remoteTag)
	}
	req.AppendHeader(&to)

	callID := d.callID
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.localCSeq.Add(1), MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(d.ua.contact())
	req.AppendHeader(sip.NewHeader("User-Agent", d.ua.cfg.UserAgent))

	for _, r := range routes {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	if destination != "" && len(routes) == 0 {
		req.SetDestination(destination)
	}
	return req
}

// do отправляет запрос и ждет финальный ответ. На 401/407 повторяет
// запрос с ответом на вызов, если известен пароль.
func (d *Dialog) do(ctx context.Context, method sip.RequestMethod, headers []sip.Header, body []byte) (*sip.Response, error) {
	build := func() *sip.Request {
		req := d.makeRequest(method)
		for _, h := range headers {
			req.AppendHeader(h)
		}
		if body != nil {
			req.SetBody(body)
		}
		return req
	}

	req := build()
	res, err := d.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.password == "" || (res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired) {
		return res, nil
	}

	chalName, authName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		chalName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	chal := res.GetHeader(chalName)
	if chal == nil {
		return res, nil
	}
	value, err := sipauth.Answer(chal.Value(), method, req.Recipient.String(), d.username, d.password)
	if err != nil {
		return nil, errors.Wrap(err, "answer challenge")
	}

	retry := build()
	retry.AppendHeader(sip.NewHeader(authName, value))
	return d.send(ctx, retry)
}

func (d *Dialog) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := d.ua.cli.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
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
			return nil, errors.Errorf("%s transaction terminated", req.Method)
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "%s wait response", req.Method)
		}
	}
}
