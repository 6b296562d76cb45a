// Package subscription входящие SUBSCRIBE: аутентификация, согласование
// типа документа, таймеры и рассылка NOTIFY наблюдателю.
package subscription

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/presdoc"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// ErrDestroyed операция над уничтоженной подпиской.
var ErrDestroyed = errors.New("subscription destroyed")

// Subscription один наблюдатель, один subscribe-диалог.
//
// Методы безопасны для конкурентного вызова. Все NOTIFY одной подписки
// отправляются последовательно.
type Subscription struct {
	id      string
	entity  string
	callKey string
	uri     sip.Uri

	opts *Options
	log  *slog.Logger
	fsm  *fsm.FSM

	// updateMu сериализует входящие SUBSCRIBE: повторы от телефона не
	// должны создать второй диалог
	updateMu sync.Mutex

	mu          sync.Mutex
	auth        *sipauth.Auth
	user        *sipauth.User
	authed      bool
	established bool
	accept      presdoc.ContentType
	expires     int
	expiresAt   time.Time
	dialog      Dialog
	lastInfo    *events.Registration

	authTask   task
	expireTask task

	// sendMu сериализует NOTIFY, под ним меняются version и voicemailInit
	sendMu        sync.Mutex
	version       atomic.Uint64
	voicemailInit bool

	destroyed atomic.Bool
}

func newSubscription(req *sip.Request, opts *Options) *Subscription {
	s := &Subscription{
		id:       uuid.NewString(),
		uri:      req.Recipient,
		callKey:  CallKey(req),
		opts:     opts,
	}
	s.entity = s.uri.User + "@" + s.uri.Host
	s.log = opts.Logger.With(
		slog.String("subscriptionID", s.id),
		slog.String("entity", s.entity),
		slog.String("callKey", s.callKey))
	s.initFSM()
	return s
}

// Create обрабатывает первый SUBSCRIBE вне диалога. Возвращаемая подписка
// может быть уже уничтожена, если запрос отклонен.
func Create(ctx context.Context, req *sip.Request, tx sipauth.Responder, opts *Options) *Subscription {
	opts = opts.withDefaults()
	s := newSubscription(req, opts)

	if s.uri.User == "" || s.uri.Host == "" {
		s.reject(req, tx, sip.StatusBadRequest, "Bad URI")
		s.Destroy()
		return s
	}

	expires, ok := GetExpires(req)
	if !ok {
		s.reject(req, tx, sip.StatusBadRequest, "No valid expires")
		s.Destroy()
		return s
	}

	s.mu.Lock()
	s.expires = expires
	s.expiresAt = time.Now().Add(time.Duration(expires) * time.Second)
	s.mu.Unlock()

	opts.Store.Put(s)
	s.log.Debug("Subscription.Create", slog.Int("expires", expires))

	var auth *sipauth.Auth
	if opts.Registrar != nil {
		auth = opts.Registrar.GetAuth(req)
	}
	if auth == nil {
		auth = opts.NewAuth()
	}
	s.mu.Lock()
	s.auth = auth
	s.mu.Unlock()

	if !auth.Has(req) {
		s.challenge(req, tx)
		return s
	}
	s.Update(ctx, req, tx)
	return s
}

// Update обрабатывает повторный SUBSCRIBE: ответ на вызов аутентификации
// или обновление внутри диалога. Тип документа повторно не согласуется.
func (s *Subscription) Update(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.destroyed.Load() {
		s.reject(req, tx, sip.StatusCallTransactionDoesNotExists, "Subscription does not exist")
		return
	}
	if s.State() == StateActive {
		s.setState(StateRefreshing)
	}

	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	if !auth.Has(req) {
		s.challenge(req, tx)
		return
	}
	if !s.updateAuth(ctx, req, tx) {
		return
	}

	expires, ok := GetExpires(req)
	if !ok {
		s.reject(req, tx, sip.StatusBadRequest, "No valid expires")
		s.Destroy()
		return
	}
	if expires == 0 {
		s.respond(req, tx, sip.StatusOK, "OK", expires)
		s.Destroy()
		return
	}

	s.mu.Lock()
	s.expires = expires
	s.expiresAt = time.Now().Add(time.Duration(expires) * time.Second)
	s.authed = true
	s.mu.Unlock()
	if s.State() != StateRefreshing {
		s.setState(StateAuthenticated)
	}

	accept, ok := s.negotiate(req)
	if !ok {
		s.opts.Metrics.AuthFailure("not_acceptable")
		s.reject(req, tx, sip.StatusNotAcceptable, "Not Acceptable")
		s.Destroy()
		return
	}

	s.mu.Lock()
	d := s.dialog
	s.mu.Unlock()

	if d == nil {
		created, err := s.opts.UA.CreateUAS(ctx, req, tx, UASOptions{Accept: accept.String(), Event: notifyEvent(accept), Expires: expires})
		if err != nil {
			s.log.Error("Subscription.Update create dialog", slog.Any("error", err))
			s.Destroy()
			return
		}
		// таймер или транспорт могли уничтожить подписку пока создавался диалог
		if s.destroyed.Load() {
			created.Destroy()
			return
		}
		s.bindDialog(created)
	} else {
		s.respond(req, tx, sip.StatusAccepted, "Accepted", expires)
	}

	s.expireTask.arm(time.Duration(expires)*time.Second, s.onExpire)
	s.setState(StateActive)
	s.announce()
}

// updateAuth проверяет учетные данные. false означает, что ответ уже отправлен.
func (s *Subscription) updateAuth(ctx context.Context, req *sip.Request, tx sipauth.Responder) bool {
	s.mu.Lock()
	auth := s.auth
	user := s.user
	s.mu.Unlock()

	creds, err := auth.ParseAuthHeaders(req)
	if err != nil {
		s.failAuth(req, tx, "bad_credentials", "Bad auth")
		return false
	}

	if user == nil {
		found, err := s.opts.Lookup(ctx, creds.Username, creds.Realm)
		if s.destroyed.Load() {
			return false
		}
		if err != nil || found == nil {
			if err == nil {
				err = sipauth.ErrUserNotFound
			}
			s.log.Info("Subscription user lookup failed",
				slog.String("username", creds.Username),
				slog.String("realm", creds.Realm),
				slog.String("error", err.Error()))
			s.failAuth(req, tx, "user", "User error")
			return false
		}
		s.mu.Lock()
		if s.user == nil {
			s.user = found
		}
		user = s.user
		s.mu.Unlock()
	}

	if user.Username != creds.Username || user.Realm != creds.Realm {
		s.failAuth(req, tx, "inconsistent", "Inconsistent")
		return false
	}

	s.authTask.cancel()

	if !auth.VerifyAuth(req, creds, user.Secret) {
		if auth.Stale() {
			s.challenge(req, tx)
			return false
		}
		s.failAuth(req, tx, "bad_verify", "Bad auth verify")
		return false
	}

	if !strings.EqualFold(user.Realm, s.uri.Host) {
		s.failAuth(req, tx, "domain", "Forbidden")
		return false
	}
	return true
}

func (s *Subscription) failAuth(req *sip.Request, tx sipauth.Responder, reason, phrase string) {
	s.opts.Metrics.AuthFailure(reason)
	s.reject(req, tx, sip.StatusForbidden, phrase)
	s.Destroy()
}

func (s *Subscription) challenge(req *sip.Request, tx sipauth.Responder) {
	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	if err := auth.RequestAuth(req, tx); err != nil {
		s.log.Error("Subscription.challenge", slog.Any("error", err))
		s.Destroy()
		return
	}
	s.authTask.arm(s.opts.AuthTimeout, s.onAuthTimeout)
	s.setState(StateAwaitingAuth)
}

// negotiate выбирает первый поддерживаемый тип из Accept. Выбранный тип
// закрепляется за подпиской навсегда.
func (s *Subscription) negotiate(req *sip.Request) (presdoc.ContentType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accept != "" {
		return s.accept, true
	}

	accepts := acceptList(req)
	if len(accepts) == 0 {
		accepts = []string{presdoc.ContentTypePIDF.String()}
	}
	for _, a := range accepts {
		if ct := presdoc.ParseContentType(a); ct.Supported() {
			s.accept = ct
			s.opts.Metrics.SubscriptionCreated(ct.String())
			return ct, true
		}
	}
	return "", false
}

func (s *Subscription) bindDialog(d Dialog) {
	s.mu.Lock()
	s.dialog = d
	s.mu.Unlock()

	d.OnSubscribe(s.Update)
	d.OnUnsubscribe(s.Destroy)
	d.OnDestroy(s.Destroy)
	s.log.Debug("Subscription dialog bound", slog.String("dialogID", d.ID()))
}

// announce сообщает о новом наблюдателе один раз за жизнь подписки.
func (s *Subscription) announce() {
	s.mu.Lock()
	if s.established {
		s.mu.Unlock()
		return
	}
	s.established = true
	info := events.Subscribe{
		ContentType: s.accept,
		Entity:      s.entity,
		Expires:     s.expires,
		CallKey:     s.callKey,
	}
	s.mu.Unlock()

	topic := events.SubscribeIn
	if info.ContentType == presdoc.ContentTypeMessageSummary {
		topic = events.VoicemailIn
	}
	s.opts.Bus.Emit(topic, info)
}

func (s *Subscription) onAuthTimeout() {
	s.log.Info("Subscription auth timeout")
	s.Destroy()
}

func (s *Subscription) onExpire() {
	s.log.Info("Subscription expired")
	s.Destroy()
}

// Destroy завершает подписку. Повторные вызовы ничего не делают.
func (s *Subscription) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	prev := s.State()

	s.authTask.cancel()
	s.expireTask.cancel()

	s.mu.Lock()
	d := s.dialog
	s.mu.Unlock()

	s.opts.Store.Remove(s)
	s.setState(StateDestroyed)

	if d != nil && d.Connected() {
		d.Destroy()
	}
	s.opts.Metrics.SubscriptionDestroyed(prev.String())
	s.log.Debug("Subscription.Destroy", slog.String("state", prev.String()))
}

func (s *Subscription) respond(req *sip.Request, tx sipauth.Responder, code int, reason string, expires int) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if err := tx.Respond(res); err != nil {
		s.log.Error("Subscription.respond", slog.Int("code", code), slog.Any("error", err))
	}
}

func (s *Subscription) reject(req *sip.Request, tx sipauth.Responder, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error("Subscription.reject", slog.Int("code", code), slog.Any("error", err))
	}
}

// ID уникальный идентификатор подписки.
func (s *Subscription) ID() string {
	return s.id
}

// Entity user@host на которого подписан наблюдатель.
func (s *Subscription) Entity() string {
	return s.entity
}

// CallKey callid@host:port.
func (s *Subscription) CallKey() string {
	return s.callKey
}

// State текущее состояние автомата.
func (s *Subscription) State() State {
	return State(s.fsm.Current())
}

// Accept согласованный тип документа или пустая строка.
func (s *Subscription) Accept() presdoc.ContentType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accept
}

// Expires согласованное время подписки в секундах.
func (s *Subscription) Expires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expires
}

// Authed прошла ли подписка аутентификацию.
func (s *Subscription) Authed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// User учетная запись наблюдателя после аутентификации.
func (s *Subscription) User() *sipauth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Version номер следующего документа dialog-info, 0 пока документ не строился.
func (s *Subscription) Version() uint64 {
	return s.version.Load()
}

// Destroyed уничтожена ли подписка.
func (s *Subscription) Destroyed() bool {
	return s.destroyed.Load()
}

// remaining оставшееся время подписки в секундах.
func (s *Subscription) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	left := time.Until(s.expiresAt)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}
