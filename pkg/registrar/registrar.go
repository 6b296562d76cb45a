// Package registrar принимает REGISTER телефонов, хранит привязки в памяти
// и сообщает о них в шину событиями register и unregister.
package registrar

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	DefaultExpires     = 3600
	DefaultMaxExpires  = 7200
	DefaultAuthTimeout = 10 * time.Second
)

// Options зависимости регистратора.
type Options struct {
	Lookup  sipauth.LookupFunc
	NewAuth sipauth.Factory
	Proxy   bool
	Bus     *events.Bus
	// DefaultExpires если телефон не указал срок
	DefaultExpires int
	// MaxExpires верхняя граница срока регистрации
	MaxExpires  int
	AuthTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.NewAuth == nil {
		o.NewAuth = sipauth.NewFactory(o.Proxy, "")
	}
	if o.DefaultExpires <= 0 {
		o.DefaultExpires = DefaultExpires
	}
	if o.MaxExpires <= 0 {
		o.MaxExpires = DefaultMaxExpires
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Bus == nil {
		o.Bus = events.NewBus(o.Logger)
	}
	return o
}

// Binding привязка AOR к контактам.
type Binding struct {
	UUID      string
	AOR       string
	Username  string
	Realm     string
	Contacts  []string
	Allow     []string
	Expires   int
	ExpiresAt time.Time
	Source    string

	timer *time.Timer
}

type pendingAuth struct {
	auth  *sipauth.Auth
	timer *time.Timer
}

// Registrar in-memory регистратор.
type Registrar struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
	// pending вызовы 401/407 по Call-ID
	pending map[string]*pendingAuth
	// authed пройденная аутентификация по source|user
	authed map[string]*sipauth.Auth
	closed bool
}

// New создает регистратор.
func New(opts Options) *Registrar {
	opts = opts.withDefaults()
	return &Registrar{
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "registrar")),
		bindings: make(map[string]*Binding),
		pending:  make(map[string]*pendingAuth),
		authed:   make(map[string]*sipauth.Auth),
	}
}

// HandleRegister обрабатывает REGISTER.
func (r *Registrar) HandleRegister(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	to := req.To()
	if to == nil {
		r.reply(req, tx, sip.StatusBadRequest, "Missing To")
		return
	}
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	auth := r.pendingFor(callID)
	if !auth.Has(req) {
		if err := auth.RequestAuth(req, tx); err != nil {
			r.log.Error("Registrar challenge", slog.Any("error", err))
		}
		return
	}

	user, ok := r.authorize(ctx, req, tx, auth, to)
	if !ok {
		return
	}
	r.forgetPending(callID)

	r.mu.Lock()
	r.authed[authKey(req.Source(), user.Username)] = auth
	r.mu.Unlock()

	aor := user.Entity()
	contacts, wildcard := contactList(req)
	expires := r.expires(req)

	if wildcard || expires == 0 {
		r.unbind(aor)
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		res.AppendHeader(sip.NewHeader("Expires", "0"))
		r.respond(res, tx)
		return
	}
	if len(contacts) == 0 {
		// запрос текущих привязок
		r.respondBindings(req, tx, aor)
		return
	}

	b := r.bind(aor, user, contacts, allowList(req), expires, req.Source())
	r.log.Info("Registrar bound",
		slog.String("aor", aor),
		slog.String("uuid", b.UUID),
		slog.Int("expires", b.Expires))
	r.respondBindings(req, tx, aor)
}

// authorize проверяет учетные данные. false означает, что ответ уже отправлен.
func (r *Registrar) authorize(ctx context.Context, req *sip.Request, tx sipauth.Responder, auth *sipauth.Auth, to *sip.ToHeader) (*sipauth.User, bool) {
	creds, err := auth.ParseAuthHeaders(req)
	if err != nil {
		r.fail(req, tx, "bad_credentials", "Bad auth")
		return nil, false
	}
	if !strings.EqualFold(creds.Realm, to.Address.Host) || creds.Username != to.Address.User {
		r.fail(req, tx, "inconsistent", "Inconsistent")
		return nil, false
	}
	if r.opts.Lookup == nil {
		r.fail(req, tx, "user", "User error")
		return nil, false
	}
	user, err := r.opts.Lookup(ctx, creds.Username, creds.Realm)
	if err != nil || user == nil {
		if err == nil {
			err = sipauth.ErrUserNotFound
		}
		r.log.Info("Registrar user lookup failed", slog.String("username", creds.Username), slog.String("error", err.Error()))
		r.fail(req, tx, "user", "User error")
		return nil, false
	}
	if !auth.VerifyAuth(req, creds, user.Secret) {
		if auth.Stale() {
			if err := auth.RequestAuth(req, tx); err != nil {
				r.log.Error("Registrar challenge", slog.Any("error", err))
			}
			return nil, false
		}
		r.fail(req, tx, "bad_verify", "Bad auth verify")
		return nil, false
	}
	return user, true
}

// expires срок регистрации: параметр expires первого Contact, затем
// заголовок Expires, затем DefaultExpires. Ограничен MaxExpires.
func (r *Registrar) expires(req *sip.Request) int {
	value := -1
	if c := req.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				value = n
			}
		}
	}
	if value < 0 {
		if h := req.GetHeader("Expires"); h != nil {
			if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
				value = n
			}
		}
	}
	if value < 0 {
		value = r.opts.DefaultExpires
	}
	if value > r.opts.MaxExpires {
		value = r.opts.MaxExpires
	}
	return value
}

func (r *Registrar) bind(aor string, user *sipauth.User, contacts, allow []string, expires int, source string) Binding {
	r.mu.Lock()
	b, ok := r.bindings[aor]
	if !ok {
		b = &Binding{
			UUID:     uuid.NewString(),
			AOR:      aor,
			Username: user.Username,
			Realm:    user.Realm,
		}
		r.bindings[aor] = b
	}
	b.Contacts = contacts
	b.Allow = allow
	b.Expires = expires
	b.ExpiresAt = time.Now().Add(time.Duration(expires) * time.Second)
	b.Source = source
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(time.Duration(expires)*time.Second, func() { r.expire(aor, b) })
	snapshot := *b
	count := len(r.bindings)
	r.mu.Unlock()

	r.opts.Metrics.RegistrationsSet(count)
	r.opts.Bus.Emit(events.TopicRegister, events.Register{
		UUID:      snapshot.UUID,
		Username:  snapshot.Username,
		Realm:     snapshot.Realm,
		Contacts:  append([]string(nil), snapshot.Contacts...),
		ExpiresIn: snapshot.Expires,
		Allow:     append([]string(nil), snapshot.Allow...),
	})
	return snapshot
}

func (r *Registrar) unbind(aor string) {
	r.mu.Lock()
	b, ok := r.bindings[aor]
	if ok {
		delete(r.bindings, aor)
		delete(r.authed, authKey(b.Source, b.Username))
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	count := len(r.bindings)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.log.Info("Registrar unbound", slog.String("aor", aor), slog.String("uuid", b.UUID))
	r.opts.Metrics.RegistrationsSet(count)
	r.opts.Bus.Emit(events.TopicUnregister, events.Unregister{UUID: b.UUID})
}

// expire срабатывает по таймеру, если привязку не обновили.
func (r *Registrar) expire(aor string, b *Binding) {
	r.mu.Lock()
	cur, ok := r.bindings[aor]
	if !ok || cur != b || time.Now().Before(cur.ExpiresAt) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.log.Debug("Registrar binding expired", slog.String("aor", aor))
	r.unbind(aor)
}

func (r *Registrar) respondBindings(req *sip.Request, tx sipauth.Responder, aor string) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	b, ok := r.Get(aor)
	if ok {
		remaining := int(time.Until(b.ExpiresAt).Round(time.Second) / time.Second)
		if remaining < 0 {
			remaining = 0
		}
		for _, c := range b.Contacts {
			var uri sip.Uri
			if err := sip.ParseUri(c, &uri); err != nil {
				continue
			}
			res.AppendHeader(&sip.ContactHeader{
				Address: uri,
				Params:  sip.NewParams().Add("expires", strconv.Itoa(remaining)),
			})
		}
		res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(remaining)))
	}
	r.respond(res, tx)
}

// GetAuth digest состояние последнего успешного REGISTER с того же адреса
// и от того же пользователя. nil, если такого не было.
func (r *Registrar) GetAuth(req *sip.Request) *sipauth.Auth {
	from := req.From()
	if from == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authed[authKey(req.Source(), from.Address.User)]
}

// Get привязка по AOR user@realm.
func (r *Registrar) Get(aor string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[aor]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Bindings снимок всех привязок.
func (r *Registrar) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, *b)
	}
	return out
}

// Close останавливает таймеры. События unregister не отправляются.
func (r *Registrar) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, b := range r.bindings {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	for _, p := range r.pending {
		p.timer.Stop()
	}
	r.bindings = make(map[string]*Binding)
	r.pending = make(map[string]*pendingAuth)
	r.authed = make(map[string]*sipauth.Auth)
}

// pendingFor Auth для Call-ID, живет AuthTimeout с момента создания.
func (r *Registrar) pendingFor(callID string) *sipauth.Auth {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[callID]; ok {
		return p.auth
	}
	p := &pendingAuth{auth: r.opts.NewAuth()}
	p.timer = time.AfterFunc(r.opts.AuthTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.pending[callID]; ok && cur == p {
			delete(r.pending, callID)
		}
	})
	r.pending[callID] = p
	return p.auth
}

func (r *Registrar) forgetPending(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[callID]; ok {
		p.timer.Stop()
		delete(r.pending, callID)
	}
}

func (r *Registrar) fail(req *sip.Request, tx sipauth.Responder, reason, phrase string) {
	r.opts.Metrics.AuthFailure(reason)
	r.reply(req, tx, sip.StatusForbidden, phrase)
}

func (r *Registrar) reply(req *sip.Request, tx sipauth.Responder, code int, reason string) {
	r.respond(sip.NewResponseFromRequest(req, code, reason, nil), tx)
}

func (r *Registrar) respond(res *sip.Response, tx sipauth.Responder) {
	if err := tx.Respond(res); err != nil {
		r.log.Error("Registrar.respond", slog.Int("code", int(res.StatusCode)), slog.Any("error", err))
	}
}

func authKey(source, user string) string {
	return source + "|" + user
}

// contactList адреса Contact. wildcard true для Contact: *.
func contactList(req *sip.Request) ([]string, bool) {
	var out []string
	for _, h := range req.GetHeaders("Contact") {
		if strings.TrimSpace(h.Value()) == "*" {
			return nil, true
		}
		if c, ok := h.(*sip.ContactHeader); ok {
			out = append(out, c.Address.String())
		}
	}
	return out, false
}

func allowList(req *sip.Request) []string {
	var out []string
	for _, h := range req.GetHeaders("Allow") {
		for _, m := range strings.Split(h.Value(), ",") {
			if m = strings.TrimSpace(m); m != "" {
				out = append(out, strings.ToUpper(m))
			}
		}
	}
	return out
}
