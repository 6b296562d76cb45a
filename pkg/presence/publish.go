package presence

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/presdoc"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// MaxPublishExpires верхняя граница Expires в ответе на PUBLISH.
const MaxPublishExpires = 3600

type pendingAuth struct {
	auth  *sipauth.Auth
	timer *time.Timer
}

// publisher PUBLISH от телефонов (RFC 3903). Состояние не хранится:
// разобранный документ уходит в шину как presence.status.in.
type publisher struct {
	svc     *Service
	log     *slog.Logger
	newAuth sipauth.Factory

	mu      sync.Mutex
	pending map[string]*pendingAuth
}

func newPublisher(svc *Service, newAuth sipauth.Factory) *publisher {
	return &publisher{
		svc:     svc,
		log:     svc.log.With(slog.String("method", "PUBLISH")),
		newAuth: newAuth,
		pending: make(map[string]*pendingAuth),
	}
}

func (p *publisher) handle(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	to := req.To()
	if to == nil || to.Address.User == "" || to.Address.Host == "" {
		p.reject(req, tx, sip.StatusBadRequest, "Bad To")
		return
	}
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	auth := p.pendingFor(callID)
	if !auth.Has(req) {
		if err := auth.RequestAuth(req, tx); err != nil {
			p.log.Error("Publish challenge", slog.Any("error", err))
		}
		return
	}
	user, ok := p.authorize(ctx, req, tx, auth, to.Address)
	if !ok {
		return
	}
	p.forget(callID)

	expires := MaxPublishExpires
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n >= 0 {
			expires = min(n, MaxPublishExpires)
		}
	}

	etag := ""
	if h := req.GetHeader("SIP-If-Match"); h != nil {
		etag = strings.TrimSpace(h.Value())
	}
	if etag == "" {
		etag = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	body := req.Body()
	if len(body) > 0 {
		contentType := ""
		if h := req.ContentType(); h != nil {
			contentType = h.Value()
		}
		fact, err := presdoc.Parse(contentType, body)
		if err != nil {
			p.log.Info("Publish body rejected", slog.String("contentType", contentType), slog.String("error", err.Error()))
			p.reject(req, tx, sip.StatusBadRequest, "Bad Request")
			return
		}

		status := events.Status{
			Fact:        fact,
			Entity:      user.Entity(),
			ContentType: presdoc.ParseContentType(contentType),
			Source:      publishSource(req),
		}
		p.svc.bus.Emit(events.StatusIn, status)
		if p.svc.opts.PublishEcho {
			p.svc.bus.Emit(events.StatusOut, status)
		}
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	res.AppendHeader(sip.NewHeader("SIP-ETag", etag))
	if err := tx.Respond(res); err != nil {
		p.log.Error("Publish respond", slog.Any("error", err))
	}
	p.svc.opts.Metrics.Publish(metrics.ResultOK)
}

// authorize проверяет, что PUBLISH подписан владельцем To.
// false означает, что ответ уже отправлен.
func (p *publisher) authorize(ctx context.Context, req *sip.Request, tx sipauth.Responder, auth *sipauth.Auth, aor sip.Uri) (*sipauth.User, bool) {
	creds, err := auth.ParseAuthHeaders(req)
	if err != nil {
		p.fail(req, tx, "bad_credentials", "Bad auth")
		return nil, false
	}
	if !strings.EqualFold(creds.Realm, aor.Host) || creds.Username != aor.User {
		p.log.Info("Publish for foreign entity",
			slog.String("username", creds.Username),
			slog.String("to", aor.User+"@"+aor.Host))
		p.fail(req, tx, "inconsistent", "Inconsistent")
		return nil, false
	}
	user, err := p.svc.opts.Lookup(ctx, creds.Username, creds.Realm)
	if err != nil || user == nil {
		if err == nil {
			err = sipauth.ErrUserNotFound
		}
		p.log.Info("Publish user lookup failed", slog.String("username", creds.Username), slog.String("error", err.Error()))
		p.fail(req, tx, "user", "User error")
		return nil, false
	}
	if !auth.VerifyAuth(req, creds, user.Secret) {
		if auth.Stale() {
			if err := auth.RequestAuth(req, tx); err != nil {
				p.log.Error("Publish challenge", slog.Any("error", err))
			}
			return nil, false
		}
		p.fail(req, tx, "bad_verify", "Bad auth verify")
		return nil, false
	}
	return user, true
}

func (p *publisher) pendingFor(callID string) *sipauth.Auth {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pa, ok := p.pending[callID]; ok {
		return pa.auth
	}
	pa := &pendingAuth{auth: p.newAuth()}
	pa.timer = time.AfterFunc(p.svc.opts.AuthTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if cur, ok := p.pending[callID]; ok && cur == pa {
			delete(p.pending, callID)
		}
	})
	p.pending[callID] = pa
	return pa.auth
}

func (p *publisher) forget(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pa, ok := p.pending[callID]; ok {
		pa.timer.Stop()
		delete(p.pending, callID)
	}
}

func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pa := range p.pending {
		pa.timer.Stop()
	}
	p.pending = make(map[string]*pendingAuth)
}

func (p *publisher) fail(req *sip.Request, tx sipauth.Responder, reason, phrase string) {
	p.svc.opts.Metrics.AuthFailure(reason)
	p.reject(req, tx, sip.StatusForbidden, phrase)
}

func (p *publisher) reject(req *sip.Request, tx sipauth.Responder, code int, reason string) {
	p.svc.opts.Metrics.Publish(metrics.ResultRejected)
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		p.log.Error("Publish respond", slog.Int("code", code), slog.Any("error", err))
	}
}

func publishSource(req *sip.Request) events.Source {
	src := events.Source{Event: sip.PUBLISH.String()}
	host, port, err := net.SplitHostPort(req.Source())
	if err == nil {
		src.Address = host
		src.Port, _ = strconv.Atoi(port)
	} else {
		src.Address = req.Source()
	}
	if c := req.Contact(); c != nil {
		src.Contact = c.Address.String()
	}
	return src
}
