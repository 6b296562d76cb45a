package watch

import (
	"context"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/presdoc"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
)

var subscriptionStateRe = regexp.MustCompile(`(?i)^\s*(active|pending|init)`)

// handleNotify проверяет NOTIFY от телефона и публикует его содержимое.
func (w *Watch) handleNotify(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	if w.destroyed.Load() {
		w.reply(req, tx, sip.StatusCallTransactionDoesNotExists, "Subscription does not exist")
		return
	}
	if !w.authorize(ctx, req, tx) {
		return
	}

	state := ""
	if h := req.GetHeader("Subscription-State"); h != nil {
		state = h.Value()
	}
	if !subscriptionStateRe.MatchString(state) {
		w.reply(req, tx, sip.StatusBadRequest, "Bad Subscription-State")
		return
	}
	if expiresParam(state) == 0 {
		w.reply(req, tx, sip.StatusOK, "OK")
		w.Destroy()
		return
	}

	body := req.Body()
	if len(body) == 0 {
		w.reply(req, tx, sip.StatusOK, "OK")
		return
	}

	contentType := ""
	if h := req.ContentType(); h != nil {
		contentType = h.Value()
	}
	fact, err := presdoc.Parse(contentType, body)
	if err != nil {
		w.log.Info("Watch NOTIFY body rejected",
			slog.String("contentType", contentType),
			slog.String("error", err.Error()))
		w.reply(req, tx, sip.StatusBadRequest, "Bad Request")
		return
	}

	w.ctrl.opts.Bus.Emit(events.StatusIn, events.Status{
		Fact:        fact,
		Entity:      w.entity,
		ContentType: presdoc.ParseContentType(contentType),
		Source:      notifySource(req),
	})
	w.reply(req, tx, sip.StatusOK, "OK")
}

// authorize проверяет digest NOTIFY против учетной записи телефона.
// false означает, что ответ уже отправлен.
func (w *Watch) authorize(ctx context.Context, req *sip.Request, tx sipauth.Responder) bool {
	w.mu.Lock()
	auth := w.auth
	user := w.user
	info := w.info
	w.mu.Unlock()

	if !auth.Has(req) {
		if err := auth.RequestAuth(req, tx); err != nil {
			w.log.Error("Watch challenge", slog.Any("error", err))
		}
		return false
	}

	creds, err := auth.ParseAuthHeaders(req)
	if err != nil {
		w.fail(req, tx, "bad_credentials", "Bad auth")
		return false
	}
	if creds.Username != info.Username || !strings.EqualFold(creds.Realm, info.Realm) {
		w.fail(req, tx, "inconsistent", "Inconsistent")
		return false
	}

	if user == nil {
		if w.ctrl.opts.Lookup == nil {
			w.fail(req, tx, "user", "User error")
			return false
		}
		found, err := w.ctrl.opts.Lookup(ctx, creds.Username, creds.Realm)
		if err != nil || found == nil {
			if err == nil {
				err = sipauth.ErrUserNotFound
			}
			w.log.Info("Watch user lookup failed", slog.String("error", err.Error()))
			w.fail(req, tx, "user", "User error")
			return false
		}
		w.mu.Lock()
		if w.user == nil {
			w.user = found
		}
		user = w.user
		w.mu.Unlock()
	}

	if !auth.VerifyAuth(req, creds, user.Secret) {
		if auth.Stale() {
			if err := auth.RequestAuth(req, tx); err != nil {
				w.log.Error("Watch challenge", slog.Any("error", err))
			}
			return false
		}
		w.fail(req, tx, "bad_verify", "Bad auth verify")
		return false
	}
	return true
}

func (w *Watch) fail(req *sip.Request, tx sipauth.Responder, reason, phrase string) {
	w.ctrl.opts.Metrics.AuthFailure(reason)
	w.reply(req, tx, sip.StatusForbidden, phrase)
}

func (w *Watch) reply(req *sip.Request, tx sipauth.Responder, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		w.log.Error("Watch.reply", slog.Int("code", code), slog.Any("error", err))
	}
}

// expiresParam значение expires= в Subscription-State, -1 если его нет.
func expiresParam(state string) int {
	parts := strings.Split(state, ";")
	for _, p := range parts[1:] {
		name, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "expires") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return -1
}

func notifySource(req *sip.Request) events.Source {
	src := events.Source{Event: sip.NOTIFY.String()}
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
