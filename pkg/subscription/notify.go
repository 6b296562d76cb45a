package subscription

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/presdoc"
	"github.com/emiago/sipgo/sip"
)

const reasonInit = "init"

// ready возвращает диалог и тип документа, если подписка может слать NOTIFY.
func (s *Subscription) ready() (Dialog, presdoc.ContentType, bool) {
	if s.destroyed.Load() {
		return nil, "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed || s.dialog == nil {
		return nil, "", false
	}
	return s.dialog, s.accept, true
}

// NotifyVoicemail отправляет message-summary. Повторная начальная рассылка
// (Reason "init") подавляется.
func (s *Subscription) NotifyVoicemail(ctx context.Context, info events.Voicemail) {
	d, accept, ok := s.ready()
	if !ok || accept != presdoc.ContentTypeMessageSummary {
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if info.Reason == reasonInit && s.voicemailInit {
		return
	}
	s.voicemailInit = true

	body := presdoc.MessageSummaryBody(s.entity, info.Summary())
	s.send(ctx, d, "message-summary", s.headers(accept), body)
}

// NotifyDialog отправляет dialog-info. Полный список уходит первым
// документом state=full, остальные state=partial, каждый со своей версией.
// Перед этим по последнему известному состоянию регистрации пересчитывается
// pidf/xpidf статус с новым числом вызовов.
func (s *Subscription) NotifyDialog(ctx context.Context, info events.Dialog) {
	d, accept, ok := s.ready()
	if !ok {
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	last := s.lastInfo
	s.mu.Unlock()
	if last != nil {
		s.notifyRegistrationLocked(ctx, d, accept, events.Registration{
			Entity:    last.Entity,
			Status:    last.Status,
			CallCount: info.CallCount,
		})
	}

	if s.destroyed.Load() || accept != presdoc.ContentTypeDialogInfo {
		return
	}

	entity := info.Entity
	if entity == "" {
		entity = s.entity
	}
	if s.version.Load() == 0 {
		s.version.Store(1)
	}
	headers := s.headers(accept)

	if info.Partial != nil {
		body := presdoc.DialogInfo(s.version.Load(), presdoc.StatePartial, entity, info.Display, info.Partial)
		if s.send(ctx, d, "dialog-info", headers, body) {
			s.version.Add(1)
		}
		return
	}

	if len(info.Full) == 0 {
		body := presdoc.DialogInfo(s.version.Load(), presdoc.StateFull, entity, info.Display, nil)
		if s.send(ctx, d, "dialog-info", headers, body) {
			s.version.Add(1)
		}
		return
	}

	for i := range info.Full {
		state := presdoc.StatePartial
		if i == 0 {
			state = presdoc.StateFull
		}
		body := presdoc.DialogInfo(s.version.Load(), state, entity, info.Display, &info.Full[i])
		if !s.send(ctx, d, "dialog-info", headers, body) {
			return
		}
		s.version.Add(1)
	}
}

// NotifyRegistration отправляет pidf/xpidf статус по состоянию регистрации
// и запоминает его для NotifyDialog.
func (s *Subscription) NotifyRegistration(ctx context.Context, info events.Registration) {
	d, accept, ok := s.ready()
	if !ok {
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.notifyRegistrationLocked(ctx, d, accept, info)
}

func (s *Subscription) notifyRegistrationLocked(ctx context.Context, d Dialog, accept presdoc.ContentType, info events.Registration) {
	s.mu.Lock()
	stored := info
	s.lastInfo = &stored
	s.mu.Unlock()

	entity := info.Entity
	if entity == "" {
		entity = s.entity
	}

	var body []byte
	switch accept {
	case presdoc.ContentTypePIDF:
		switch {
		case info.Registered() && info.CallCount > 0:
			body = presdoc.GenPIDF(entity, "closed", "Talking", presdoc.ActivityOnThePhone)
		case info.Registered():
			body = presdoc.GenPIDF(entity, "open", "Available", "")
		default:
			body = presdoc.GenPIDF(entity, "closed", "Unavailable", "")
		}
	case presdoc.ContentTypeXPIDF:
		switch {
		case info.Registered() && info.CallCount > 0:
			body = presdoc.GenXPIDF(entity, "closed", "Busy", "busy")
		case info.Registered():
			body = presdoc.GenXPIDF(entity, "open", "Available", "online")
		default:
			body = presdoc.GenXPIDF(entity, "closed", "Offline", "away")
		}
	default:
		return
	}
	s.send(ctx, d, docType(accept), s.headers(accept), body)
}

// NotifyCheckSync просит телефон перечитать конфигурацию (перезагрузиться).
func (s *Subscription) NotifyCheckSync(ctx context.Context) {
	d, accept, ok := s.ready()
	if !ok || accept != presdoc.ContentTypeMessageSummary {
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	headers := []sip.Header{
		sip.NewHeader("Event", "check-sync"),
		sip.NewHeader("Subscription-State", "terminated;reason=noresource"),
	}
	s.send(ctx, d, "check-sync", headers, nil)
}

// NotifyStatus отправляет опубликованный факт наблюдателям pidf/xpidf.
func (s *Subscription) NotifyStatus(ctx context.Context, st events.Status) {
	d, accept, ok := s.ready()
	if !ok {
		return
	}
	if accept != presdoc.ContentTypePIDF && accept != presdoc.ContentTypeXPIDF {
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	entity := st.Entity
	if entity == "" {
		entity = s.entity
	}
	body, err := presdoc.Render(accept, entity, st.Fact)
	if err != nil {
		s.log.Error("Subscription.NotifyStatus render", slog.Any("error", err))
		return
	}
	s.send(ctx, d, docType(accept), s.headers(accept), body)
}

func (s *Subscription) headers(accept presdoc.ContentType) []sip.Header {
	ct := sip.ContentTypeHeader(accept.String())
	return []sip.Header{
		&ct,
		sip.NewHeader("Subscription-State", "active;expire="+strconv.Itoa(s.remaining())),
		sip.NewHeader("Event", notifyEvent(accept)),
	}
}

// send отправляет NOTIFY. Неуспешный ответ или ошибка транспорта
// завершают подписку: наблюдатель считается ушедшим.
func (s *Subscription) send(ctx context.Context, d Dialog, kind string, headers []sip.Header, body []byte) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.NotifyTimeout)
	defer cancel()

	res, err := d.Request(ctx, sip.NOTIFY, headers, body)
	if s.destroyed.Load() {
		return false
	}
	if err != nil {
		s.opts.Metrics.Notify(kind, metrics.ResultError)
		s.log.Warn("Subscription NOTIFY failed", slog.String("type", kind), slog.String("error", err.Error()))
		s.Destroy()
		return false
	}
	if !isGoodResponse(res) {
		code := 0
		if res != nil {
			code = res.StatusCode
		}
		s.opts.Metrics.Notify(kind, metrics.ResultRejected)
		s.log.Info("Subscription NOTIFY rejected", slog.String("type", kind), slog.Int("code", code))
		s.Destroy()
		return false
	}
	s.opts.Metrics.Notify(kind, metrics.ResultOK)
	return true
}

func docType(ct presdoc.ContentType) string {
	switch ct {
	case presdoc.ContentTypePIDF:
		return "pidf"
	case presdoc.ContentTypeXPIDF:
		return "xpidf"
	case presdoc.ContentTypeDialogInfo:
		return "dialog-info"
	}
	return "message-summary"
}
