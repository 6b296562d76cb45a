package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arzzra/presence/pkg/events"
	"golang.org/x/sync/errgroup"
)

// DefaultFanoutLimit сколько NOTIFY одного события отправляется параллельно.
const DefaultFanoutLimit = 16

// Router раздает события шины подпискам из хранилища.
type Router struct {
	store  *Store
	bus    *events.Bus
	limit  int
	logger *slog.Logger
	offs   []func()
}

// NewRouter подписывает обработчики на топики *.out.
func NewRouter(store *Store, bus *events.Bus, limit int, logger *slog.Logger) *Router {
	if limit <= 0 {
		limit = DefaultFanoutLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{store: store, bus: bus, limit: limit, logger: logger}

	r.offs = append(r.offs,
		bus.On(events.VoicemailOut, r.onVoicemail),
		bus.On(events.DialogOut, r.onDialog),
		bus.On(events.CheckSyncOut, r.onCheckSync),
		bus.On(events.RegistrationOut, r.onRegistration),
		bus.On(events.StatusOut, r.onStatus),
	)
	return r
}

// Close снимает обработчики с шины.
func (r *Router) Close() {
	for _, off := range r.offs {
		off()
	}
	r.offs = nil
}

// targets подписки на entity или одна подписка, если событие адресовано ей.
func (r *Router) targets(entity, callKey string) []*Subscription {
	if callKey != "" {
		if sub, ok := r.store.GetByCallKey(callKey); ok {
			return []*Subscription{sub}
		}
		return nil
	}
	subs, _ := r.store.GetByEntity(entity)
	return subs
}

// dispatch вызывает fn для каждой подписки и ждет завершения всех.
func (r *Router) dispatch(subs []*Subscription, fn func(ctx context.Context, sub *Subscription)) {
	if len(subs) == 0 {
		return
	}
	ctx := context.Background()
	var g errgroup.Group
	g.SetLimit(r.limit)
	for _, sub := range subs {
		g.Go(func() error {
			fn(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) onVoicemail(payload any) {
	info, ok := payload.(events.Voicemail)
	if !ok {
		r.badPayload(events.VoicemailOut, payload)
		return
	}
	r.dispatch(r.targets(info.Entity, info.CallKey), func(ctx context.Context, sub *Subscription) {
		sub.NotifyVoicemail(ctx, info)
	})
}

func (r *Router) onDialog(payload any) {
	info, ok := payload.(events.Dialog)
	if !ok {
		r.badPayload(events.DialogOut, payload)
		return
	}
	r.dispatch(r.targets(info.Entity, info.CallKey), func(ctx context.Context, sub *Subscription) {
		sub.NotifyDialog(ctx, info)
	})
}

func (r *Router) onCheckSync(payload any) {
	info, ok := payload.(events.CheckSync)
	if !ok {
		r.badPayload(events.CheckSyncOut, payload)
		return
	}
	r.dispatch(r.targets(info.Entity, info.CallKey), func(ctx context.Context, sub *Subscription) {
		sub.NotifyCheckSync(ctx)
	})
}

func (r *Router) onRegistration(payload any) {
	info, ok := payload.(events.Registration)
	if !ok {
		r.badPayload(events.RegistrationOut, payload)
		return
	}
	r.dispatch(r.targets(info.Entity, info.CallKey), func(ctx context.Context, sub *Subscription) {
		sub.NotifyRegistration(ctx, info)
	})
}

func (r *Router) onStatus(payload any) {
	info, ok := payload.(events.Status)
	if !ok {
		r.badPayload(events.StatusOut, payload)
		return
	}
	r.dispatch(r.targets(info.Entity, ""), func(ctx context.Context, sub *Subscription) {
		sub.NotifyStatus(ctx, info)
	})
}

func (r *Router) badPayload(topic string, payload any) {
	r.logger.Warn("Router unexpected payload",
		slog.String("topic", topic),
		slog.String("type", fmt.Sprintf("%T", payload)))
}
