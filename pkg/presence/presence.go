// Package presence собирает сервис: хранилище подписок, шину событий,
// рассылку NOTIFY, регистратор, исходящие подписки и обработку PUBLISH.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/registrar"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/arzzra/presence/pkg/subscription"
	"github.com/arzzra/presence/pkg/watch"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// UA SIP стек, на котором работает сервис. sipdialog.UA удовлетворяет ему.
type UA interface {
	subscription.UA
	watch.UA
	OnRequest(method sip.RequestMethod, h subscription.RequestHandler)
}

// RegistrarOptions настройки встроенного регистратора.
type RegistrarOptions struct {
	Enabled        bool
	DefaultExpires int
	MaxExpires     int
}

// Options зависимости и настройки сервиса.
type Options struct {
	UA     UA
	Lookup sipauth.LookupFunc
	// Proxy отвечать 407 вместо 401
	Proxy bool
	// Realm фиксированный realm вызова
	Realm         string
	AuthTimeout   time.Duration
	NotifyTimeout time.Duration
	FanoutLimit   int
	// PublishEcho пересылать PUBLISH в presence.status.out
	PublishEcho bool
	// Watch подписываться на телефоны после регистрации
	Watch     bool
	Registrar RegistrarOptions
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Service presence сервис.
type Service struct {
	opts Options
	log  *slog.Logger

	bus       *events.Bus
	store     *subscription.Store
	router    *subscription.Router
	watches   *watch.Controller
	registrar *registrar.Registrar
	publisher *publisher
	subOpts   *subscription.Options
}

// New создает сервис и регистрирует обработчики запросов на UA.
func New(opts Options) (*Service, error) {
	if opts.UA == nil {
		return nil, errors.New("presence: UA is required")
	}
	if opts.Lookup == nil {
		return nil, errors.New("presence: user lookup is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = subscription.DefaultAuthTimeout
	}

	newAuth := sipauth.NewFactory(opts.Proxy, opts.Realm)
	s := &Service{
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "presence")),
		bus:   events.NewBus(opts.Logger),
		store: subscription.NewStore(opts.Metrics),
	}
	s.router = subscription.NewRouter(s.store, s.bus, opts.FanoutLimit, opts.Logger)

	s.subOpts = &subscription.Options{
		UA:            opts.UA,
		NewAuth:       newAuth,
		Lookup:        opts.Lookup,
		Bus:           s.bus,
		Store:         s.store,
		Proxy:         opts.Proxy,
		AuthTimeout:   opts.AuthTimeout,
		NotifyTimeout: opts.NotifyTimeout,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	}

	if opts.Registrar.Enabled {
		s.registrar = registrar.New(registrar.Options{
			Lookup:         opts.Lookup,
			NewAuth:        newAuth,
			Proxy:          opts.Proxy,
			Bus:            s.bus,
			DefaultExpires: opts.Registrar.DefaultExpires,
			MaxExpires:     opts.Registrar.MaxExpires,
			AuthTimeout:    opts.AuthTimeout,
			Logger:         opts.Logger,
			Metrics:        opts.Metrics,
		})
		s.subOpts.Registrar = s.registrar
		opts.UA.OnRequest(sip.REGISTER, s.registrar.HandleRegister)
	}

	if opts.Watch {
		s.watches = watch.NewController(watch.Options{
			UA:      opts.UA,
			Bus:     s.bus,
			Lookup:  opts.Lookup,
			NewAuth: newAuth,
			Proxy:   opts.Proxy,
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		})
		s.watches.Listen()
	}

	s.publisher = newPublisher(s, newAuth)

	opts.UA.OnRequest(sip.SUBSCRIBE, s.HandleSubscribe)
	opts.UA.OnRequest(sip.PUBLISH, s.publisher.handle)
	return s, nil
}

// HandleSubscribe SUBSCRIBE вне диалога. Повтор с тем же call key
// (ответ на вызов 401/407) идет в существующую подписку.
func (s *Service) HandleSubscribe(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	if sub, ok := s.store.GetByCallKey(subscription.CallKey(req)); ok {
		sub.Update(ctx, req, tx)
		return
	}
	subscription.Create(ctx, req, tx, s.subOpts)
}

// HandlePublish PUBLISH вне диалога.
func (s *Service) HandlePublish(ctx context.Context, req *sip.Request, tx sipauth.Responder) {
	s.publisher.handle(ctx, req, tx)
}

// On подписка на топик шины. Возвращает функцию отписки.
func (s *Service) On(topic string, h events.Handler) func() {
	return s.bus.On(topic, h)
}

// Emit публикует событие, например presence.dialog.out от PBX.
func (s *Service) Emit(topic string, payload any) {
	s.bus.Emit(topic, payload)
}

// Store хранилище входящих подписок.
func (s *Service) Store() *subscription.Store {
	return s.store
}

// Registrar встроенный регистратор, nil если выключен.
func (s *Service) Registrar() *registrar.Registrar {
	return s.registrar
}

// Watches контроллер исходящих подписок, nil если выключен.
func (s *Service) Watches() *watch.Controller {
	return s.watches
}

// Close снимает обработчики шины и завершает подписки.
func (s *Service) Close() {
	s.router.Close()
	if s.watches != nil {
		s.watches.Close()
	}
	if s.registrar != nil {
		s.registrar.Close()
	}
	s.publisher.close()
	for _, sub := range s.store.All() {
		sub.Destroy()
	}
}
