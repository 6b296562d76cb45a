package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
)

const (
	// DefaultAuthTimeout сколько ждать учетные данные после вызова 401/407
	DefaultAuthTimeout = 10 * time.Second
	// DefaultNotifyTimeout таймаут одного NOTIFY
	DefaultNotifyTimeout = 10 * time.Second
)

// RequestHandler обработчик входящего запроса в диалоге.
type RequestHandler = func(ctx context.Context, req *sip.Request, tx sipauth.Responder)

// Dialog транспортный subscribe-диалог, которым владеет подписка.
type Dialog interface {
	// ID идентификатор диалога для логов
	ID() string
	// OnSubscribe повторный SUBSCRIBE внутри диалога
	OnSubscribe(h RequestHandler)
	// OnUnsubscribe SUBSCRIBE с Expires: 0 внутри диалога
	OnUnsubscribe(f func())
	// OnDestroy диалог завершен транспортом или удаленной стороной
	OnDestroy(f func())
	// Request отправляет запрос внутри диалога и ждет финальный ответ
	Request(ctx context.Context, method sip.RequestMethod, headers []sip.Header, body []byte) (*sip.Response, error)
	Connected() bool
	Destroy()
}

// UASOptions параметры принятия подписки.
type UASOptions struct {
	Accept  string
	// Event пакет в NOTIFY диалога, пусто значит из SUBSCRIBE.
	Event   string
	Expires int
}

// UA фабрика входящих диалогов. CreateUAS отвечает 202 на req и
// возвращает установленный диалог.
type UA interface {
	CreateUAS(ctx context.Context, req *sip.Request, tx sipauth.Responder, opts UASOptions) (Dialog, error)
}

// AuthSource источник уже пройденной аутентификации, например регистратор.
type AuthSource interface {
	GetAuth(req *sip.Request) *sipauth.Auth
}

// Options зависимости подписки.
type Options struct {
	UA UA
	// NewAuth фабрика digest состояния, если nil используется sipauth.New(Proxy, "")
	NewAuth sipauth.Factory
	Lookup  sipauth.LookupFunc
	Bus     *events.Bus
	Store   *Store
	// Registrar необязательный, для переиспользования аутентификации
	Registrar AuthSource
	// Proxy отвечать 407 вместо 401
	Proxy         bool
	AuthTimeout   time.Duration
	NotifyTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.NewAuth == nil {
		out.NewAuth = sipauth.NewFactory(out.Proxy, "")
	}
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = DefaultAuthTimeout
	}
	if out.NotifyTimeout <= 0 {
		out.NotifyTimeout = DefaultNotifyTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Bus == nil {
		out.Bus = events.NewBus(out.Logger)
	}
	if out.Store == nil {
		out.Store = NewStore(out.Metrics)
	}
	return &out
}
