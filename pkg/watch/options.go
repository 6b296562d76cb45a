package watch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/arzzra/presence/pkg/subscription"
)

// DefaultAccept типы документов, которые запрашиваются у телефона.
var DefaultAccept = []string{
	"application/dialog-info+xml",
	"application/xpidf+xml",
	"application/pidf+xml",
}

// Target куда и от чьего имени подписываться.
type Target struct {
	// Contact SIP URI зарегистрированного контакта
	Contact  string
	Username string
	Realm    string
	// Password ответ на вызов 401/407 со стороны телефона, может быть пустым
	Password string
	Event    string
	Expires  int
	Accept   []string
}

// Entity user@realm.
func (t Target) Entity() string {
	return t.Username + "@" + t.Realm
}

// AcceptValue значение заголовка Accept.
func (t Target) AcceptValue() string {
	accept := t.Accept
	if len(accept) == 0 {
		accept = DefaultAccept
	}
	return strings.Join(accept, ", ")
}

// Dialog исходящий subscribe-диалог.
type Dialog interface {
	subscription.Dialog
	// OnNotify входящий NOTIFY внутри диалога
	OnNotify(h subscription.RequestHandler)
}

// UA фабрика исходящих диалогов. CreateUAC отправляет SUBSCRIBE и
// возвращает диалог после успешного ответа.
type UA interface {
	CreateUAC(ctx context.Context, t Target) (Dialog, error)
}

// Options зависимости контроллера.
type Options struct {
	UA     UA
	Bus    *events.Bus
	Lookup sipauth.LookupFunc
	// NewAuth фабрика digest состояния для проверки NOTIFY
	NewAuth sipauth.Factory
	Proxy   bool
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.NewAuth == nil {
		o.NewAuth = sipauth.NewFactory(o.Proxy, "")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Bus == nil {
		o.Bus = events.NewBus(o.Logger)
	}
	return o
}
