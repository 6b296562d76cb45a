// Package watch исходящие подписки на зарегистрированные телефоны.
//
// Когда телефон регистрируется и разрешает SUBSCRIBE, контроллер
// подписывается на его presence и публикует разобранные NOTIFY в шину
// как presence.status.in.
package watch

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

var (
	// ErrNotAllowed телефон не поддерживает SUBSCRIBE
	ErrNotAllowed = errors.New("registration does not allow SUBSCRIBE")
	// ErrNoContact в регистрации нет контактов
	ErrNoContact = errors.New("registration has no contact")
)

// Controller держит по одной исходящей подписке на регистрацию.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	watches map[string]*Watch

	offs []func()
}

// NewController создает контроллер. Listen подключает его к шине.
func NewController(opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "watch")),
		watches: make(map[string]*Watch),
	}
}

// Listen подписывает контроллер на события регистратора.
func (c *Controller) Listen() {
	c.offs = append(c.offs,
		c.opts.Bus.On(events.TopicRegister, func(payload any) {
			info, ok := payload.(events.Register)
			if !ok {
				return
			}
			if err := c.Register(context.Background(), info); err != nil && !errors.Is(err, ErrNotAllowed) {
				c.log.Warn("Controller.Register", slog.String("uuid", info.UUID), slog.String("error", err.Error()))
			}
		}),
		c.opts.Bus.On(events.TopicUnregister, func(payload any) {
			if info, ok := payload.(events.Unregister); ok {
				c.Unregister(info)
			}
		}),
	)
}

// Close снимает обработчики и завершает все подписки.
func (c *Controller) Close() {
	for _, off := range c.offs {
		off()
	}
	c.offs = nil

	c.mu.Lock()
	all := make([]*Watch, 0, len(c.watches))
	for _, w := range c.watches {
		all = append(all, w)
	}
	c.mu.Unlock()

	for _, w := range all {
		w.Destroy()
	}
}

// Register подписывается на телефон или обновляет существующую подписку.
// Ошибка установления диалога не оставляет состояния: следующая
// регистрация попробует снова.
func (c *Controller) Register(ctx context.Context, info events.Register) error {
	if !allows(info.Allow, sip.SUBSCRIBE.String()) {
		return ErrNotAllowed
	}
	if len(info.Contacts) == 0 {
		return ErrNoContact
	}

	if w, ok := c.Get(info.UUID); ok {
		err := w.refresh(ctx, info)
		if err == nil {
			return nil
		}
		w.log.Info("Watch refresh failed, resubscribing", slog.String("error", err.Error()))
		w.Destroy()
	}

	target := Target{
		Contact:  info.Contacts[0],
		Username: info.Username,
		Realm:    info.Realm,
		Event:    "presence",
		Expires:  info.ExpiresIn,
		Accept:   DefaultAccept,
	}
	if c.opts.Lookup != nil {
		if u, err := c.opts.Lookup(ctx, info.Username, info.Realm); err == nil && u != nil {
			target.Password = u.Secret
		}
	}

	d, err := c.opts.UA.CreateUAC(ctx, target)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", target.Contact)
	}

	w := newWatch(c, info, d)
	c.mu.Lock()
	prev := c.watches[info.UUID]
	c.watches[info.UUID] = w
	c.mu.Unlock()
	if prev != nil {
		prev.Destroy()
	}

	c.opts.Metrics.WatchAdded()
	w.log.Info("Watch created", slog.String("contact", target.Contact))
	return nil
}

// Unregister завершает подписку регистрации.
func (c *Controller) Unregister(info events.Unregister) {
	if w, ok := c.Get(info.UUID); ok {
		w.Destroy()
	}
}

// Get подписка по uuid регистрации.
func (c *Controller) Get(uuid string) (*Watch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[uuid]
	return w, ok
}

// Len количество подписок.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

func (c *Controller) remove(w *Watch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.watches[w.uuid]; ok && cur == w {
		delete(c.watches, w.uuid)
		return true
	}
	return false
}

// Watch одна исходящая подписка.
type Watch struct {
	ctrl   *Controller
	uuid   string
	entity string
	log    *slog.Logger
	dialog Dialog

	mu   sync.Mutex
	info events.Register
	auth *sipauth.Auth
	user *sipauth.User

	destroyed atomic.Bool
}

func newWatch(c *Controller, info events.Register, d Dialog) *Watch {
	w := &Watch{
		ctrl:   c,
		uuid:   info.UUID,
		entity: info.Entity(),
		info:   info,
		dialog: d,
		auth:   c.opts.NewAuth(),
	}
	w.log = c.log.With(
		slog.String("uuid", w.uuid),
		slog.String("entity", w.entity),
		slog.String("dialogID", d.ID()))

	d.OnNotify(w.handleNotify)
	d.OnDestroy(w.Destroy)
	return w
}

// UUID идентификатор регистрации.
func (w *Watch) UUID() string {
	return w.uuid
}

// Entity user@realm телефона.
func (w *Watch) Entity() string {
	return w.entity
}

// Destroyed завершена ли подписка.
func (w *Watch) Destroyed() bool {
	return w.destroyed.Load()
}

// Destroy завершает подписку. Повторные вызовы ничего не делают.
func (w *Watch) Destroy() {
	if !w.destroyed.CompareAndSwap(false, true) {
		return
	}
	if w.ctrl.remove(w) {
		w.ctrl.opts.Metrics.WatchRemoved()
	}
	if w.dialog.Connected() {
		w.dialog.Destroy()
	}
	w.log.Debug("Watch.Destroy")
}

// refresh повторный SUBSCRIBE внутри существующего диалога.
func (w *Watch) refresh(ctx context.Context, info events.Register) error {
	if w.destroyed.Load() || !w.dialog.Connected() {
		return errors.New("watch dialog is gone")
	}
	w.mu.Lock()
	w.info = info
	w.mu.Unlock()

	headers := []sip.Header{
		sip.NewHeader("Event", "presence"),
		sip.NewHeader("Expires", strconv.Itoa(info.ExpiresIn)),
		sip.NewHeader("Accept", Target{}.AcceptValue()),
	}
	res, err := w.dialog.Request(ctx, sip.SUBSCRIBE, headers, nil)
	if err != nil {
		return errors.Wrap(err, "refresh subscribe")
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Errorf("refresh subscribe rejected with %d", res.StatusCode)
	}
	return nil
}

func allows(allow []string, method string) bool {
	for _, a := range allow {
		if strings.EqualFold(strings.TrimSpace(a), method) {
			return true
		}
	}
	return false
}
