// Package metrics Prometheus метрики presence сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты отправки NOTIFY и обработки PUBLISH.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Config настройки сборщика.
type Config struct {
	// Namespace префикс метрик
	Namespace string
	// Registry куда регистрировать метрики, nil создает новый
	Registry *prometheus.Registry
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{Namespace: "presence"}
}

// Collector метрики presence.
//
// Все методы безопасны для nil получателя, поэтому компоненты могут
// работать без метрик.
type Collector struct {
	registry *prometheus.Registry

	subscriptionsActive  prometheus.Gauge
	subscriptionsCreated *prometheus.CounterVec
	subscriptionsEnded   *prometheus.CounterVec
	notifyTotal          *prometheus.CounterVec
	authFailures         *prometheus.CounterVec
	watchesActive        prometheus.Gauge
	publishTotal         *prometheus.CounterVec
	registrations        prometheus.Gauge
}

// New создает сборщик и регистрирует метрики.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
	}
	factory := promauto.With(reg)
	ns := cfg.Namespace

	return &Collector{
		registry: reg,
		subscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "subscriptions_active",
			Help:      "Number of inbound subscriptions held in the store",
		}),
		subscriptionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "subscriptions_created_total",
			Help:      "Inbound subscriptions that negotiated a content type",
		}, []string{"content_type"}),
		subscriptionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "subscriptions_destroyed_total",
			Help:      "Destroyed inbound subscriptions by the state they were in",
		}, []string{"state"}),
		notifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notify_total",
			Help:      "Outbound NOTIFY requests by document type and result",
		}, []string{"type", "result"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts by reason",
		}, []string{"reason"}),
		watchesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "watches_active",
			Help:      "Outbound subscriptions towards registered phones",
		}),
		publishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "publish_total",
			Help:      "Inbound PUBLISH requests by result",
		}, []string{"result"}),
		registrations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registrations_active",
			Help:      "Active registrar bindings",
		}),
	}
}

// Registry реестр для promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SubscriptionStored подписка добавлена в хранилище.
func (c *Collector) SubscriptionStored() {
	if c == nil {
		return
	}
	c.subscriptionsActive.Inc()
}

// SubscriptionRemoved подписка удалена из хранилища.
func (c *Collector) SubscriptionRemoved() {
	if c == nil {
		return
	}
	c.subscriptionsActive.Dec()
}

// SubscriptionCreated подписка согласовала тип документа.
func (c *Collector) SubscriptionCreated(contentType string) {
	if c == nil {
		return
	}
	c.subscriptionsCreated.WithLabelValues(contentType).Inc()
}

// SubscriptionDestroyed подписка уничтожена в состоянии state.
func (c *Collector) SubscriptionDestroyed(state string) {
	if c == nil {
		return
	}
	c.subscriptionsEnded.WithLabelValues(state).Inc()
}

// Notify результат отправки NOTIFY.
func (c *Collector) Notify(docType, result string) {
	if c == nil {
		return
	}
	c.notifyTotal.WithLabelValues(docType, result).Inc()
}

// AuthFailure отказ в аутентификации.
func (c *Collector) AuthFailure(reason string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(reason).Inc()
}

// WatchAdded исходящая подписка установлена.
func (c *Collector) WatchAdded() {
	if c == nil {
		return
	}
	c.watchesActive.Inc()
}

// WatchRemoved исходящая подписка снята.
func (c *Collector) WatchRemoved() {
	if c == nil {
		return
	}
	c.watchesActive.Dec()
}

// Publish результат обработки PUBLISH.
func (c *Collector) Publish(result string) {
	if c == nil {
		return
	}
	c.publishTotal.WithLabelValues(result).Inc()
}

// RegistrationsSet текущее число привязок регистратора.
func (c *Collector) RegistrationsSet(n int) {
	if c == nil {
		return
	}
	c.registrations.Set(float64(n))
}
