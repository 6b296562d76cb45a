package sipdialog

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type TransportType string

const (
	// TransportUDP - UDP транспорт
	TransportUDP TransportType = "UDP"
	// TransportTCP - TCP транспорт
	TransportTCP TransportType = "TCP"
)

// Network имя сети для sipgo ListenAndServe.
func (t TransportType) Network() string {
	return strings.ToLower(string(t))
}

// Listener адрес, на котором принимаются запросы.
type Listener struct {
	Type TransportType
	Host string
	Port int
}

// Addr host:port.
func (l Listener) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Config параметры SIP стека.
type Config struct {
	UserAgent string
	// Hostname адрес для Contact и Via. Если пуст, берется host первого Listener
	Hostname string
	// Port порт для Contact. Если 0, берется порт первого Listener
	Port      int
	Listeners []Listener
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "presence/1.0"
	}
	if len(c.Listeners) == 0 {
		c.Listeners = []Listener{{Type: TransportUDP, Host: "127.0.0.1", Port: 5060}}
	}
	for i := range c.Listeners {
		if c.Listeners[i].Type == "" {
			c.Listeners[i].Type = TransportUDP
		}
	}
	if c.Hostname == "" {
		c.Hostname = c.Listeners[0].Host
	}
	if c.Port == 0 {
		c.Port = c.Listeners[0].Port
	}
	return c
}

// Validate проверяет конфигурацию транспорта.
func (c Config) Validate() error {
	for _, l := range c.Listeners {
		switch l.Type {
		case "", TransportUDP, TransportTCP:
		default:
			return errors.Errorf("unsupported transport %q", l.Type)
		}
		if l.Port < 0 || l.Port > 65535 {
			return errors.Errorf("invalid port %d", l.Port)
		}
	}
	return nil
}
