// Package userdir каталог учетных записей SIP для digest аутентификации.
//
// Драйверы регистрируются по имени и создаются из секции [users] конфигурации.
package userdir

import (
	"context"
	"sort"
	"sync"

	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// ErrUnknownDriver драйвер с таким именем не зарегистрирован
var ErrUnknownDriver = errors.New("unknown user directory driver")

// Directory источник учетных записей.
type Directory interface {
	// Lookup возвращает sipauth.ErrUserNotFound, если записи нет
	Lookup(ctx context.Context, username, realm string) (*sipauth.User, error)
	Close() error
}

// Factory создает драйвер из его секции конфигурации.
type Factory func(cfg map[string]any) (Directory, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register регистрирует драйвер. Вызывается из init.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = f
}

// New создает драйвер name.
func New(name string, cfg map[string]any) (Directory, error) {
	driversMu.RLock()
	f, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDriver, "driver %q", name)
	}
	return f(cfg)
}

// Drivers имена зарегистрированных драйверов.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupFunc адаптер для компонентов, принимающих sipauth.LookupFunc.
func LookupFunc(d Directory) sipauth.LookupFunc {
	return d.Lookup
}

func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return errors.Wrap(err, "create decoder")
	}
	if err := dec.Decode(in); err != nil {
		return errors.Wrap(err, "decode driver config")
	}
	return nil
}
