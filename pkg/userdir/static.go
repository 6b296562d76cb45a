package userdir

import (
	"context"
	"strings"

	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/pkg/errors"
)

func init() {
	Register("static", NewStatic)
}

// StaticConfig учетные записи прямо в конфигурации.
type StaticConfig struct {
	Accounts []StaticAccount `mapstructure:"accounts"`
}

type StaticAccount struct {
	Username string `mapstructure:"username"`
	Realm    string `mapstructure:"realm"`
	Secret   string `mapstructure:"secret"`
}

// Static каталог в памяти, только чтение.
type Static struct {
	users map[string]*sipauth.User
}

// NewStatic фабрика драйвера static.
func NewStatic(cfg map[string]any) (Directory, error) {
	var c StaticConfig
	if err := decode(cfg, &c); err != nil {
		return nil, err
	}
	s := &Static{users: make(map[string]*sipauth.User, len(c.Accounts))}
	for i, a := range c.Accounts {
		if a.Username == "" || a.Realm == "" {
			return nil, errors.Errorf("account %d: username and realm are required", i)
		}
		u := &sipauth.User{Username: a.Username, Realm: strings.ToLower(a.Realm), Secret: a.Secret}
		s.users[u.Entity()] = u
	}
	return s, nil
}

func (s *Static) Lookup(_ context.Context, username, realm string) (*sipauth.User, error) {
	u, ok := s.users[username+"@"+strings.ToLower(realm)]
	if !ok {
		return nil, sipauth.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *Static) Close() error {
	return nil
}
