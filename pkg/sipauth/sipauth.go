// Package sipauth digest аутентификация SIP запросов (RFC 2617/8760)
// поверх github.com/icholy/digest.
package sipauth

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

var (
	// ErrUserNotFound пользователь не найден в каталоге
	ErrUserNotFound = errors.New("user not found")
	// ErrNoCredentials в запросе нет заголовка авторизации
	ErrNoCredentials = errors.New("no credentials")
)

// User учетная запись для проверки digest.
type User struct {
	Username string
	Realm    string
	Secret   string
}

// Entity user@realm.
func (u *User) Entity() string {
	return u.Username + "@" + u.Realm
}

// LookupFunc ищет пользователя. Если пользователя нет, возвращает ErrUserNotFound.
type LookupFunc func(ctx context.Context, username, realm string) (*User, error)

// Responder отправляет ответ на серверную транзакцию.
// sip.ServerTransaction удовлетворяет этому интерфейсу.
type Responder interface {
	Respond(res *sip.Response) error
}

// Credentials разобранный заголовок Authorization.
type Credentials = digest.Credentials

// Auth состояние digest обмена для одного диалога или транзакции.
// Хранит выданный nonce и флаг stale после последней проверки.
type Auth struct {
	mu     sync.Mutex
	proxy  bool
	realm  string
	nonce  string
	opaque string
	stale  bool
}

// New создает Auth. В режиме proxy используются 407 и Proxy-Authenticate.
// Пустой realm означает host из Request-URI.
func New(proxy bool, realm string) *Auth {
	return &Auth{
		proxy:  proxy,
		realm:  realm,
		opaque: newToken(),
	}
}

// Factory создает Auth для новой подписки.
type Factory func() *Auth

// NewFactory фабрика с общими настройками.
func NewFactory(proxy bool, realm string) Factory {
	return func() *Auth { return New(proxy, realm) }
}

// Proxy режим 407.
func (a *Auth) Proxy() bool {
	return a.proxy
}

// Has есть ли в запросе учетные данные.
func (a *Auth) Has(req *sip.Request) bool {
	return authHeader(req) != nil
}

// RequestAuth выдает новый nonce и отвечает 401 или 407 с вызовом.
func (a *Auth) RequestAuth(req *sip.Request, tx Responder) error {
	a.mu.Lock()
	a.nonce = newToken()
	chal := digest.Challenge{
		Realm:     a.challengeRealm(req),
		Nonce:     a.nonce,
		Opaque:    a.opaque,
		Algorithm: "MD5",
		QOP:       []string{"auth"},
		Stale:     a.stale,
	}
	a.mu.Unlock()

	code, reason, name := sip.StatusUnauthorized, "Unauthorized", "WWW-Authenticate"
	if a.proxy {
		code, reason, name = sip.StatusProxyAuthRequired, "Proxy Authentication Required", "Proxy-Authenticate"
	}

	res := sip.NewResponseFromRequest(req, code, reason, nil)
	res.AppendHeader(sip.NewHeader(name, chal.String()))
	if err := tx.Respond(res); err != nil {
		return errors.Wrap(err, "send auth challenge")
	}
	return nil
}

// ParseAuthHeaders разбирает Authorization или Proxy-Authorization.
func (a *Auth) ParseAuthHeaders(req *sip.Request) (*Credentials, error) {
	h := authHeader(req)
	if h == nil {
		return nil, ErrNoCredentials
	}
	creds, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return nil, errors.Wrap(err, "parse credentials")
	}
	return creds, nil
}

// VerifyAuth проверяет ответ клиента против выданного nonce.
// Если клиент ответил на чужой или устаревший nonce, Stale вернет true.
func (a *Auth) VerifyAuth(req *sip.Request, creds *Credentials, secret string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stale = false
	if creds == nil {
		return false
	}
	if a.nonce == "" || creds.Nonce != a.nonce {
		a.stale = true
		return false
	}
	if creds.Opaque != "" && creds.Opaque != a.opaque {
		return false
	}

	chal := &digest.Challenge{
		Realm:     creds.Realm,
		Nonce:     a.nonce,
		Opaque:    a.opaque,
		Algorithm: creds.Algorithm,
	}
	if creds.QOP != "" {
		chal.QOP = []string{creds.QOP}
	}
	expected, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      creds.URI,
		Username: creds.Username,
		Password: secret,
		Cnonce:   creds.Cnonce,
		Count:    creds.Nc,
	})
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected.Response), []byte(creds.Response)) == 1
}

// Stale результат последней VerifyAuth: nonce устарел, нужен новый вызов.
func (a *Auth) Stale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stale
}

func (a *Auth) challengeRealm(req *sip.Request) string {
	if a.realm != "" {
		return a.realm
	}
	return req.Recipient.Host
}

// Answer строит значение Authorization на вызов сервера. Используется
// исходящими запросами, когда телефон требует аутентификацию.
func Answer(challenge string, method sip.RequestMethod, uri, username, password string) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", errors.Wrap(err, "parse challenge")
	}
	creds, err := digest.Digest(chal, digest.Options{
		Method:   method.String(),
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", errors.Wrap(err, "digest")
	}
	return creds.String(), nil
}

func authHeader(req *sip.Request) sip.Header {
	if h := req.GetHeader("Authorization"); h != nil {
		return h
	}
	return req.GetHeader("Proxy-Authorization")
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
