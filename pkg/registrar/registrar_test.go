package registrar

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTX struct {
	mu  sync.Mutex
	res []*sip.Response
}

func (f *fakeTX) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res = append(f.res, res)
	return nil
}

func (f *fakeTX) last(t *testing.T) *sip.Response {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.res)
	return f.res[len(f.res)-1]
}

type regOpt func(req *sip.Request)

func withExpires(v string) regOpt {
	return func(req *sip.Request) { req.AppendHeader(sip.NewHeader("Expires", v)) }
}

func withContact(c string) regOpt {
	return func(req *sip.Request) {
		req.RemoveHeader("Contact")
		if c == "" {
			return
		}
		if c == "*" {
			req.AppendHeader(sip.NewHeader("Contact", "*"))
			return
		}
		var uri sip.Uri
		if err := sip.ParseUri(c, &uri); err != nil {
			panic(err)
		}
		req.AppendHeader(&sip.ContactHeader{Address: uri, Params: sip.NewParams()})
	}
}

func withContactExpires(v string) regOpt {
	return func(req *sip.Request) {
		if c := req.Contact(); c != nil {
			c.Params.Add("expires", v)
		}
	}
}

func withAllow(v string) regOpt {
	return func(req *sip.Request) { req.AppendHeader(sip.NewHeader("Allow", v)) }
}

func withSource(src string) regOpt {
	return func(req *sip.Request) { req.SetSource(src) }
}

func newRegister(opts ...regOpt) *sip.Request {
	aor := sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"}
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "biloxi.com"})
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", "456248")})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader("843817637684230@998sdasdh09")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1826, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.4", Port: 5060},
		Params:  sip.NewParams(),
	})
	req.SetSource("192.0.2.4:5060")
	for _, o := range opts {
		o(req)
	}
	return req
}

func lookup(_ context.Context, username, realm string) (*sipauth.User, error) {
	if username == "bob" && realm == "biloxi.com" {
		return &sipauth.User{Username: "bob", Realm: "biloxi.com", Secret: "zanzibar"}, nil
	}
	return nil, sipauth.ErrUserNotFound
}

type harness struct {
	reg        *Registrar
	bus        *events.Bus
	registered []events.Register
	unregs     []events.Unregister
	mu         sync.Mutex
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{bus: events.NewBus(nil)}
	opts.Bus = h.bus
	if opts.Lookup == nil {
		opts.Lookup = lookup
	}
	h.reg = New(opts)
	h.bus.On(events.TopicRegister, func(p any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.registered = append(h.registered, p.(events.Register))
	})
	h.bus.On(events.TopicUnregister, func(p any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.unregs = append(h.unregs, p.(events.Unregister))
	})
	t.Cleanup(h.reg.Close)
	return h
}

func (h *harness) unregisterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.unregs)
}

// register проходит вызов 401 и возвращает финальный ответ.
func (h *harness) register(t *testing.T, password string, opts ...regOpt) *sip.Response {
	t.Helper()
	tx := &fakeTX{}
	h.reg.HandleRegister(context.Background(), newRegister(opts...), tx)
	chal := tx.last(t)
	require.Equal(t, sip.StatusUnauthorized, int(chal.StatusCode))

	req := newRegister(opts...)
	value, err := sipauth.Answer(chal.GetHeader("WWW-Authenticate").Value(), req.Method, req.Recipient.String(), "bob", password)
	require.NoError(t, err)
	req.AppendHeader(sip.NewHeader("Authorization", value))
	h.reg.HandleRegister(context.Background(), req, tx)
	return tx.last(t)
}

func TestRegister_Bind(t *testing.T) {
	h := newHarness(t, Options{})

	res := h.register(t, "zanzibar", withExpires("600"), withAllow("INVITE, ACK, subscribe"), withAllow("NOTIFY"))
	require.Equal(t, sip.StatusOK, int(res.StatusCode))
	require.NotNil(t, res.Contact())
	assert.Equal(t, "192.0.2.4", res.Contact().Address.Host)
	assert.NotNil(t, res.GetHeader("Expires"))

	require.Len(t, h.registered, 1)
	ev := h.registered[0]
	assert.NotEmpty(t, ev.UUID)
	assert.Equal(t, "bob", ev.Username)
	assert.Equal(t, "biloxi.com", ev.Realm)
	assert.Equal(t, []string{"sip:bob@192.0.2.4:5060"}, ev.Contacts)
	assert.Equal(t, 600, ev.ExpiresIn)
	assert.Equal(t, []string{"INVITE", "ACK", "SUBSCRIBE", "NOTIFY"}, ev.Allow)

	b, ok := h.reg.Get("bob@biloxi.com")
	require.True(t, ok)
	assert.Equal(t, ev.UUID, b.UUID)
	assert.Len(t, h.reg.Bindings(), 1)
}

func TestRegister_RefreshKeepsUUID(t *testing.T) {
	h := newHarness(t, Options{})

	h.register(t, "zanzibar")
	h.register(t, "zanzibar", withExpires("120"))

	require.Len(t, h.registered, 2)
	assert.Equal(t, h.registered[0].UUID, h.registered[1].UUID)
	assert.Equal(t, 120, h.registered[1].ExpiresIn)
}

func TestRegister_Expires(t *testing.T) {
	tests := []struct {
		name string
		opts []regOpt
		want int
	}{
		{name: "default", want: DefaultExpires},
		{name: "header", opts: []regOpt{withExpires("300")}, want: 300},
		{name: "contact param wins", opts: []regOpt{withExpires("300"), withContactExpires("90")}, want: 90},
		{name: "capped", opts: []regOpt{withExpires("100000")}, want: 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{MaxExpires: 5000})
			res := h.register(t, "zanzibar", tt.opts...)
			require.Equal(t, sip.StatusOK, int(res.StatusCode))
			require.Len(t, h.registered, 1)
			assert.Equal(t, tt.want, h.registered[0].ExpiresIn)
		})
	}
}

func TestRegister_Unbind(t *testing.T) {
	tests := []struct {
		name string
		opts []regOpt
	}{
		{name: "expires zero", opts: []regOpt{withExpires("0")}},
		{name: "wildcard", opts: []regOpt{withContact("*"), withExpires("0")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.register(t, "zanzibar")

			res := h.register(t, "zanzibar", tt.opts...)
			assert.Equal(t, sip.StatusOK, int(res.StatusCode))
			assert.Equal(t, "0", res.GetHeader("Expires").Value())

			require.Len(t, h.unregs, 1)
			assert.Equal(t, h.registered[0].UUID, h.unregs[0].UUID)
			_, ok := h.reg.Get("bob@biloxi.com")
			assert.False(t, ok)
		})
	}
}

func TestRegister_AuthFailures(t *testing.T) {
	h := newHarness(t, Options{})

	res := h.register(t, "wrong")
	assert.Equal(t, sip.StatusForbidden, int(res.StatusCode))
	assert.Equal(t, "Bad auth verify", res.Reason)
	assert.Empty(t, h.registered)

	tx := &fakeTX{}
	req := newRegister()
	req.AppendHeader(sip.NewHeader("Authorization", "garbage"))
	h.reg.HandleRegister(context.Background(), req, tx)
	assert.Equal(t, sip.StatusForbidden, int(tx.last(t).StatusCode))
}

func TestRegister_UnknownUser(t *testing.T) {
	h := newHarness(t, Options{Lookup: func(context.Context, string, string) (*sipauth.User, error) {
		return nil, sipauth.ErrUserNotFound
	}})

	res := h.register(t, "zanzibar")
	assert.Equal(t, sip.StatusForbidden, int(res.StatusCode))
	assert.Equal(t, "User error", res.Reason)
}

func TestRegister_BindingExpires(t *testing.T) {
	h := newHarness(t, Options{})

	h.register(t, "zanzibar", withExpires("1"))
	require.Len(t, h.registered, 1)

	assert.Eventually(t, func() bool { return h.unregisterCount() == 1 }, 3*time.Second, 20*time.Millisecond)
	_, ok := h.reg.Get("bob@biloxi.com")
	assert.False(t, ok)
}

func TestRegister_GetAuth(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "zanzibar")

	sub := sip.NewRequest(sip.SUBSCRIBE, sip.Uri{Scheme: "sip", User: "alice", Host: "biloxi.com"})
	sub.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"}, Params: sip.NewParams()})
	sub.SetSource("192.0.2.4:5060")
	assert.NotNil(t, h.reg.GetAuth(sub))

	sub.SetSource("192.0.2.5:5060")
	assert.Nil(t, h.reg.GetAuth(sub))
}

func TestRegister_Metrics(t *testing.T) {
	m := metrics.New(metrics.Config{Namespace: "test"})
	h := newHarness(t, Options{Metrics: m})
	h.register(t, "zanzibar", withSource("192.0.2.4:5060"))

	expected := `
# HELP test_registrations_active Active registrar bindings
# TYPE test_registrations_active gauge
test_registrations_active 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_registrations_active"))
}
