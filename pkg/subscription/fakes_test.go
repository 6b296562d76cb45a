package subscription

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// fakeTX записывает ответы.
type fakeTX struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (f *fakeTX) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeTX) last(t *testing.T) *sip.Response {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.responses, "no response sent")
	return f.responses[len(f.responses)-1]
}

type sentRequest struct {
	method  sip.RequestMethod
	headers []sip.Header
	body    []byte
}

func (r sentRequest) header(name string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h.Name(), name) {
			return h.Value()
		}
	}
	return ""
}

// fakeDialog диалог без сети. respond решает, каким кодом ответить на n-й запрос.
type fakeDialog struct {
	mu           sync.Mutex
	requests     []sentRequest
	respond      func(n int) int
	onSubscribe  RequestHandler
	onUnsub      func()
	onDestroy    func()
	destroyCalls int
	connected    bool
}

func newFakeDialog() *fakeDialog {
	return &fakeDialog{connected: true}
}

func (d *fakeDialog) ID() string { return "fake-dialog" }

func (d *fakeDialog) OnSubscribe(h RequestHandler) { d.onSubscribe = h }
func (d *fakeDialog) OnUnsubscribe(f func())      { d.onUnsub = f }
func (d *fakeDialog) OnDestroy(f func())          { d.onDestroy = f }

func (d *fakeDialog) Request(_ context.Context, method sip.RequestMethod, headers []sip.Header, body []byte) (*sip.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, sentRequest{method: method, headers: headers, body: body})
	n := len(d.requests)
	respond := d.respond
	d.mu.Unlock()

	code := 200
	if respond != nil {
		code = respond(n)
	}
	return sip.NewResponse(code, "Test"), nil
}

func (d *fakeDialog) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDialog) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCalls++
	d.connected = false
}

func (d *fakeDialog) teardowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyCalls
}

func (d *fakeDialog) sent() []sentRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentRequest(nil), d.requests...)
}

// remoteDestroy диалог завершен удаленной стороной.
func (d *fakeDialog) remoteDestroy() {
	d.mu.Lock()
	d.connected = false
	h := d.onDestroy
	d.mu.Unlock()
	h()
}

// fakeUA принимает подписку как транспорт: отвечает 202.
type fakeUA struct {
	mu      sync.Mutex
	dialogs []*fakeDialog
	accepts []string
	events  []string
}

func (u *fakeUA) CreateUAS(_ context.Context, req *sip.Request, tx sipauth.Responder, opts UASOptions) (Dialog, error) {
	res := sip.NewResponseFromRequest(req, sip.StatusAccepted, "Accepted", nil)
	res.AppendHeader(sip.NewHeader("Accept", opts.Accept))
	if err := tx.Respond(res); err != nil {
		return nil, err
	}
	d := newFakeDialog()
	u.mu.Lock()
	u.dialogs = append(u.dialogs, d)
	u.accepts = append(u.accepts, opts.Accept)
	u.events = append(u.events, opts.Event)
	u.mu.Unlock()
	return d, nil
}

func (u *fakeUA) dialog(t *testing.T) *fakeDialog {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.Len(t, u.dialogs, 1)
	return u.dialogs[0]
}

type reqOpt func(req *sip.Request)

func withAccept(v string) reqOpt {
	return func(req *sip.Request) { req.AppendHeader(sip.NewHeader("Accept", v)) }
}

func withExpiresHeader(v string) reqOpt {
	return func(req *sip.Request) { req.AppendHeader(sip.NewHeader("Expires", v)) }
}

func withContactExpires(v string) reqOpt {
	return func(req *sip.Request) {
		req.RemoveHeader("Contact")
		params := sip.NewParams()
		if v != "" {
			params = params.Add("expires", v)
		}
		req.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.168.0.2", Port: 5444},
			Params:  params,
		})
	}
}

func withRequestURI(user, host string) reqOpt {
	return func(req *sip.Request) { req.Recipient = sip.Uri{Scheme: "sip", User: user, Host: host} }
}

func withEvent(v string) reqOpt {
	return func(req *sip.Request) { req.AppendHeader(sip.NewHeader("Event", v)) }
}

// newSubscribe SUBSCRIBE на bob@biloxi.com от 192.168.0.2:5444 с Contact;expires=60.
func newSubscribe(opts ...reqOpt) *sip.Request {
	req := sip.NewRequest(sip.SUBSCRIBE, sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.168.0.2",
		Port:            5444,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "biloxi.com"},
		Params:  sip.NewParams().Add("tag", "a73kszlfl"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("656565")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.SUBSCRIBE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.168.0.2", Port: 5444},
		Params:  sip.NewParams().Add("expires", "60"),
	})
	req.SetSource("192.168.0.2:5444")

	for _, o := range opts {
		o(req)
	}
	return req
}

// signed повторяет запрос с ответом на последний вызов из tx.
func signed(t *testing.T, tx *fakeTX, username, password string, opts ...reqOpt) *sip.Request {
	t.Helper()
	chal := tx.last(t).GetHeader("WWW-Authenticate")
	require.NotNil(t, chal, "last response has no challenge")

	req := newSubscribe(opts...)
	value, err := sipauth.Answer(chal.Value(), req.Method, req.Recipient.String(), username, password)
	require.NoError(t, err)
	req.AppendHeader(sip.NewHeader("Authorization", value))
	return req
}

type harness struct {
	ua     *fakeUA
	bus    *events.Bus
	store  *Store
	opts   *Options
	users  map[string]*sipauth.User
	events []events.Subscribe
	topics []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ua:    &fakeUA{},
		bus:   events.NewBus(nil),
		store: NewStore(nil),
		users: map[string]*sipauth.User{
			"bob@biloxi.com": {Username: "bob", Realm: "biloxi.com", Secret: "zanzibar"},
		},
	}
	h.opts = &Options{
		UA:    h.ua,
		Bus:   h.bus,
		Store: h.store,
		Lookup: func(_ context.Context, username, realm string) (*sipauth.User, error) {
			if u, ok := h.users[username+"@"+realm]; ok {
				return u, nil
			}
			return nil, sipauth.ErrUserNotFound
		},
	}
	for _, topic := range []string{events.SubscribeIn, events.VoicemailIn} {
		h.bus.On(topic, func(p any) {
			h.topics = append(h.topics, topic)
			h.events = append(h.events, p.(events.Subscribe))
		})
	}
	return h
}

// active проходит полный цикл: вызов, ответ, 202.
func (h *harness) active(t *testing.T, opts ...reqOpt) (*Subscription, *fakeDialog) {
	t.Helper()
	tx := &fakeTX{}
	sub := Create(context.Background(), newSubscribe(opts...), tx, h.opts)
	require.Equal(t, 401, tx.last(t).StatusCode)

	sub.Update(context.Background(), signed(t, tx, "bob", "zanzibar", opts...), tx)
	require.Equal(t, 202, tx.last(t).StatusCode)
	t.Cleanup(sub.Destroy)

	h.ua.mu.Lock()
	d := h.ua.dialogs[len(h.ua.dialogs)-1]
	h.ua.mu.Unlock()
	return sub, d
}
