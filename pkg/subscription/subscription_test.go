package subscription

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/presence/pkg/events"
	"github.com/arzzra/presence/pkg/presdoc"
	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetExpires(t *testing.T) {
	tests := []struct {
		name   string
		opts   []reqOpt
		want   int
		wantOK bool
	}{
		{name: "contact wins over header", opts: []reqOpt{withExpiresHeader("30")}, want: 60, wantOK: true},
		{name: "contact equals header", opts: []reqOpt{withExpiresHeader("60")}, want: 60, wantOK: true},
		{name: "header only", opts: []reqOpt{withContactExpires(""), withExpiresHeader("30")}, want: 30, wantOK: true},
		{name: "zero", opts: []reqOpt{withContactExpires("0")}, want: 0, wantOK: true},
		{name: "missing", opts: []reqOpt{withContactExpires("")}, wantOK: false},
		{name: "garbage", opts: []reqOpt{withContactExpires(""), withExpiresHeader("soon")}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := GetExpires(newSubscribe(tt.opts...))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallKey(t *testing.T) {
	assert.Equal(t, "656565@192.168.0.2:5444", CallKey(newSubscribe()))
}

func TestCreate_Challenge(t *testing.T) {
	h := newHarness(t)
	tx := &fakeTX{}

	sub := Create(context.Background(), newSubscribe(withExpiresHeader("30")), tx, h.opts)
	t.Cleanup(sub.Destroy)

	res := tx.last(t)
	assert.Equal(t, sip.StatusUnauthorized, res.StatusCode)
	require.NotNil(t, res.GetHeader("WWW-Authenticate"))
	assert.Contains(t, res.GetHeader("WWW-Authenticate").Value(), `realm="biloxi.com"`)

	assert.Equal(t, 60, sub.Expires())
	assert.Equal(t, StateAwaitingAuth, sub.State())
	assert.False(t, sub.Authed())
	assert.Equal(t, "656565@192.168.0.2:5444", sub.CallKey())

	got, ok := h.store.GetByCallKey("656565@192.168.0.2:5444")
	require.True(t, ok)
	assert.Same(t, sub, got)
}

func TestCreate_ProxyChallenge(t *testing.T) {
	h := newHarness(t)
	h.opts.Proxy = true
	tx := &fakeTX{}

	sub := Create(context.Background(), newSubscribe(), tx, h.opts)
	t.Cleanup(sub.Destroy)

	res := tx.last(t)
	assert.Equal(t, sip.StatusProxyAuthRequired, res.StatusCode)
	assert.NotNil(t, res.GetHeader("Proxy-Authenticate"))
}

func TestCreate_BadRequest(t *testing.T) {
	tests := []struct {
		name   string
		opts   []reqOpt
		reason string
	}{
		{name: "no user in uri", opts: []reqOpt{withRequestURI("", "biloxi.com")}, reason: "Bad URI"},
		{name: "no expires", opts: []reqOpt{withContactExpires("")}, reason: "No valid expires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tx := &fakeTX{}

			sub := Create(context.Background(), newSubscribe(tt.opts...), tx, h.opts)

			res := tx.last(t)
			assert.Equal(t, sip.StatusBadRequest, res.StatusCode)
			assert.Equal(t, tt.reason, res.Reason)
			assert.True(t, sub.Destroyed())
			assert.Equal(t, StateDestroyed, sub.State())
			assert.Equal(t, Stats{}, h.store.Stats())
		})
	}
}

func TestCreate_PassAuthVoicemail(t *testing.T) {
	h := newHarness(t)
	opts := []reqOpt{withAccept("application/simple-message-summary")}

	sub, _ := h.active(t, opts...)

	assert.True(t, sub.Authed())
	assert.Equal(t, StateActive, sub.State())
	assert.Equal(t, presdoc.ContentTypeMessageSummary, sub.Accept())
	require.NotNil(t, sub.User())
	assert.Equal(t, "bob", sub.User().Username)

	subs, ok := h.store.GetByEntity("bob@biloxi.com")
	require.True(t, ok)
	assert.Len(t, subs, 1)

	require.Equal(t, []string{events.VoicemailIn}, h.topics)
	assert.Equal(t, events.Subscribe{
		ContentType: presdoc.ContentTypeMessageSummary,
		Entity:      "bob@biloxi.com",
		Expires:     60,
		CallKey:     "656565@192.168.0.2:5444",
	}, h.events[0])
	assert.Equal(t, []string{"application/simple-message-summary"}, h.ua.accepts)
}

func TestCreate_DefaultAcceptIsPIDF(t *testing.T) {
	h := newHarness(t)

	sub, _ := h.active(t)

	assert.Equal(t, presdoc.ContentTypePIDF, sub.Accept())
	assert.Equal(t, []string{events.SubscribeIn}, h.topics)
}

func TestCreate_FirstSupportedAccept(t *testing.T) {
	h := newHarness(t)

	sub, _ := h.active(t, withAccept("text/plain, application/dialog-info+xml"), withAccept("application/pidf+xml"))

	assert.Equal(t, presdoc.ContentTypeDialogInfo, sub.Accept())
}

func TestCreate_BadAccept(t *testing.T) {
	h := newHarness(t)
	opts := []reqOpt{withAccept("text/plain")}
	tx := &fakeTX{}

	sub := Create(context.Background(), newSubscribe(opts...), tx, h.opts)
	sub.Update(context.Background(), signed(t, tx, "bob", "zanzibar", opts...), tx)

	assert.Equal(t, sip.StatusNotAcceptable, tx.last(t).StatusCode)
	assert.True(t, sub.Destroyed())
	_, ok := h.store.GetByEntity("bob@biloxi.com")
	assert.False(t, ok)
	assert.Empty(t, h.topics)
	assert.Empty(t, h.ua.dialogs)
}

func TestUpdate_AuthFailures(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		reason   string
		setup    func(h *harness)
	}{
		{name: "wrong password", username: "bob", password: "nope", reason: "Bad auth verify"},
		{name: "unknown user", username: "carol", password: "zanzibar", reason: "User error"},
		{
			name:     "inconsistent user",
			username: "bob",
			password: "zanzibar",
			reason:   "Inconsistent",
			setup: func(h *harness) {
				h.users["bob@biloxi.com"] = &sipauth.User{Username: "robert", Realm: "biloxi.com", Secret: "zanzibar"}
			},
		},
		{
			name:     "realm differs from uri host",
			username: "bob",
			password: "zanzibar",
			reason:   "Forbidden",
			setup: func(h *harness) {
				h.opts.NewAuth = sipauth.NewFactory(false, "atlanta.com")
				h.users["bob@atlanta.com"] = &sipauth.User{Username: "bob", Realm: "atlanta.com", Secret: "zanzibar"}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			tx := &fakeTX{}

			sub := Create(context.Background(), newSubscribe(), tx, h.opts)
			sub.Update(context.Background(), signed(t, tx, tt.username, tt.password), tx)

			res := tx.last(t)
			assert.Equal(t, sip.StatusForbidden, res.StatusCode)
			assert.Equal(t, tt.reason, res.Reason)
			assert.True(t, sub.Destroyed())
			assert.Equal(t, Stats{}, h.store.Stats())
			assert.Empty(t, h.topics)
		})
	}
}

func TestUpdate_UnknownUserLogsWithoutStack(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	h.opts.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tx := &fakeTX{}

	sub := Create(context.Background(), newSubscribe(), tx, h.opts)
	sub.Update(context.Background(), signed(t, tx, "carol", "zanzibar"), tx)
	require.Equal(t, sip.StatusForbidden, tx.last(t).StatusCode)

	out := buf.String()
	assert.Contains(t, out, `error="user not found"`)
	assert.NotContains(t, out, ".go:", "expected rejections are logged without a stack trace")
}

func TestUpdate_StaleNonceRechallenges(t *testing.T) {
	h := newHarness(t)
	tx := &fakeTX{}

	sub := Create(context.Background(), newSubscribe(), tx, h.opts)
	t.Cleanup(sub.Destroy)
	stale := signed(t, tx, "bob", "zanzibar")

	// второй вызов выдает новый nonce
	sub.Update(context.Background(), newSubscribe(), tx)
	require.Equal(t, sip.StatusUnauthorized, tx.last(t).StatusCode)

	sub.Update(context.Background(), stale, tx)
	res := tx.last(t)
	assert.Equal(t, sip.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, strings.ToLower(res.GetHeader("WWW-Authenticate").Value()), "stale=true")
	assert.False(t, sub.Destroyed())

	sub.Update(context.Background(), signed(t, tx, "bob", "zanzibar"), tx)
	assert.Equal(t, sip.StatusAccepted, tx.last(t).StatusCode)
}

func TestUpdate_ExpiresZeroUnsubscribes(t *testing.T) {
	h := newHarness(t)
	tx := &fakeTX{}

	sub := Create(context.Background(), newSubscribe(), tx, h.opts)
	sub.Update(context.Background(), signed(t, tx, "bob", "zanzibar", withContactExpires("0")), tx)

	res := tx.last(t)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.Equal(t, "0", res.GetHeader("Expires").Value())
	assert.True(t, sub.Destroyed())
	assert.Empty(t, h.ua.dialogs)
	assert.Empty(t, h.topics)
}

func TestUpdate_RefreshInDialog(t *testing.T) {
	h := newHarness(t)
	sub, d := h.active(t)
	require.NotNil(t, d.onSubscribe)

	// обновление внутри диалога идет через новый вызов
	tx := &fakeTX{}
	d.onSubscribe(context.Background(), newSubscribe(withContactExpires("120")), tx)
	require.Equal(t, sip.StatusUnauthorized, tx.last(t).StatusCode)
	assert.Equal(t, StateAwaitingAuth, sub.State())

	d.onSubscribe(context.Background(), signed(t, tx, "bob", "zanzibar", withContactExpires("120")), tx)
	res := tx.last(t)
	assert.Equal(t, sip.StatusAccepted, res.StatusCode)
	assert.Equal(t, "120", res.GetHeader("Expires").Value())
	assert.Equal(t, 120, sub.Expires())
	assert.Equal(t, StateActive, sub.State())

	assert.Len(t, h.ua.dialogs, 1, "refresh reuses the dialog")
	assert.Len(t, h.topics, 1, "subscribe announced once")
}

func TestUpdate_ConcurrentSignedRetransmits(t *testing.T) {
	h := newHarness(t)
	tx := &fakeTX{}
	sub := Create(context.Background(), newSubscribe(), tx, h.opts)
	require.Equal(t, sip.StatusUnauthorized, tx.last(t).StatusCode)
	t.Cleanup(sub.Destroy)

	const n = 8
	reqs := make([]*sip.Request, n)
	txs := make([]*fakeTX, n)
	for i := range reqs {
		reqs[i] = signed(t, tx, "bob", "zanzibar")
		txs[i] = &fakeTX{}
	}

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub.Update(context.Background(), reqs[i], txs[i])
		}(i)
	}
	wg.Wait()

	for _, rtx := range txs {
		assert.Equal(t, sip.StatusAccepted, rtx.last(t).StatusCode)
	}
	h.ua.mu.Lock()
	assert.Len(t, h.ua.dialogs, 1, "one dialog per subscription")
	h.ua.mu.Unlock()
	assert.Equal(t, StateActive, sub.State())
	assert.Len(t, h.topics, 1, "subscribe announced once")
}

func TestUpdate_AfterDestroy(t *testing.T) {
	h := newHarness(t)
	sub, _ := h.active(t)
	sub.Destroy()

	tx := &fakeTX{}
	sub.Update(context.Background(), newSubscribe(), tx)
	assert.Equal(t, sip.StatusCallTransactionDoesNotExists, tx.last(t).StatusCode)
}

func TestAuthTimeoutDestroys(t *testing.T) {
	h := newHarness(t)
	h.opts.AuthTimeout = 20 * time.Millisecond
	tx := &fakeTX{}

	sub := Create(context.Background(), newSubscribe(), tx, h.opts)
	require.Equal(t, sip.StatusUnauthorized, tx.last(t).StatusCode)

	require.Eventually(t, sub.Destroyed, time.Second, 5*time.Millisecond)
	assert.Equal(t, Stats{}, h.store.Stats())
}

func TestExpiryDestroys(t *testing.T) {
	h := newHarness(t)
	sub, d := h.active(t, withContactExpires("1"))

	require.Eventually(t, func() bool { return d.teardowns() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, sub.Destroyed())
	assert.Equal(t, Stats{}, h.store.Stats())
}

func TestDestroy_Idempotent(t *testing.T) {
	h := newHarness(t)
	sub, d := h.active(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Destroy()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, d.teardowns())
	assert.Equal(t, StateDestroyed, sub.State())
	assert.Equal(t, Stats{}, h.store.Stats())
}

func TestDestroy_RemoteDialogEnd(t *testing.T) {
	h := newHarness(t)
	sub, d := h.active(t)

	d.remoteDestroy()

	assert.True(t, sub.Destroyed())
	assert.Equal(t, 0, d.teardowns(), "closed dialog is not torn down again")
	assert.Equal(t, Stats{}, h.store.Stats())
}

type fakeAuthSource struct {
	auth *sipauth.Auth
}

func (f fakeAuthSource) GetAuth(*sip.Request) *sipauth.Auth { return f.auth }

func TestCreate_ReusesRegistrarAuth(t *testing.T) {
	h := newHarness(t)
	reg := sipauth.New(false, "")
	h.opts.Registrar = fakeAuthSource{auth: reg}

	// вызов выдан регистратором
	regTx := &fakeTX{}
	require.NoError(t, reg.RequestAuth(newSubscribe(), regTx))

	tx := &fakeTX{}
	sub := Create(context.Background(), signed(t, regTx, "bob", "zanzibar"), tx, h.opts)
	t.Cleanup(sub.Destroy)

	assert.Equal(t, sip.StatusAccepted, tx.last(t).StatusCode)
	assert.True(t, sub.Authed())
}
