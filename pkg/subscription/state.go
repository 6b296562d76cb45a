package subscription

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// State состояние входящей подписки.
type State string

const (
	StateCreated       State = "Created"
	StateAwaitingAuth  State = "AwaitingAuth"
	StateAuthenticated State = "Authenticated"
	StateActive        State = "Active"
	StateRefreshing    State = "Refreshing"
	StateDestroyed     State = "Destroyed"
)

func (s State) String() string {
	return string(s)
}

var allStates = []State{StateCreated, StateAwaitingAuth, StateAuthenticated, StateActive, StateRefreshing, StateDestroyed}

func formEventName(src, dst State) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

/*
FSM входящей подписки:

	Created ──> AwaitingAuth ──> Authenticated ──> Active <──> Refreshing
	   └──────────────────────────────┘             ▲              │
	                                   AwaitingAuth <┴──────────────┘

Destroyed достижим из любого состояния.
*/
func (s *Subscription) initFSM() {
	transitions := [][2]State{
		{StateCreated, StateAwaitingAuth},
		{StateCreated, StateAuthenticated},
		{StateAwaitingAuth, StateAuthenticated},
		{StateAuthenticated, StateActive},
		{StateActive, StateRefreshing},
		{StateRefreshing, StateActive},
		{StateRefreshing, StateAwaitingAuth},
	}

	evts := make(fsm.Events, 0, len(transitions)+len(allStates))
	for _, t := range transitions {
		evts = append(evts, fsm.EventDesc{Name: formEventName(t[0], t[1]), Src: []string{string(t[0])}, Dst: string(t[1])})
	}
	for _, src := range allStates {
		if src == StateDestroyed {
			continue
		}
		evts = append(evts, fsm.EventDesc{Name: formEventName(src, StateDestroyed), Src: []string{string(src)}, Dst: string(StateDestroyed)})
	}

	s.fsm = fsm.NewFSM(string(StateCreated), evts, fsm.Callbacks{
		"after_event": s.afterStateChange,
	})
}

func (s *Subscription) afterStateChange(_ context.Context, e *fsm.Event) {
	s.log.Debug("Subscription state",
		slog.String("from", e.Src),
		slog.String("to", e.Dst))
}

// setState переводит автомат в dst, если это не текущее состояние.
func (s *Subscription) setState(dst State) {
	cur := State(s.fsm.Current())
	if cur == dst || cur == StateDestroyed {
		return
	}
	if err := s.fsm.Event(context.Background(), formEventName(cur, dst)); err != nil {
		s.log.Debug("Subscription.setState",
			slog.String("from", cur.String()),
			slog.String("to", dst.String()),
			slog.String("error", err.Error()))
	}
}

// task отложенная отмена. Повторный arm снимает предыдущий таймер,
// а сработавший устаревший таймер ничего не делает.
type task struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (t *task) arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.gen == gen
		if current {
			t.timer = nil
		}
		t.mu.Unlock()
		if current {
			fn()
		}
	})
}

func (t *task) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *task) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
