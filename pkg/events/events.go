// Package events шина внутренних событий presence: связывает разбор
// PUBLISH/NOTIFY с рассылкой NOTIFY наблюдателям.
package events

import (
	"log/slog"
	"sync"
)

// Топики шины.
const (
	// SubscribeIn новый наблюдатель presence/dialog
	SubscribeIn = "presence.subscribe.in"
	// VoicemailIn новый наблюдатель message-summary
	VoicemailIn = "presence.voicemail.in"
	// StatusIn разобранный факт от телефона (PUBLISH или NOTIFY)
	StatusIn = "presence.status.in"
	// StatusOut факт для рассылки наблюдателям pidf/xpidf
	StatusOut       = "presence.status.out"
	VoicemailOut    = "presence.voicemail.out"
	DialogOut       = "presence.dialog.out"
	CheckSyncOut    = "presence.checksync.out"
	RegistrationOut = "presence.registration.out"

	// TopicRegister и TopicUnregister публикует регистратор
	TopicRegister   = "register"
	TopicUnregister = "unregister"
)

// Handler обработчик события. payload один из типов пакета.
type Handler func(payload any)

type entry struct {
	id uint64
	h  Handler
}

// Bus именованная шина публикации/подписки.
// Обработчики вызываются синхронно в порядке регистрации.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry
	logger   *slog.Logger
}

// NewBus создает пустую шину.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// On регистрирует обработчик топика. Возвращаемая функция снимает его.
func (b *Bus) On(topic string, h Handler) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], entry{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(topic, id) })
	}
}

func (b *Bus) off(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[topic]
	for i, e := range list {
		if e.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.handlers, topic)
		return
	}
	b.handlers[topic] = list
}

// Emit доставляет payload всем обработчикам топика.
// Паника обработчика логируется и не мешает остальным.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	list := b.handlers[topic]
	b.mu.RUnlock()

	for _, e := range list {
		b.call(topic, e.h, payload)
	}
}

func (b *Bus) call(topic string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Bus.Emit handler panic",
				slog.String("topic", topic),
				slog.Any("panic", r))
		}
	}()
	h(payload)
}

// Listeners количество обработчиков топика.
func (b *Bus) Listeners(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Clear снимает все обработчики. Только для тестов.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.handlers = make(map[string][]entry)
	b.mu.Unlock()
}
