package subscription

import (
	"sync"

	"github.com/arzzra/presence/pkg/metrics"
)

// Stats размеры индексов хранилища.
type Stats struct {
	// Entities количество entity, на которые есть подписки
	Entities int
	// CallKeys количество записей в индексе по callid@host:port
	CallKeys int
	// Subscriptions всего подписок
	Subscriptions int
}

// Store хранилище входящих подписок с двумя индексами: по entity
// (один ко многим) и по ключу вызова (один к одному).
// Оба индекса меняются в одной критической секции.
type Store struct {
	mu       sync.RWMutex
	byEntity map[string]map[string]*Subscription
	byCall   map[string]*Subscription
	metrics  *metrics.Collector
}

// NewStore создает пустое хранилище.
func NewStore(m *metrics.Collector) *Store {
	return &Store{
		byEntity: make(map[string]map[string]*Subscription),
		byCall:   make(map[string]*Subscription),
		metrics:  m,
	}
}

// Put добавляет подписку. Повторный Put той же подписки ничего не меняет.
// Если ключ вызова занят другой подпиской, та вытесняется из обоих индексов.
func (s *Store) Put(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byCall[sub.callKey]; ok && prev != sub {
		s.removeLocked(prev)
	}

	bucket, ok := s.byEntity[sub.entity]
	if !ok {
		bucket = make(map[string]*Subscription)
		s.byEntity[sub.entity] = bucket
	}
	if _, exists := bucket[sub.id]; !exists {
		s.metrics.SubscriptionStored()
	}
	bucket[sub.id] = sub
	s.byCall[sub.callKey] = sub
}

// GetByEntity возвращает копию списка подписок на entity.
func (s *Store) GetByEntity(entity string) ([]*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.byEntity[entity]
	if !ok {
		return nil, false
	}
	out := make([]*Subscription, 0, len(bucket))
	for _, sub := range bucket {
		out = append(out, sub)
	}
	return out, true
}

// GetByCallKey ищет подписку по callid@host:port.
func (s *Store) GetByCallKey(key string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byCall[key]
	return sub, ok
}

// Remove удаляет подписку из обоих индексов или ни из одного.
func (s *Store) Remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sub)
}

func (s *Store) removeLocked(sub *Subscription) {
	bucket, ok := s.byEntity[sub.entity]
	if !ok {
		return
	}
	if _, ok := bucket[sub.id]; !ok {
		return
	}

	delete(bucket, sub.id)
	if len(bucket) == 0 {
		delete(s.byEntity, sub.entity)
	}
	if cur, ok := s.byCall[sub.callKey]; ok && cur == sub {
		delete(s.byCall, sub.callKey)
	}
	s.metrics.SubscriptionRemoved()
}

// Stats текущие размеры индексов.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Entities: len(s.byEntity), CallKeys: len(s.byCall)}
	for _, bucket := range s.byEntity {
		st.Subscriptions += len(bucket)
	}
	return st
}

// All снимок всех подписок.
func (s *Store) All() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Subscription, 0, len(s.byCall))
	for _, bucket := range s.byEntity {
		for _, sub := range bucket {
			out = append(out, sub)
		}
	}
	return out
}

// Clear очищает хранилище. Только для тестов.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byEntity = make(map[string]map[string]*Subscription)
	s.byCall = make(map[string]*Subscription)
}
