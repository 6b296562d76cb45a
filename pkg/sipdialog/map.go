package sipdialog

import (
	"sync"
)

// sessionKey диалог однозначно определяется Call-ID и нашим тегом.
type sessionKey struct {
	callID   string
	localTag string
}

type sessionMap struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*Dialog
}

func newSessionMap() *sessionMap {
	return &sessionMap{sessions: make(map[sessionKey]*Dialog)}
}

func (m *sessionMap) get(callID, tag string) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.sessions[sessionKey{callID: callID, localTag: tag}]
	return d, ok
}

func (m *sessionMap) put(d *Dialog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[d.key()] = d
}

// delete удаляет диалог, только если под ключом лежит именно он.
func (m *sessionMap) delete(d *Dialog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[d.key()]; ok && cur == d {
		delete(m.sessions, d.key())
	}
}

func (m *sessionMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *sessionMap) all() []*Dialog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Dialog, 0, len(m.sessions))
	for _, d := range m.sessions {
		out = append(out, d)
	}
	return out
}
