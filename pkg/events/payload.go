package events

import "github.com/arzzra/presence/pkg/presdoc"

// Subscribe сообщает о новом наблюдателе (SubscribeIn, VoicemailIn).
type Subscribe struct {
	ContentType presdoc.ContentType
	Entity      string
	Expires     int
	// CallKey идентификатор подписки callid@host:port
	CallKey string
}

// Voicemail состояние ящика для VoicemailOut.
type Voicemail struct {
	Entity    string
	New       int
	Old       int
	NewUrgent int
	OldUrgent int
	// Reason "init" для начальной рассылки
	Reason  string
	CallKey string
}

// Summary переводит в документную модель.
func (v Voicemail) Summary() presdoc.MessageSummary {
	return presdoc.MessageSummary{
		New:       v.New,
		Old:       v.Old,
		NewUrgent: v.NewUrgent,
		OldUrgent: v.OldUrgent,
	}
}

// Статусы регистрации.
const (
	StatusRegistered   = "registered"
	StatusUnregistered = "unregistered"
)

// Registration состояние регистрации entity для RegistrationOut.
type Registration struct {
	Entity    string
	Status    string
	CallCount int
	CallKey   string
}

// Registered true для StatusRegistered.
func (r Registration) Registered() bool {
	return r.Status == StatusRegistered
}

// Dialog изменения вызовов для DialogOut.
// Если Partial задан, отправляется только он, иначе Full как полный снимок.
type Dialog struct {
	Entity    string
	Display   string
	CallCount int
	Full      []presdoc.Call
	Partial   *presdoc.Call
	CallKey   string
}

// CheckSync запрос на перезагрузку телефона для CheckSyncOut.
type CheckSync struct {
	Entity  string
	CallKey string
}

// Source откуда пришел факт.
type Source struct {
	// Event "PUBLISH" или "NOTIFY"
	Event   string
	Address string
	Port    int
	Contact string
}

// Status разобранный факт (StatusIn, StatusOut).
type Status struct {
	presdoc.Fact
	Entity      string
	ContentType presdoc.ContentType
	Source      Source
}

// Register событие регистратора.
type Register struct {
	UUID      string
	Username  string
	Realm     string
	Contacts  []string
	ExpiresIn int
	Allow     []string
}

// Entity user@realm регистрации.
func (r Register) Entity() string {
	return r.Username + "@" + r.Realm
}

// Unregister событие регистратора.
type Unregister struct {
	UUID string
}
