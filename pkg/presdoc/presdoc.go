// Package presdoc преобразует тела SIP presence документов (PIDF, XPIDF,
// dialog-info, simple-message-summary) в типизированные факты и обратно.
// Пакет не хранит состояние.
package presdoc

import (
	"strings"

	"github.com/pkg/errors"
)

// ContentType MIME тип тела presence документа.
type ContentType string

const (
	ContentTypePIDF           ContentType = "application/pidf+xml"
	ContentTypeXPIDF          ContentType = "application/xpidf+xml"
	ContentTypeDialogInfo     ContentType = "application/dialog-info+xml"
	ContentTypeMessageSummary ContentType = "application/simple-message-summary"
)

var (
	// ErrUnsupportedContentType тип тела не поддерживается
	ErrUnsupportedContentType = errors.New("unsupported presence content type")
	// ErrMalformed тело документа не удалось разобрать
	ErrMalformed = errors.New("malformed presence document")
)

// String возвращает строковое представление типа.
func (c ContentType) String() string {
	return string(c)
}

// Supported сообщает, умеет ли пакет работать с данным типом.
func (c ContentType) Supported() bool {
	switch c {
	case ContentTypePIDF, ContentTypeXPIDF, ContentTypeDialogInfo, ContentTypeMessageSummary:
		return true
	}
	return false
}

// ParseContentType нормализует значение заголовка Content-Type/Accept:
// отбрасывает параметры и приводит к нижнему регистру.
func ParseContentType(value string) ContentType {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return ContentType(strings.ToLower(strings.TrimSpace(value)))
}

// Fact разобранное состояние присутствия.
type Fact struct {
	Status     string
	Note       string
	DND        bool
	OnThePhone bool

	// Calls заполняется только для dialog-info
	Calls []Call
	// Summary заполняется только для simple-message-summary
	Summary *MessageSummary
}

// Parse разбирает тело документа указанного типа.
// Ошибка всегда оборачивает ErrUnsupportedContentType или ErrMalformed.
func Parse(contentType string, body []byte) (Fact, error) {
	ct := ParseContentType(contentType)
	switch ct {
	case ContentTypePIDF:
		return parsePIDF(body)
	case ContentTypeXPIDF:
		return parseXPIDF(body)
	case ContentTypeDialogInfo:
		return parseDialogInfo(body)
	case ContentTypeMessageSummary:
		return parseMessageSummary(body)
	}
	return Fact{}, errors.Wrapf(ErrUnsupportedContentType, "content type %q", contentType)
}

// Render строит документ указанного типа из факта.
func Render(contentType ContentType, entity string, fact Fact) ([]byte, error) {
	switch contentType {
	case ContentTypePIDF:
		var activities []string
		if fact.DND {
			activities = append(activities, ActivityBusy)
		}
		if fact.OnThePhone {
			activities = append(activities, ActivityOnThePhone)
		}
		if len(activities) == 0 {
			activities = append(activities, ActivityUnknown)
		}
		return GenPIDF(entity, fact.Status, fact.Note, activities...), nil
	case ContentTypeXPIDF:
		// парсер выводит флаги из status и substatus, поэтому они
		// кодируются туда же
		status, substatus := fact.Status, fact.Note
		if fact.OnThePhone {
			status = "inuse"
		}
		if fact.DND {
			substatus = "busy"
		}
		return GenXPIDF(entity, status, "", substatus), nil
	case ContentTypeDialogInfo:
		var call *Call
		switch {
		case len(fact.Calls) > 0:
			c := fact.Calls[0]
			call = &c
		case fact.OnThePhone:
			call = &Call{ID: "presence", State: DialogConfirmed, HasMedia: true}
		}
		return DialogInfo(1, StateFull, entity, "", call), nil
	case ContentTypeMessageSummary:
		summary := MessageSummary{}
		if fact.Summary != nil {
			summary = *fact.Summary
		}
		return MessageSummaryBody(entity, summary), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedContentType, "content type %q", contentType)
}

// matchWord сравнивает текст с набором слов без учета регистра и пробелов по краям.
func matchWord(text string, words ...string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	for _, w := range words {
		if text == w {
			return true
		}
	}
	return false
}
