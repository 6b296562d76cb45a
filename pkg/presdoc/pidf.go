package presdoc

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Активности RPID, которые понимает парсер.
const (
	ActivityOnThePhone       = "on-the-phone"
	ActivityBusy             = "busy"
	ActivityPermanentAbsence = "permanent-absence"
	ActivityUnknown          = "unknown"
)

// Идентификаторы якорных элементов tuple/person. Это структурные заглушки,
// они одинаковы во всех документах.
const (
	pidfTupleID  = "t6a5ed77e"
	pidfPersonID = "p06360c4a"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

type pidfDoc struct {
	XMLName xml.Name     `xml:"presence"`
	Entity  string       `xml:"entity,attr"`
	Tuples  []pidfTuple  `xml:"tuple"`
	Persons []pidfPerson `xml:"person"`
}

type pidfTuple struct {
	ID    string `xml:"id,attr"`
	Basic string `xml:"status>basic"`
	Note  string `xml:"note"`
}

type pidfPerson struct {
	ID         string          `xml:"id,attr"`
	Activities *pidfActivities `xml:"activities"`
	Note       string          `xml:"note"`
}

type pidfActivities struct {
	Items []pidfAny `xml:",any"`
}

type pidfAny struct {
	XMLName xml.Name
}

func (a *pidfActivities) has(names ...string) bool {
	if a == nil {
		return false
	}
	for _, item := range a.Items {
		for _, n := range names {
			if item.XMLName.Local == n {
				return true
			}
		}
	}
	return false
}

// parsePIDF разбирает application/pidf+xml.
//
// Если в документе есть блок person, состояние берется из него:
// busy, когда есть активность busy/permanent-absence или активностей нет вовсе.
// Иначе dnd и onthephone выводятся из basic и текста note.
func parsePIDF(body []byte) (Fact, error) {
	var doc pidfDoc
	if err := decodeXML(body, &doc); err != nil {
		return Fact{}, err
	}
	if len(doc.Tuples) == 0 {
		return Fact{}, errors.Wrap(ErrMalformed, "pidf without tuple")
	}

	tuple := doc.Tuples[0]
	fact := Fact{
		Status: strings.TrimSpace(tuple.Basic),
		Note:   strings.TrimSpace(tuple.Note),
	}

	if len(doc.Persons) > 0 {
		person := doc.Persons[0]
		acts := person.Activities
		fact.OnThePhone = acts.has(ActivityOnThePhone)
		fact.DND = acts == nil || len(acts.Items) == 0 || acts.has(ActivityBusy, ActivityPermanentAbsence)
		if note := strings.TrimSpace(person.Note); note != "" {
			fact.Note = note
		}
		if fact.DND {
			fact.Status = "closed"
		} else {
			fact.Status = "open"
		}
		return fact, nil
	}

	fact.DND = matchWord(fact.Note, "dnd", "busy") || matchWord(fact.Status, "dnd", "busy")
	fact.OnThePhone = matchWord(fact.Note, "away", "on the phone") || matchWord(fact.Status, "inuse", "on-the-phone")
	return fact, nil
}

// GenPIDF строит PIDF документ. Блоки активности и заметки попадают в
// документ, только если соответствующее значение не пустое.
func GenPIDF(entity, status, note string, activities ...string) []byte {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<presence xmlns="urn:ietf:params:xml:ns:pidf"`)
	b.WriteString(` xmlns:dm="urn:ietf:params:xml:ns:pidf:data-model"`)
	b.WriteString(` xmlns:rpid="urn:ietf:params:xml:ns:pidf:rpid"`)
	b.WriteString(` xmlns:c="urn:ietf:params:xml:ns:pidf:cipid"`)
	b.WriteString(` entity="sip:`)
	writeEscaped(&b, entity)
	b.WriteString(`">`)

	b.WriteString(`<tuple id="` + pidfTupleID + `"><status><basic>`)
	writeEscaped(&b, status)
	b.WriteString(`</basic></status></tuple>`)

	b.WriteString(`<dm:person id="` + pidfPersonID + `">`)
	opened := false
	for _, activity := range activities {
		if activity == "" {
			continue
		}
		if !opened {
			b.WriteString(`<rpid:activities>`)
			opened = true
		}
		b.WriteString(`<rpid:`)
		writeEscaped(&b, activity)
		b.WriteString(`/>`)
	}
	if opened {
		b.WriteString(`</rpid:activities>`)
	}
	if note != "" {
		b.WriteString(`<dm:note>`)
		writeEscaped(&b, note)
		b.WriteString(`</dm:note>`)
	}
	b.WriteString(`</dm:person></presence>`)
	return []byte(b.String())
}

func decodeXML(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.Wrap(ErrMalformed, "empty body")
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	// телефоны шлют ISO-8859-1 в прологе, содержимое при этом ASCII
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return nil
}

func writeEscaped(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}
