package presdoc

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// Состояние документа dialog-info (RFC 4235).
const (
	StateFull    = "full"
	StatePartial = "partial"
)

// Состояния отдельного диалога.
const (
	DialogTrying     = "trying"
	DialogProceeding = "proceeding"
	DialogEarly      = "early"
	DialogConfirmed  = "confirmed"
	DialogTerminated = "terminated"
)

// Direction направление вызова относительно наблюдаемого entity.
type Direction string

const (
	DirectionInitiator Direction = "initiator"
	DirectionRecipient Direction = "recipient"
)

// Party сторона вызова.
type Party struct {
	Display string
	// URI identity стороны
	URI string
	// Target URI для target, если пусто используется URI
	Target string
}

// Call описание одного вызова для dialog-info.
type Call struct {
	// ID SIP Call-ID вызова
	ID        string
	Direction Direction
	State     string
	// Duration длительность в секундах
	Duration int
	HasMedia bool
	Local    Party
	Remote   Party
}

type dialogInfoDoc struct {
	XMLName xml.Name     `xml:"dialog-info"`
	Version string       `xml:"version,attr"`
	State   string       `xml:"state,attr"`
	Entity  string       `xml:"entity,attr"`
	Dialogs []dialogElem `xml:"dialog"`
}

type dialogElem struct {
	ID        string          `xml:"id,attr"`
	CallID    string          `xml:"call-id,attr"`
	Direction string          `xml:"direction,attr"`
	State     string          `xml:"state"`
	Duration  int             `xml:"duration"`
	Local     dialogPartyElem `xml:"local"`
	Remote    dialogPartyElem `xml:"remote"`
}

type dialogPartyElem struct {
	Identity struct {
		Display string `xml:"display,attr"`
		URI     string `xml:",chardata"`
	} `xml:"identity"`
	Target struct {
		URI    string `xml:"uri,attr"`
		Params []struct {
			Name  string `xml:"pname,attr"`
			Value string `xml:"pvalue,attr"`
		} `xml:"param"`
	} `xml:"target"`
}

func (p dialogPartyElem) party() Party {
	return Party{
		Display: p.Identity.Display,
		URI:     strings.TrimSpace(p.Identity.URI),
		Target:  p.Target.URI,
	}
}

func (p dialogPartyElem) rendering() bool {
	for _, param := range p.Target.Params {
		if param.Name == "+sip.rendering" {
			return param.Value == "yes"
		}
	}
	return false
}

// Active сообщает, что вызов еще не завершен.
func (c Call) Active() bool {
	switch strings.ToLower(c.State) {
	case DialogTrying, DialogProceeding, DialogEarly, DialogConfirmed:
		return true
	}
	return false
}

func parseDialogInfo(body []byte) (Fact, error) {
	var doc dialogInfoDoc
	if err := decodeXML(body, &doc); err != nil {
		return Fact{}, err
	}

	fact := Fact{Status: "open"}
	for _, d := range doc.Dialogs {
		id := d.CallID
		if id == "" {
			id = d.ID
		}
		call := Call{
			ID:        id,
			Direction: Direction(d.Direction),
			State:     strings.TrimSpace(d.State),
			Duration:  d.Duration,
			HasMedia:  d.Local.rendering(),
			Local:     d.Local.party(),
			Remote:    d.Remote.party(),
		}
		if call.Active() {
			fact.OnThePhone = true
		}
		fact.Calls = append(fact.Calls, call)
	}
	if fact.OnThePhone {
		fact.Status = "closed"
	}
	return fact, nil
}

// DialogInfo строит документ dialog-info с одним или без вложенного dialog.
// display используется для local identity, если у вызова он не задан.
func DialogInfo(version uint64, state, entity, display string, call *Call) []byte {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<dialog-info xmlns="urn:ietf:params:xml:ns:dialog-info" version="`)
	b.WriteString(strconv.FormatUint(version, 10))
	b.WriteString(`" state="`)
	writeEscaped(&b, state)
	b.WriteString(`" entity="sip:`)
	writeEscaped(&b, entity)
	b.WriteString(`">`)
	if call != nil {
		writeDialog(&b, entity, display, call)
	}
	b.WriteString(`</dialog-info>`)
	return []byte(b.String())
}

func writeDialog(b *strings.Builder, entity, display string, call *Call) {
	b.WriteString(`<dialog id="`)
	writeEscaped(b, call.ID)
	b.WriteString(`" call-id="`)
	writeEscaped(b, call.ID)
	b.WriteString(`"`)
	if call.Direction != "" {
		b.WriteString(` direction="`)
		writeEscaped(b, string(call.Direction))
		b.WriteString(`"`)
	}
	b.WriteString(`><state>`)
	writeEscaped(b, call.State)
	b.WriteString(`</state>`)
	if call.Duration > 0 {
		b.WriteString(`<duration>` + strconv.Itoa(call.Duration) + `</duration>`)
	}

	local := call.Local
	if local.URI == "" {
		local.URI = "sip:" + entity
	}
	if local.Display == "" {
		local.Display = display
	}
	rendering := "no"
	if call.HasMedia {
		rendering = "yes"
	}

	b.WriteString(`<local>`)
	writeIdentity(b, local)
	b.WriteString(`<target uri="`)
	writeEscaped(b, targetOf(local))
	b.WriteString(`"><param pname="+sip.rendering" pvalue="` + rendering + `"/></target></local>`)

	if call.Remote.URI != "" {
		b.WriteString(`<remote>`)
		writeIdentity(b, call.Remote)
		b.WriteString(`<target uri="`)
		writeEscaped(b, targetOf(call.Remote))
		b.WriteString(`"/></remote>`)
	}
	b.WriteString(`</dialog>`)
}

func writeIdentity(b *strings.Builder, p Party) {
	b.WriteString(`<identity`)
	if p.Display != "" {
		b.WriteString(` display="`)
		writeEscaped(b, p.Display)
		b.WriteString(`"`)
	}
	b.WriteString(`>`)
	writeEscaped(b, p.URI)
	b.WriteString(`</identity>`)
}

func targetOf(p Party) string {
	if p.Target != "" {
		return p.Target
	}
	return p.URI
}
