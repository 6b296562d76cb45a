package presdoc

import (
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
)

type xpidfDoc struct {
	XMLName xml.Name    `xml:"presence"`
	Atoms   []xpidfAtom `xml:"atom"`
}

type xpidfAtom struct {
	ID      string         `xml:"id,attr"`
	Address []xpidfAddress `xml:"address"`
}

type xpidfAddress struct {
	URI       string     `xml:"uri,attr"`
	Status    xpidfValue `xml:"status"`
	Substatus xpidfSub   `xml:"msnsubstatus"`
}

type xpidfValue struct {
	Status string `xml:"status,attr"`
}

type xpidfSub struct {
	Substatus string `xml:"substatus,attr"`
}

// parseXPIDF разбирает application/xpidf+xml (Polycom и подобные).
// Note равен substatus.
func parseXPIDF(body []byte) (Fact, error) {
	var doc xpidfDoc
	if err := decodeXML(body, &doc); err != nil {
		return Fact{}, err
	}
	if len(doc.Atoms) == 0 || len(doc.Atoms[0].Address) == 0 {
		return Fact{}, errors.Wrap(ErrMalformed, "xpidf without atom/address")
	}

	addr := doc.Atoms[0].Address[0]
	status := strings.TrimSpace(addr.Status.Status)
	sub := strings.TrimSpace(addr.Substatus.Substatus)
	return Fact{
		Status:     status,
		Note:       sub,
		DND:        strings.EqualFold(sub, "busy"),
		OnThePhone: status == "inuse",
	}, nil
}

// GenXPIDF строит XPIDF документ. display попадает в элемент note и
// используется только для отображения на телефоне.
func GenXPIDF(entity, status, display, substatus string) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<!DOCTYPE presence PUBLIC "-//IETF//DTD RFCxxxx XPIDF 1.0//EN" "xpidf.dtd">`)
	b.WriteString(`<presence><presentity uri="sip:`)
	writeEscaped(&b, entity)
	b.WriteString(`;method=SUBSCRIBE"/>`)
	b.WriteString(`<atom id="`)
	writeEscaped(&b, atomID(entity))
	b.WriteString(`"><address uri="sip:`)
	writeEscaped(&b, entity)
	b.WriteString(`;user=ip" priority="0.800000">`)
	b.WriteString(`<status status="`)
	writeEscaped(&b, status)
	b.WriteString(`"/>`)
	if substatus != "" {
		b.WriteString(`<msnsubstatus substatus="`)
		writeEscaped(&b, substatus)
		b.WriteString(`"/>`)
	}
	if display != "" {
		b.WriteString(`<note>`)
		writeEscaped(&b, display)
		b.WriteString(`</note>`)
	}
	b.WriteString(`</address></atom></presence>`)
	return []byte(b.String())
}

// atomID пользовательская часть entity, как у Polycom.
func atomID(entity string) string {
	if i := strings.IndexByte(entity, '@'); i > 0 {
		return entity[:i]
	}
	return entity
}
