package presdoc

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MessageSummary состояние голосового ящика (RFC 3842).
type MessageSummary struct {
	Account   string
	New       int
	Old       int
	NewUrgent int
	OldUrgent int
}

// Waiting есть ли новые сообщения.
func (m MessageSummary) Waiting() bool {
	return m.New > 0
}

// MessageSummaryBody строит тело application/simple-message-summary.
func MessageSummaryBody(entity string, m MessageSummary) []byte {
	waiting := "no"
	if m.Waiting() {
		waiting = "yes"
	}
	return []byte(fmt.Sprintf("Messages-Waiting: %s\r\nMessage-Account: sip:%s\r\nVoice-Message: %d/%d (%d/%d)\r\n",
		waiting, entity, m.New, m.Old, m.NewUrgent, m.OldUrgent))
}

func parseMessageSummary(body []byte) (Fact, error) {
	var (
		summary MessageSummary
		waiting string
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "messages-waiting":
			waiting = strings.ToLower(value)
		case "message-account":
			summary.Account = value
		case "voice-message":
			n, err := fmt.Sscanf(value, "%d/%d (%d/%d)", &summary.New, &summary.Old, &summary.NewUrgent, &summary.OldUrgent)
			if err != nil && n < 2 {
				return Fact{}, errors.Wrapf(ErrMalformed, "voice-message %q", value)
			}
		}
	}
	if waiting != "yes" && waiting != "no" {
		return Fact{}, errors.Wrap(ErrMalformed, "missing Messages-Waiting")
	}
	return Fact{Status: waiting, Summary: &summary}, nil
}
