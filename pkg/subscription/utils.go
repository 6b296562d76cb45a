package subscription

import (
	"strconv"
	"strings"

	"github.com/arzzra/presence/pkg/presdoc"
	"github.com/emiago/sipgo/sip"
)

// GetExpires время подписки в секундах: сначала параметр expires в Contact,
// затем заголовок Expires.
func GetExpires(req *sip.Request) (int, bool) {
	if c := req.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				return n, true
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

// CallKey ключ подписки callid@host:port. Call-ID у разных телефонов
// может совпасть, адрес источника делает ключ уникальным.
func CallKey(req *sip.Request) string {
	return GetCallID(req) + "@" + req.Source()
}

// GetCallID значение Call-ID.
func GetCallID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	if h := req.GetHeader("Call-ID"); h != nil {
		return h.Value()
	}
	return ""
}

func isGoodResponse(res *sip.Response) bool {
	if res == nil {
		return false
	}
	switch res.StatusCode {
	case sip.StatusOK, sip.StatusAccepted, 204:
		return true
	}
	return false
}

// notifyEvent значение Event исходящего NOTIFY. Телефоны ждут presence
// и для dialog-info, независимо от пакета в SUBSCRIBE.
func notifyEvent(accept presdoc.ContentType) string {
	if accept == presdoc.ContentTypeMessageSummary {
		return "message-summary"
	}
	return "presence"
}

// acceptList значения Accept по порядку, пустой список если заголовка нет.
func acceptList(req *sip.Request) []string {
	var out []string
	for _, h := range req.GetHeaders("Accept") {
		for _, v := range strings.Split(h.Value(), ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
