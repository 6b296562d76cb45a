package sipdialog

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

func GetFromTag(msg interface{ From() *sip.FromHeader }) string {
	if from := msg.From(); from != nil && from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

func GetToTag(msg interface{ To() *sip.ToHeader }) string {
	if to := msg.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

func getCallID(msg interface{ CallID() *sip.CallIDHeader }) string {
	if h := msg.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// requestExpires Expires запроса, -1 если заголовка нет.
func requestExpires(req *sip.Request) int {
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return n
		}
	}
	return -1
}

// isTerminated Subscription-State: terminated.
func isTerminated(req *sip.Request) bool {
	h := req.GetHeader("Subscription-State")
	if h == nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value())), "terminated")
}

// recordRoute адреса Record-Route по порядку заголовков.
func recordRoute(msg interface{ GetHeaders(name string) []sip.Header }) []sip.Uri {
	var out []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			out = append(out, rr.Address)
		}
	}
	return out
}

func reversed(uris []sip.Uri) []sip.Uri {
	out := make([]sip.Uri, len(uris))
	for i, u := range uris {
		out[len(uris)-1-i] = u
	}
	return out
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func isSuccess(res *sip.Response) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode < 300
}
