package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/models"
)

const notOurError = "This is not API200 error. The error is coming from the upstream API."

// Never forwarded in either direction.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var outboundDrop = append([]string{"Content-Length", HeaderAPIKey, "Host", "Accept-Encoding"}, hopByHop...)

// forwardHeaders prepares the outbound headers: the inbound set minus the
// caller's gateway key, framing and hop-by-hop headers, plus the endpoint's
// custom headers. Accept-Encoding is left to the transport so bodies arrive
// decoded for caching, transforms and schema inference.
func forwardHeaders(in http.Header, ep *models.EndpointPolicy) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, h := range outboundDrop {
		out.Del(h)
	}
	if ep.CustomHeadersEnabled {
		for k, v := range ep.CustomHeaders {
			out.Set(k, v)
		}
	}
	return out
}

// relayHeaders copies upstream response headers for the caller.
// Content-Length is dropped when the body is re-framed.
func relayHeaders(in http.Header, stripLength bool) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, h := range hopByHop {
		out.Del(h)
	}
	if stripLength {
		out.Del("Content-Length")
	}
	return out
}

func headerFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func withQuery(rawURL, rawQuery string) string {
	if rawQuery == "" {
		return rawURL
	}
	if strings.Contains(rawURL, "?") {
		return rawURL + "&" + rawQuery
	}
	return rawURL + "?" + rawQuery
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func staticResult(status int, body string) *result {
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	if json.Valid([]byte(body)) {
		header.Set("Content-Type", "application/json")
	} else {
		header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return &result{status: status, header: header, body: []byte(body)}
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}

func messageBody(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

func errorBody(e *apierr.Error) []byte {
	payload := map[string]string{"error": e.Message}
	if e.Details != "" {
		payload["details"] = e.Details
	}
	b, _ := json.Marshal(payload)
	return b
}

func upstreamErrorBody(e *apierr.UpstreamError) []byte {
	var details any
	switch {
	case len(e.Body) == 0:
	case json.Valid(e.Body):
		details = json.RawMessage(e.Body)
	default:
		details = string(e.Body)
	}
	b, _ := json.Marshal(struct {
		Error   string `json:"error"`
		Details any    `json:"details"`
		API200  string `json:"api200"`
	}{Error: e.Message, Details: details, API200: notOurError})
	return b
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (o *Orchestrator) write(w http.ResponseWriter, out *result) {
	dst := w.Header()
	for k, v := range out.header {
		dst[k] = v
	}
	w.WriteHeader(out.status)
	if len(out.body) > 0 {
		_, _ = w.Write(out.body)
	}
	_ = http.NewResponseController(w).Flush()
}
