package twilio

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	twilioclient "github.com/twilio/twilio-go/client"
)

func (t *Transport) handleOutboundTwiml(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(w, r, "twiml") {
		return
	}
	q := r.URL.Query()
	params := agent.CustomParameters{
		Prompt:       q.Get("prompt"),
		FirstMessage: q.Get("first_message"),
	}
	writeTwiml(w, buildStreamTwiml(t.websocketURL(r), "", params))
}

func (t *Transport) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(w, r, "incoming") {
		return
	}
	writeTwiml(w, buildStreamTwiml(t.websocketURL(r), t.cfg.VoiceGreeting, agent.CustomParameters{}))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(w, r, "status") {
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	t.log.Info("twilio_call_status",
		slog.String("call_sid", callSID),
		slog.String("status", status))
	reason := normalizeCallEndReason(status)
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.opts.Metrics.Call("ended_" + reason)
	if st := t.streamForCall(callSID); st != nil {
		st.session.HandleStop()
		st.close()
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) authorize(w http.ResponseWriter, r *http.Request, hook string) bool {
	if t.cfg.SkipSignature || t.cfg.AuthToken == "" {
		return true
	}
	if t.validateTwilioRequest(r) {
		return true
	}
	t.log.Warn("twilio_invalid_signature",
		slog.String("webhook", hook),
		slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
	t.opts.Metrics.Error(errorsx.ReasonTransportInvalidSignature)
	w.WriteHeader(http.StatusForbidden)
	return false
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return false
		}
		_ = r.Body.Close()
		body = b
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// buildStreamTwiml connects the call to the media stream. Non-empty
// parameters become <Parameter> elements and reach the stream as
// start.customParameters.
func buildStreamTwiml(wsURL, greeting string, params agent.CustomParameters) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	if g := strings.TrimSpace(greeting); g != "" {
		b.WriteString(`<Say>` + xmlEscape(g) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + xmlEscape(wsURL) + `">`)
	if params.Prompt != "" {
		b.WriteString(`<Parameter name="prompt" value="` + xmlEscape(params.Prompt) + `"/>`)
	}
	if params.FirstMessage != "" {
		b.WriteString(`<Parameter name="first_message" value="` + xmlEscape(params.FirstMessage) + `"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

func writeTwiml(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "initiated", "ringing", "in-progress", "inprogress", "answered":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
