package twilio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// Dialer provides outbound call creation via Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Call places an outbound call whose TwiML connects the callee to the media
// stream, carrying the prompt and first message as stream parameters.
func (d *Dialer) Call(ctx context.Context, req transports.CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonCallCreate)
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		return "", errorsx.New(errorsx.ReasonCallCreate, "destination number required")
	}
	if d.cfg.PhoneNumber == "" {
		return "", errorsx.New(errorsx.ReasonCallCreate, "caller number not configured")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.New(errorsx.ReasonCallCreate, "missing twilio credentials")
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.cfg.PhoneNumber)
	params.SetUrl(d.TwimlURL(req.Prompt, req.FirstMessage))
	params.SetStatusCallback(publicHTTPURL(d.cfg, d.cfg.StatusCallbackPath))
	params.SetStatusCallbackMethod(http.MethodPost)
	params.SetStatusCallbackEvent(statusCallbackEvents)
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonCallCreate)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.New(errorsx.ReasonCallCreate, "missing call sid")
	}
	return *resp.Sid, nil
}

// TwimlURL is the webhook Twilio fetches once the callee answers.
func (d *Dialer) TwimlURL(prompt, firstMessage string) string {
	base := publicHTTPURL(d.cfg, d.cfg.TwimlPath)
	q := url.Values{}
	if prompt != "" {
		q.Set("prompt", prompt)
	}
	if firstMessage != "" {
		q.Set("first_message", firstMessage)
	}
	if len(q) == 0 {
		return base
	}
	return base + "?" + q.Encode()
}

type outboundCallRequest struct {
	Number       string `json:"number"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`
}

type outboundCallResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	CallSID string `json:"callSid,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (t *Transport) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req outboundCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		t.log.Warn("outbound_call_bad_request",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonMalformedMessage)))
		t.opts.Metrics.Call("rejected")
		respondJSON(w, http.StatusBadRequest, outboundCallResponse{Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		t.opts.Metrics.Call("rejected")
		respondJSON(w, http.StatusBadRequest, outboundCallResponse{Error: "Phone number is required"})
		return
	}

	callSID, err := t.dialer.Call(r.Context(), transports.CallRequest{
		To:           req.Number,
		Prompt:       req.Prompt,
		FirstMessage: req.FirstMessage,
	})
	if err != nil {
		reason := errorsx.Reason(err)
		t.log.Error("outbound_call_failed",
			slog.String("to", redact.Number(req.Number)),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(reason)))
		t.opts.Metrics.Error(reason)
		t.opts.Metrics.Call("failed")
		respondJSON(w, http.StatusInternalServerError, outboundCallResponse{Error: "Failed to initiate call"})
		return
	}

	t.log.Info("outbound_call_created",
		slog.String("to", redact.Number(req.Number)),
		slog.String("call_sid", callSID))
	t.opts.Metrics.Call("created")
	respondJSON(w, http.StatusOK, outboundCallResponse{
		Success: true,
		Message: "Call initiated",
		CallSID: callSID,
	})
}

var _ transports.OutboundDialer = (*Dialer)(nil)
