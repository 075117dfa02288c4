package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/prometheus/client_golang/prometheus/testutil"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last  *api.CreateCallParams
	calls int
	sid   string
	err   error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.calls++
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

var dialerConfig = Config{
	AccountSID:  "AC1",
	AuthToken:   "token",
	PhoneNumber: "+15550001111",
	PublicURL:   "https://relay.example.com",
}

func TestDialerCallCarriesParameters(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := NewDialer(dialerConfig)
	d.client = stub

	sid, err := d.Call(context.Background(), transports.CallRequest{To: "+15552223333", Prompt: "be brief", FirstMessage: "Hi there"})
	if err != nil {
		t.Fatalf("call error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last.To == nil || *stub.last.To != "+15552223333" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+15550001111" {
		t.Fatalf("expected From param from config")
	}
	if stub.last.Url == nil {
		t.Fatalf("expected Url param")
	}
	u, err := url.Parse(*stub.last.Url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "relay.example.com" || u.Path != "/outbound-call-twiml" {
		t.Fatalf("unexpected twiml url %s", *stub.last.Url)
	}
	if u.Query().Get("prompt") != "be brief" || u.Query().Get("first_message") != "Hi there" {
		t.Fatalf("expected parameters in twiml url, got %s", u.RawQuery)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://relay.example.com/status" {
		t.Fatalf("expected status callback url")
	}
}

func TestDialerCallValidation(t *testing.T) {
	stub := &stubCreator{sid: "CA1"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = stub

	if _, err := d.Call(context.Background(), transports.CallRequest{To: "+1"}); !errorsx.HasReason(err, errorsx.ReasonCallCreate) {
		t.Fatalf("expected call_create error without caller number, got %v", err)
	}
	d = NewDialer(dialerConfig)
	d.client = stub
	if _, err := d.Call(context.Background(), transports.CallRequest{To: "  "}); err == nil {
		t.Fatalf("expected error for empty destination")
	}
	if stub.calls != 0 {
		t.Fatalf("invalid requests must not reach twilio")
	}
}

func TestDialerTwimlURLWithoutParameters(t *testing.T) {
	d := NewDialer(Config{ServerAddr: ":9000"})
	if got := d.TwimlURL("", ""); got != "http://localhost:9000/outbound-call-twiml" {
		t.Fatalf("unexpected url %s", got)
	}
}

func postOutboundCall(tr *Transport, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/outbound-call", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	tr.handleOutboundCall(w, req)
	return w
}

func TestOutboundCallHandler(t *testing.T) {
	m := metrics.New("test")
	tr := New(dialerConfig, Options{Metrics: m})
	stub := &stubCreator{sid: "CA777"}
	tr.dialer.client = stub

	w := postOutboundCall(tr, `{"prompt":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without number, got %d", w.Code)
	}
	if stub.calls != 0 {
		t.Fatalf("no call expected for rejected request")
	}

	w = postOutboundCall(tr, `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}

	w = postOutboundCall(tr, `{"number":"+15552223333","prompt":"p","first_message":"f"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp outboundCallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.CallSID != "CA777" {
		t.Fatalf("unexpected response %+v", resp)
	}

	stub.err = errors.New("twilio down")
	w = postOutboundCall(tr, `{"number":"+15552223333"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on twilio failure, got %d", w.Code)
	}

	if got := testutil.ToFloat64(m.Calls.WithLabelValues("created")); got != 1 {
		t.Fatalf("expected one created call, got %v", got)
	}
	if got := testutil.ToFloat64(m.Calls.WithLabelValues("rejected")); got != 2 {
		t.Fatalf("expected two rejected calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.Errors.WithLabelValues(string(errorsx.ReasonCallCreate))); got != 1 {
		t.Fatalf("expected call_create error counted, got %v", got)
	}
}
