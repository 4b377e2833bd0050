package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingProcessor struct {
	mu        sync.Mutex
	envelopes []*Envelope
	team      []*TeamEvent
}

func (p *recordingProcessor) ProcessEnvelope(ctx context.Context, env *Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
}

func (p *recordingProcessor) ProcessTeamEvent(ctx context.Context, ev *TeamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.team = append(p.team, ev)
}

func (p *recordingProcessor) envelopeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envelopes)
}

// capturingBG queues background tasks so tests control when they run.
type capturingBG struct {
	tasks []func()
}

func (b *capturingBG) Go(name string, fn func()) { b.tasks = append(b.tasks, fn) }

func (b *capturingBG) drain() {
	for _, fn := range b.tasks {
		fn()
	}
	b.tasks = nil
}

func newTestServer(cfg ServerConfig) (*Server, *recordingProcessor, *capturingBG) {
	proc := &recordingProcessor{}
	bg := &capturingBG{}
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = "verify-tok"
	}
	if cfg.AppSecret == nil {
		cfg.AppSecret = []byte("app-secret")
	}
	return NewServer(cfg, proc, bg), proc, bg
}

func TestHandshake(t *testing.T) {
	srv, _, _ := newTestServer(ServerConfig{})
	mux := srv.Routes()

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-tok&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-tok&hub.challenge=42", http.StatusBadRequest, ""},
		{"missing challenge", "hub.mode=subscribe&hub.verify_token=verify-tok", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?"+tt.query, nil)
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandshakeRefusesEmptyConfiguredToken(t *testing.T) {
	srv, _, _ := newTestServer(ServerConfig{VerifyToken: " "})
	srv.cfg.VerifyToken = ""
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil)
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403 when no verify token is configured", rec.Code)
	}
}

func postSigned(mux *http.ServeMux, path, body string, secret []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign([]byte(body), secret))
	mux.ServeHTTP(rec, req)
	return rec
}

func TestEventRejectsBadSignature(t *testing.T) {
	srv, proc, _ := newTestServer(ServerConfig{})
	rec := postSigned(srv.Routes(), "/webhook/whatsapp", sampleEnvelope, []byte("wrong-secret"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
	if proc.envelopeCount() != 0 {
		t.Fatal("unauthenticated payload reached the processor")
	}
}

func TestEventRejectsMissingSignature(t *testing.T) {
	srv, _, _ := newTestServer(ServerConfig{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(sampleEnvelope))
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestEventAcceptedAndProcessed(t *testing.T) {
	srv, proc, bg := newTestServer(ServerConfig{})
	rec := postSigned(srv.Routes(), "/webhook/whatsapp", sampleEnvelope, []byte("app-secret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	// The ack is written before any business processing happens.
	if proc.envelopeCount() != 0 {
		t.Fatal("processing ran before the response was acknowledged")
	}
	bg.drain()
	if proc.envelopeCount() != 1 {
		t.Fatalf("processed %d envelopes, want 1", proc.envelopeCount())
	}
	if len(proc.envelopes[0].MessageEvents()) != 1 {
		t.Fatal("envelope lost its message events")
	}
}

func TestEventRejectsMalformedJSON(t *testing.T) {
	srv, proc, bg := newTestServer(ServerConfig{})
	rec := postSigned(srv.Routes(), "/webhook/whatsapp", `{"broken`, []byte("app-secret"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
	bg.drain()
	if proc.envelopeCount() != 0 {
		t.Fatal("malformed payload reached the processor")
	}
}

func TestEventRejectsOversizedBody(t *testing.T) {
	srv, _, _ := newTestServer(ServerConfig{MaxBodyBytes: 64})
	body := `{"object":"whatsapp_business_account","entry":[` + strings.Repeat(`{},`, 100) + `{}]}`
	rec := postSigned(srv.Routes(), "/webhook/whatsapp", body, []byte("app-secret"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", rec.Code)
	}
}

func TestEventMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(ServerConfig{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/webhook/whatsapp", nil)
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d, want 405", rec.Code)
	}
}

func TestTeamWebhookTokenGate(t *testing.T) {
	srv, proc, bg := newTestServer(ServerConfig{TeamToken: "sekret"})
	mux := srv.Routes()
	body := `{"event":"message_created","message_type":"outgoing","sender":{"type":"user"}}`

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/chatwoot", strings.NewReader(body))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code without token = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook/chatwoot?token=sekret", strings.NewReader(body))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code with token = %d, want 200", rec.Code)
	}
	bg.drain()
	if len(proc.team) != 1 {
		t.Fatalf("processed %d team events, want 1", len(proc.team))
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(ServerConfig{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
