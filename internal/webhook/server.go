package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultMaxBodyBytes bounds webhook request bodies. Provider batches stay
// far below this.
const DefaultMaxBodyBytes = 1 << 20

// Processor consumes validated webhook events. Implementations run on
// background goroutines, after the HTTP response has been written.
type Processor interface {
	ProcessEnvelope(ctx context.Context, env *Envelope)
	ProcessTeamEvent(ctx context.Context, ev *TeamEvent)
}

// Background schedules fire-and-forget work that outlives the request.
type Background interface {
	Go(name string, fn func())
}

// ServerConfig carries the listener settings and webhook credentials.
type ServerConfig struct {
	Addr string

	// VerifyToken answers the provider's subscription handshake.
	VerifyToken string
	// AppSecret signs provider payloads (HMAC-SHA256 of the raw body).
	AppSecret []byte
	// TeamToken guards the team-inbox webhook when non-empty, matched
	// against the "token" query parameter.
	TeamToken string

	MaxBodyBytes int64
}

// Server terminates webhook HTTP traffic. Requests are verified and parsed
// synchronously, acknowledged, and then processed in the background so the
// provider never waits on downstream calls.
type Server struct {
	cfg  ServerConfig
	proc Processor
	bg   Background
	log  *slog.Logger

	httpServer *http.Server
}

// NewServer wires a webhook server to its processor.
func NewServer(cfg ServerConfig, proc Processor, bg Background) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		cfg:  cfg,
		proc: proc,
		bg:   bg,
		log:  slog.Default().With("component", "webhook"),
	}
}

// Routes builds the HTTP mux. Exposed so alternative listeners can serve
// the same handlers.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/whatsapp", s.handleWhatsApp)
	mux.HandleFunc("/webhook/chatwoot", s.handleTeam)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("webhook server starting", "addr", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","time":%q}`, time.Now().UTC().Format(time.RFC3339))
}

func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerify(w, r)
	case http.MethodPost:
		s.handleEvent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the provider's subscription handshake: echo the
// challenge when the verify token matches.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || challenge == "" {
		http.Error(w, "bad verification request", http.StatusBadRequest)
		return
	}
	if s.cfg.VerifyToken == "" || token != s.cfg.VerifyToken {
		s.log.Warn("webhook verification rejected", "mode", mode)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	s.log.Info("webhook verification accepted")
	io.WriteString(w, challenge)
}

// handleEvent authenticates and parses a provider delivery, acknowledges
// it, and hands the envelope to the processor in the background. The
// provider redelivers on anything but a fast 200, so business failures
// must never surface here.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !VerifySignature(raw, r.Header.Get("X-Hub-Signature-256"), s.cfg.AppSecret) {
		s.log.Warn("webhook signature rejected", "len", len(raw))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		s.log.Warn("webhook payload rejected", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	s.bg.Go("webhook-envelope", func() {
		s.proc.ProcessEnvelope(context.Background(), env)
	})
}

// handleTeam receives team-inbox notifications (agent replies, conversation
// status changes). Same ack-then-process shape as the provider webhook.
func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.TeamToken != "" && r.URL.Query().Get("token") != s.cfg.TeamToken {
		s.log.Warn("team webhook token rejected")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ev, err := ParseTeamEvent(raw)
	if err != nil {
		s.log.Warn("team event rejected", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	s.bg.Go("team-event", func() {
		s.proc.ProcessTeamEvent(context.Background(), ev)
	})
}

// readBody drains the request body under the size cap. Replies 413 when
// the cap is hit and 400 on other read failures.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.log.Warn("webhook body over limit", "limit", maxErr.Limit)
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, false
	}
	return raw, true
}
