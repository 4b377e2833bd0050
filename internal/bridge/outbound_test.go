package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/zapbridge/internal/bus"
	"github.com/nextlevelbuilder/zapbridge/internal/idempotency"
	"github.com/nextlevelbuilder/zapbridge/internal/retry"
)

// upstreamErr mimics a provider error carrying an HTTP status.
type upstreamErr struct{ status int }

func (e *upstreamErr) Error() string   { return fmt.Sprintf("provider returned %d", e.status) }
func (e *upstreamErr) HTTPStatus() int { return e.status }

type sentMessage struct {
	To      string
	Kind    string // "text", "template", "media"
	Body    string
	Caption string
	Link    string
	Name    string
	Params  []string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	calls  int
	nextID int

	// failures is consumed one error per call before sends succeed.
	failures []error
}

func (s *fakeSender) fail(errs ...error) { s.failures = append(s.failures, errs...) }

func (s *fakeSender) record(m sentMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return "", err
	}
	s.nextID++
	s.sent = append(s.sent, m)
	return fmt.Sprintf("wamid.%d", s.nextID), nil
}

func (s *fakeSender) SendText(ctx context.Context, to, body string) (string, error) {
	return s.record(sentMessage{To: to, Kind: "text", Body: body})
}

func (s *fakeSender) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	return s.record(sentMessage{To: to, Kind: "template", Name: name, Params: params})
}

func (s *fakeSender) SendMedia(ctx context.Context, to, link, contentType, caption string) (string, error) {
	return s.record(sentMessage{To: to, Kind: "media", Link: link, Caption: caption})
}

type fakeLedger struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]idempotency.Record)}
}

func (l *fakeLedger) Lookup(key string) (idempotency.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	return rec, ok
}

func (l *fakeLedger) Record(key, channel, resultID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = idempotency.Record{ResultID: resultID, Channel: channel, RecordedAt: time.Now()}
	return nil
}

func (l *fakeLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type fakeMirror struct {
	mu          sync.Mutex
	inbound     []bus.InboundMessage
	outbound    []string
	failInbound bool
}

func (m *fakeMirror) MirrorInbound(ctx context.Context, msg bus.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInbound {
		return errors.New("inbox down")
	}
	m.inbound = append(m.inbound, msg)
	return nil
}

func (m *fakeMirror) MirrorOutbound(ctx context.Context, number, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbound = append(m.outbound, content)
	return nil
}

func (m *fakeMirror) outboundCopies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outbound...)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestOutbound(sender *fakeSender, ledger *fakeLedger, mirror *fakeMirror) *Outbound {
	cfg := OutboundConfig{
		Ledger: ledger,
		Sender: sender,
		Retry:  fastRetry(),
	}
	// Assign only a non-nil *fakeMirror: a typed nil stored in the
	// interface would defeat Outbound's mirror == nil check.
	if mirror != nil {
		cfg.Mirror = mirror
	}
	return NewOutbound(cfg)
}

func TestDeliverText(t *testing.T) {
	sender := &fakeSender{}
	ledger := newFakeLedger()
	mirror := &fakeMirror{}
	out := newTestOutbound(sender, ledger, mirror)

	res, err := out.Deliver(context.Background(), DeliverRequest{
		To:             "5511988887777",
		Content:        "tudo certo",
		IdempotencyKey: "reply:wamid.in.1",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.MessageID == "" || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
	if rec, ok := ledger.Lookup("reply:wamid.in.1"); !ok || rec.ResultID != res.MessageID {
		t.Errorf("ledger record = %+v, ok = %v", rec, ok)
	}
	if copies := mirror.outboundCopies(); len(copies) != 1 || copies[0] != "tudo certo" {
		t.Errorf("mirrored = %v", copies)
	}
}

func TestDeliverDuplicateKeyShortCircuits(t *testing.T) {
	sender := &fakeSender{}
	ledger := newFakeLedger()
	ledger.Record("reply:wamid.in.1", "whatsapp", "wamid.out.7")
	out := newTestOutbound(sender, ledger, &fakeMirror{})

	res, err := out.Deliver(context.Background(), DeliverRequest{
		To:             "5511988887777",
		Content:        "tudo certo",
		IdempotencyKey: "reply:wamid.in.1",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !res.Duplicate || res.MessageID != "wamid.out.7" {
		t.Fatalf("result = %+v, want duplicate with recorded id", res)
	}
	if sender.calls != 0 {
		t.Errorf("sender calls = %d, want 0", sender.calls)
	}
}

func TestDeliverRetriesTransient(t *testing.T) {
	sender := &fakeSender{}
	sender.fail(&upstreamErr{status: 503}, &upstreamErr{status: 429})
	ledger := newFakeLedger()
	out := newTestOutbound(sender, ledger, nil)

	res, err := out.Deliver(context.Background(), DeliverRequest{
		To:             "5511988887777",
		Content:        "oi",
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sender.calls != 3 {
		t.Errorf("sender calls = %d, want 3", sender.calls)
	}
	if _, ok := ledger.Lookup("k1"); !ok || res.MessageID == "" {
		t.Errorf("success was not recorded: %+v", res)
	}
}

func TestDeliverPermanentNotRetried(t *testing.T) {
	sender := &fakeSender{}
	sender.fail(&upstreamErr{status: 400})
	ledger := newFakeLedger()
	out := newTestOutbound(sender, ledger, nil)

	_, err := out.Deliver(context.Background(), DeliverRequest{
		To:             "5511988887777",
		Content:        "oi",
		IdempotencyKey: "k1",
	})
	var upstream *upstreamErr
	if !errors.As(err, &upstream) || upstream.status != 400 {
		t.Fatalf("error = %v, want the provider 400 unchanged", err)
	}
	if sender.calls != 1 {
		t.Errorf("sender calls = %d, want 1", sender.calls)
	}
	if ledger.len() != 0 {
		t.Errorf("ledger has %d records after a failed send", ledger.len())
	}
}

func TestDeliverExhaustionNotRecorded(t *testing.T) {
	sender := &fakeSender{}
	sender.fail(&upstreamErr{status: 503}, &upstreamErr{status: 503}, &upstreamErr{status: 503})
	ledger := newFakeLedger()
	out := newTestOutbound(sender, ledger, nil)

	_, err := out.Deliver(context.Background(), DeliverRequest{
		To:             "5511988887777",
		Content:        "oi",
		IdempotencyKey: "k1",
	})
	if err == nil {
		t.Fatal("Deliver succeeded with every attempt failing")
	}
	if sender.calls != 3 {
		t.Errorf("sender calls = %d, want 3", sender.calls)
	}
	if ledger.len() != 0 {
		t.Errorf("ledger has %d records after exhaustion", ledger.len())
	}
}

func TestDeliverMediaUsesContentAsCaption(t *testing.T) {
	sender := &fakeSender{}
	out := newTestOutbound(sender, newFakeLedger(), nil)

	_, err := out.Deliver(context.Background(), DeliverRequest{
		To:      "5511988887777",
		Content: "segue a foto",
		Media: []bus.MediaAttachment{
			{URL: "https://cdn.example/a.jpg", ContentType: "image/jpeg"},
		},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sender.sent[0].Kind != "media" || sender.sent[0].Caption != "segue a foto" {
		t.Errorf("sent = %+v", sender.sent[0])
	}
}

func TestDeliverTemplateMirrorsRenderedBody(t *testing.T) {
	sender := &fakeSender{}
	mirror := &fakeMirror{}
	out := newTestOutbound(sender, newFakeLedger(), mirror)

	_, err := out.Deliver(context.Background(), DeliverRequest{
		To: "5511988887777",
		Template: &TemplateSend{
			Name:     "order_update",
			Language: "pt_BR",
			Params:   []string{"Maria", "1234"},
			Rendered: "Oi Maria, seu pedido 1234 saiu para entrega.",
		},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sender.sent[0].Kind != "template" || sender.sent[0].Name != "order_update" {
		t.Errorf("sent = %+v", sender.sent[0])
	}
	copies := mirror.outboundCopies()
	if len(copies) != 1 || copies[0] != "Oi Maria, seu pedido 1234 saiu para entrega." {
		t.Errorf("mirrored = %v", copies)
	}
}

func TestDeliverSkipMirror(t *testing.T) {
	mirror := &fakeMirror{}
	out := newTestOutbound(&fakeSender{}, newFakeLedger(), mirror)

	_, err := out.Deliver(context.Background(), DeliverRequest{
		To:         "5511988887777",
		Content:    "ja esta na caixa",
		SkipMirror: true,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if copies := mirror.outboundCopies(); len(copies) != 0 {
		t.Errorf("mirrored = %v, want none", copies)
	}
}

func TestDeliverInvalidRecipient(t *testing.T) {
	sender := &fakeSender{}
	out := newTestOutbound(sender, newFakeLedger(), nil)

	_, err := out.Deliver(context.Background(), DeliverRequest{To: "not-a-number", Content: "oi"})
	if err == nil {
		t.Fatal("Deliver accepted an invalid recipient")
	}
	if sender.calls != 0 {
		t.Errorf("sender calls = %d, want 0", sender.calls)
	}
}

func TestDeliverNormalizesRecipient(t *testing.T) {
	sender := &fakeSender{}
	out := newTestOutbound(sender, newFakeLedger(), nil)

	_, err := out.Deliver(context.Background(), DeliverRequest{
		To:      "551188887777@s.whatsapp.net",
		Content: "oi",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sender.sent[0].To != "5511988887777" {
		t.Errorf("sent to %q, want canonical 5511988887777", sender.sent[0].To)
	}
}
