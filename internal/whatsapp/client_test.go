package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		APIBase:       srv.URL,
		Token:         "tok-123",
		PhoneNumberID: "106540352242922",
		Timeout:       2 * time.Second,
		RatePerSecond: 1000,
	})
}

func TestSendText(t *testing.T) {
	var captured sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/106540352242922/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request body not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"messages":[{"id":"wamid.SENT1"}]}`)
	})

	id, err := c.SendText(context.Background(), "5511988887777", "hello there")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != "wamid.SENT1" {
		t.Fatalf("id = %q", id)
	}
	if captured.MessagingProduct != "whatsapp" || captured.Type != "text" {
		t.Errorf("request = %+v", captured)
	}
	if captured.To != "5511988887777" || captured.Text == nil || captured.Text.Body != "hello there" {
		t.Errorf("request = %+v", captured)
	}
}

func TestSendTemplate(t *testing.T) {
	var captured sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		io.WriteString(w, `{"messages":[{"id":"wamid.TPL"}]}`)
	})

	_, err := c.SendTemplate(context.Background(), "5511988887777", "order_update", "pt_BR", []string{"Maria", "1234"})
	if err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	if captured.Type != "template" || captured.Template == nil {
		t.Fatalf("request = %+v", captured)
	}
	tpl := captured.Template
	if tpl.Name != "order_update" || tpl.Language.Code != "pt_BR" {
		t.Errorf("template = %+v", tpl)
	}
	if len(tpl.Components) != 1 || len(tpl.Components[0].Parameters) != 2 {
		t.Fatalf("components = %+v", tpl.Components)
	}
	if tpl.Components[0].Parameters[1].Text != "1234" {
		t.Errorf("parameters = %+v", tpl.Components[0].Parameters)
	}
}

func TestSendTemplateNoParams(t *testing.T) {
	var captured sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		io.WriteString(w, `{"messages":[{"id":"wamid.TPL"}]}`)
	})

	if _, err := c.SendTemplate(context.Background(), "5511988887777", "hello_world", "en_US", nil); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	if len(captured.Template.Components) != 0 {
		t.Errorf("components = %+v, want none", captured.Template.Components)
	}
}

func TestSendMediaKinds(t *testing.T) {
	tests := []struct {
		contentType string
		wantField   string
	}{
		{"image/jpeg", "image"},
		{"audio/ogg", "audio"},
		{"video/mp4", "video"},
		{"application/pdf", "document"},
		{"", "document"},
	}
	for _, tt := range tests {
		t.Run(tt.wantField, func(t *testing.T) {
			var captured map[string]json.RawMessage
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				json.Unmarshal(body, &captured)
				io.WriteString(w, `{"messages":[{"id":"wamid.MED"}]}`)
			})
			_, err := c.SendMedia(context.Background(), "5511988887777", "https://cdn.example/pic", tt.contentType, "cap")
			if err != nil {
				t.Fatalf("SendMedia: %v", err)
			}
			if string(captured["type"]) != `"`+tt.wantField+`"` {
				t.Errorf("type = %s, want %q", captured["type"], tt.wantField)
			}
			if _, ok := captured[tt.wantField]; !ok {
				t.Errorf("payload missing %q field: %v", tt.wantField, captured)
			}
		})
	}
}

func TestSendErrorMapsToAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Too many messages","code":130429}}`)
	})

	_, err := c.SendText(context.Background(), "5511988887777", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if apiErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d", apiErr.HTTPStatus())
	}
	if apiErr.Code != 130429 || apiErr.Message != "Too many messages" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	hint, ok := apiErr.RetryAfterHint()
	if !ok || hint != 30*time.Second {
		t.Errorf("RetryAfterHint = %v, %v", hint, ok)
	}
}

func TestSendErrorWithoutRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"Invalid parameter","code":100}}`)
	})

	_, err := c.SendText(context.Background(), "5511988887777", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if _, ok := apiErr.RetryAfterHint(); ok {
		t.Error("RetryAfterHint present without a Retry-After header")
	}
}

func TestSendRejectsEmptyMessageID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"messages":[]}`)
	})
	if _, err := c.SendText(context.Background(), "5511988887777", "hi"); err == nil {
		t.Fatal("empty messages array accepted")
	}
}
