package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

func testCreds(baseURL string) platform.Credentials {
	return platform.Credentials{
		"baseUrl":  baseURL,
		"apiKey":   "secret",
		"instance": "main",
	}
}

func TestValidateCredentials(t *testing.T) {
	t.Parallel()

	p := NewProvider(zerolog.Nop())
	if err := p.ValidateCredentials(testCreds("https://evo.example.com")); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}

	cases := []platform.Credentials{
		{"apiKey": "k", "instance": "i"},
		{"baseUrl": "ftp://evo.example.com", "apiKey": "k", "instance": "i"},
		{"baseUrl": "not a url", "apiKey": "k", "instance": "i"},
		{"baseUrl": "https://evo.example.com", "instance": "i"},
		{"baseUrl": "https://evo.example.com", "apiKey": "k"},
	}
	for i, creds := range cases {
		if err := p.ValidateCredentials(creds); err == nil {
			t.Errorf("case %d: invalid credentials accepted", i)
		}
	}
}

func TestAdapterSendText(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{"key": map[string]any{"id": "EVO123"}})
	}))
	defer srv.Close()

	p := NewProvider(zerolog.Nop())
	adapter, err := p.CreateAdapter(context.Background(), "k", testCreds(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	id, err := adapter.SendMessage(context.Background(),
		message.Target{PlatformID: "P1", Type: message.TargetUser, ID: "5511999998888"},
		message.Content{Text: "hi"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != "EVO123" {
		t.Errorf("message id = %q", id)
	}
	if gotPath != "/message/sendText/main" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("apikey header = %q", gotKey)
	}
	if gotPayload["number"] != "5511999998888" || gotPayload["text"] != "hi" {
		t.Errorf("payload = %v", gotPayload)
	}
}

func TestAdapterSendMedia(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{"key": map[string]any{"id": "EVO456"}})
	}))
	defer srv.Close()

	p := NewProvider(zerolog.Nop())
	adapter, err := p.CreateAdapter(context.Background(), "k", testCreds(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	id, err := adapter.SendMessage(context.Background(),
		message.Target{PlatformID: "P1", Type: message.TargetUser, ID: "5511999998888"},
		message.Content{Text: "see chart"}, nil,
		[]platform.ResolvedAttachment{{
			Filename: "chart.png",
			MimeType: "image/png",
			Data:     []byte{0x89, 0x50},
			Class:    "image",
		}})
	if err != nil {
		t.Fatal(err)
	}
	if id != "EVO456" {
		t.Errorf("message id = %q", id)
	}
	if gotPath != "/message/sendMedia/main" {
		t.Errorf("path = %q", gotPath)
	}
	if gotPayload["mediatype"] != "image" || gotPayload["fileName"] != "chart.png" {
		t.Errorf("payload = %v", gotPayload)
	}
	if gotPayload["caption"] != "see chart" {
		t.Errorf("caption = %v, want text folded into first attachment", gotPayload["caption"])
	}
}

func TestAdapterSendClassifiesStatus(t *testing.T) {
	t.Parallel()

	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewProvider(zerolog.Nop())
	adapter, err := p.CreateAdapter(context.Background(), "k", testCreds(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	target := message.Target{PlatformID: "P1", Type: message.TargetUser, ID: "1"}

	_, err = adapter.SendMessage(context.Background(), target, message.Content{Text: "x"}, nil, nil)
	if err == nil || platform.IsRetryable(err) {
		t.Errorf("401 should be permanent, err = %v", err)
	}

	status = http.StatusServiceUnavailable
	_, err = adapter.SendMessage(context.Background(), target, message.Content{Text: "x"}, nil, nil)
	if err == nil || !platform.IsRetryable(err) {
		t.Errorf("503 should be retryable, err = %v", err)
	}
}

func TestParseInboundMessage(t *testing.T) {
	t.Parallel()

	p := NewProvider(zerolog.Nop())
	body := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999998888@s.whatsapp.net", "fromMe": false, "id": "ABCD"},
			"pushName": "Ada",
			"message": {"conversation": "hello"}
		}
	}`)

	events, err := p.ParseInbound(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != platform.InboundMessage || ev.ProviderMessageID != "ABCD" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ProviderChatID != "5511999998888" {
		t.Errorf("chat id = %q, want JID suffix stripped", ev.ProviderChatID)
	}
	if ev.Text != "hello" {
		t.Errorf("text = %q", ev.Text)
	}
}

func TestParseInboundSkipsOwnEchoes(t *testing.T) {
	t.Parallel()

	p := NewProvider(zerolog.Nop())
	body := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999998888@s.whatsapp.net", "fromMe": true, "id": "SELF"},
			"message": {"conversation": "echo"}
		}
	}`)
	events, err := p.ParseInbound(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %v, want own echo dropped", events)
	}
}

func TestParseInboundReaction(t *testing.T) {
	t.Parallel()

	p := NewProvider(zerolog.Nop())
	body := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999998888@s.whatsapp.net", "fromMe": false, "id": "R1"},
			"message": {"reactionMessage": {"text": "👍", "key": {"id": "TARGETMSG"}}}
		}
	}`)
	events, err := p.ParseInbound(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != platform.InboundReactionAdded {
		t.Errorf("type = %s", ev.Type)
	}
	if ev.ProviderMessageID != "TARGETMSG" {
		t.Errorf("reaction must reference the reacted-to message, got %q", ev.ProviderMessageID)
	}
	if ev.Emoji == "" {
		t.Error("emoji lost")
	}
}

func TestParseInboundIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	p := NewProvider(zerolog.Nop())
	events, err := p.ParseInbound([]byte(`{"event": "connection.update", "data": {}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %v", events)
	}
}
