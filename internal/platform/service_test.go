package platform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/vault"
)

func newTestService(t *testing.T, providers ...Provider) (*Service, *memConfigRepository, *Registry) {
	t.Helper()

	v, err := vault.New(vault.GenerateKey())
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(zerolog.Nop())
	for _, p := range providers {
		if err := reg.RegisterProvider(p); err != nil {
			t.Fatal(err)
		}
	}
	repo := newMemConfigRepository()
	return NewService(repo, reg, v, zerolog.Nop()), repo, reg
}

func TestServiceCreateActiveFiresCreatedEvent(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "discord"}
	svc, _, _ := newTestService(t, provider)
	projectID := uuid.New()

	cfg, err := svc.Create(context.Background(), projectID, "Discord", Credentials{"token": "abc"}, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Platform != "discord" {
		t.Errorf("platform stored as %q, want lowercase", cfg.Platform)
	}
	if cfg.WebhookToken == "" {
		t.Error("webhook token not generated")
	}
	if strings.Contains(cfg.CredentialsEncrypted, "abc") {
		t.Error("credentials stored in plaintext")
	}

	events := provider.recordedEvents()
	if len(events) != 1 || events[0].Type != EventCreated {
		t.Fatalf("events = %v, want one created event", events)
	}
	if events[0].Config.ID != cfg.ID {
		t.Error("created event carries wrong config")
	}
}

func TestServiceCreateInactiveFiresNoEvent(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "discord"}
	svc, _, _ := newTestService(t, provider)

	if _, err := svc.Create(context.Background(), uuid.New(), "discord", Credentials{"token": "abc"}, false, false); err != nil {
		t.Fatal(err)
	}
	if events := provider.recordedEvents(); len(events) != 0 {
		t.Fatalf("events = %v, want none for inactive create", events)
	}
}

func TestServiceCreateInvalidCredentials(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "discord", validateErr: errors.New("token is required")}
	svc, repo, _ := newTestService(t, provider)

	_, err := svc.Create(context.Background(), uuid.New(), "discord", Credentials{}, true, false)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if configs, _ := repo.ListByProject(context.Background(), uuid.New()); len(configs) != 0 {
		t.Error("invalid config persisted")
	}
}

func TestServiceCreateUnknownPlatformPersists(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	projectID := uuid.New()

	cfg, err := svc.Create(context.Background(), projectID, "matrix", Credentials{"homeserver": "x"}, true, false)
	if err != nil {
		t.Fatalf("create for unregistered platform failed: %v", err)
	}
	if stored, err := repo.GetByID(context.Background(), projectID, cfg.ID); err != nil || stored.Platform != "matrix" {
		t.Fatalf("config not persisted: %v", err)
	}
}

func TestServiceFindAllMasksCredentials(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeProvider{name: "discord"})
	projectID := uuid.New()
	if _, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "super-secret"}, true, false); err != nil {
		t.Fatal(err)
	}

	views, err := svc.FindAll(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	if got := views[0].Credentials["token"]; got != maskedCredentialValue {
		t.Errorf("credential value = %q, want masked", got)
	}
}

func TestServiceFindOneDecrypts(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeProvider{name: "discord"})
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "super-secret"}, true, false)
	if err != nil {
		t.Fatal(err)
	}

	_, creds, err := svc.FindOne(context.Background(), projectID, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if creds["token"] != "super-secret" {
		t.Errorf("decrypted token = %q", creds["token"])
	}

	// Another project must not see the config at all.
	if _, _, err := svc.FindOne(context.Background(), uuid.New(), cfg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-project lookup err = %v, want ErrNotFound", err)
	}
}

func TestServiceUpdateActivationEvents(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "discord"}
	svc, _, reg := newTestService(t, provider)
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "abc"}, false, false)
	if err != nil {
		t.Fatal(err)
	}

	boolPtr := func(b bool) *bool { return &b }

	// false -> true fires activated.
	if _, err := svc.Update(context.Background(), projectID, cfg.ID, UpdateParams{IsActive: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}
	// true -> true fires nothing.
	if _, err := svc.Update(context.Background(), projectID, cfg.ID, UpdateParams{IsActive: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}

	// Spin up an adapter, then deactivate: it must be torn down.
	creds, err := svc.DecryptCredentials(*cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ObtainAdapter(context.Background(), *cfg, creds); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(context.Background(), projectID, cfg.ID, UpdateParams{IsActive: boolPtr(false)}); err != nil {
		t.Fatal(err)
	}

	events := provider.recordedEvents()
	if len(events) != 2 {
		t.Fatalf("events = %v, want activated then deactivated", events)
	}
	if events[0].Type != EventActivated || events[1].Type != EventDeactivated {
		t.Errorf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	if got := reg.AdapterCount(); got != 0 {
		t.Errorf("adapter survived deactivation, AdapterCount() = %d", got)
	}
}

func TestServiceUpdateCredentials(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeProvider{name: "discord"})
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "old"}, true, false)
	if err != nil {
		t.Fatal(err)
	}

	updated, err := svc.Update(context.Background(), projectID, cfg.ID, UpdateParams{Credentials: Credentials{"token": "new"}})
	if err != nil {
		t.Fatal(err)
	}
	creds, err := svc.DecryptCredentials(*updated)
	if err != nil {
		t.Fatal(err)
	}
	if creds["token"] != "new" {
		t.Errorf("token = %q after credential update", creds["token"])
	}
}

func TestServiceRemove(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "discord"}
	svc, repo, reg := newTestService(t, provider)
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "abc"}, true, false)
	if err != nil {
		t.Fatal(err)
	}
	creds, err := svc.DecryptCredentials(*cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ObtainAdapter(context.Background(), *cfg, creds); err != nil {
		t.Fatal(err)
	}

	if err := svc.Remove(context.Background(), projectID, cfg.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.GetByID(context.Background(), projectID, cfg.ID); !errors.Is(err, ErrNotFound) {
		t.Error("config still present after remove")
	}
	if got := reg.AdapterCount(); got != 0 {
		t.Errorf("adapter survived removal, AdapterCount() = %d", got)
	}

	events := provider.recordedEvents()
	last := events[len(events)-1]
	if last.Type != EventDeleted {
		t.Fatalf("last event = %s, want deleted", last.Type)
	}
	if last.Credentials["token"] != "abc" {
		t.Error("deleted event missing decrypted credentials")
	}
}

func TestServiceRemoveNotFound(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	if err := svc.Remove(context.Background(), uuid.New(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceRegisterWebhook(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "telegram", webhookInfo: map[string]any{"ok": true}}
	svc, _, _ := newTestService(t, provider)
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "telegram", Credentials{"botToken": "t"}, true, false)
	if err != nil {
		t.Fatal(err)
	}

	info, err := svc.RegisterWebhook(context.Background(), projectID, cfg.ID, "https://gw.example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if info["ok"] != true {
		t.Errorf("info = %v", info)
	}

	provider.mu.Lock()
	url := provider.webhookURLs[0]
	provider.mu.Unlock()
	want := "https://gw.example.com/webhooks/telegram/" + cfg.WebhookToken
	if url != want {
		t.Errorf("webhook URL = %q, want %q", url, want)
	}
}

func TestServiceRegisterWebhookUnsupported(t *testing.T) {
	t.Parallel()

	provider := &plainProvider{name: "discord"}
	svc, _, _ := newTestService(t, provider)
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "x"}, true, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RegisterWebhook(context.Background(), projectID, cfg.ID, "https://gw.example.com"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestServiceReact(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "discord", reactor: true}
	svc, _, _ := newTestService(t, provider)
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "t"}, true, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.React(context.Background(), projectID, cfg.ID, "c1", "m1", "👍", false); err != nil {
		t.Fatal(err)
	}
	if err := svc.React(context.Background(), projectID, cfg.ID, "c1", "m1", "👍", true); err != nil {
		t.Fatal(err)
	}

	provider.mu.Lock()
	adapter := provider.created[0]
	provider.mu.Unlock()
	got := adapter.recordedReactions()
	want := []string{"add:c1:m1:👍", "remove:c1:m1:👍"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("reactions = %v, want %v", got, want)
	}
}

func TestServiceReactUnsupportedAdapter(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeProvider{name: "telegram"})
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "telegram", Credentials{"botToken": "t"}, true, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.React(context.Background(), projectID, cfg.ID, "c1", "m1", "👍", false); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestServiceReactInactiveConfig(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeProvider{name: "discord", reactor: true})
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "discord", Credentials{"token": "t"}, false, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.React(context.Background(), projectID, cfg.ID, "c1", "m1", "👍", false); !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
}

func TestServiceRegisterWebhookInactive(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "telegram", webhookInfo: map[string]any{"ok": true}}
	svc, _, _ := newTestService(t, provider)
	projectID := uuid.New()
	cfg, err := svc.Create(context.Background(), projectID, "telegram", Credentials{"botToken": "t"}, false, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RegisterWebhook(context.Background(), projectID, cfg.ID, "https://gw.example.com"); !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.webhookURLs) != 0 {
		t.Error("registrar was invoked for an inactive config")
	}
}
