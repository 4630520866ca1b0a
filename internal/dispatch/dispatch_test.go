package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/attachment"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/queue"
)

// stubAdapter returns canned results per target chat id.
type stubAdapter struct {
	key platform.ConnectionKey

	mu    sync.Mutex
	sends []string
	errs  map[string]error
}

func (a *stubAdapter) Key() platform.ConnectionKey      { return a.key }
func (a *stubAdapter) State() platform.State            { return platform.StateReady }
func (a *stubAdapter) Connect(ctx context.Context) error { return nil }
func (a *stubAdapter) Shutdown(ctx context.Context) error { return nil }

func (a *stubAdapter) SendMessage(ctx context.Context, target message.Target, content message.Content, opts *message.Options, attachments []platform.ResolvedAttachment) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, target.ID)
	if err, ok := a.errs[target.ID]; ok {
		return "", err
	}
	return "pm-" + target.ID, nil
}

func (a *stubAdapter) sentTo() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sends))
	copy(out, a.sends)
	return out
}

// stubProvider hands out one shared stubAdapter.
type stubProvider struct {
	name    string
	adapter *stubAdapter
}

func (p *stubProvider) Name() string                            { return p.name }
func (p *stubProvider) DisplayName() string                     { return p.name }
func (p *stubProvider) ConnectionType() platform.ConnectionType { return platform.ConnHTTP }
func (p *stubProvider) Initialize(ctx context.Context) error    { return nil }
func (p *stubProvider) Shutdown(ctx context.Context) error      { return nil }
func (p *stubProvider) IsHealthy() bool                         { return true }
func (p *stubProvider) ValidateCredentials(creds platform.Credentials) error { return nil }
func (p *stubProvider) CreateAdapter(ctx context.Context, key platform.ConnectionKey, creds platform.Credentials) (platform.Adapter, error) {
	p.adapter.key = key
	return p.adapter, nil
}

// memProjects is an in-memory project.Repository.
type memProjects struct {
	projects map[uuid.UUID]project.Project
}

func (r *memProjects) Create(ctx context.Context, params project.CreateParams) (*project.Project, error) {
	panic("not used")
}
func (r *memProjects) GetBySlug(ctx context.Context, slug string) (*project.Project, error) {
	for _, p := range r.projects {
		if p.Slug == slug {
			out := p
			return &out, nil
		}
	}
	return nil, project.ErrNotFound
}
func (r *memProjects) GetByID(ctx context.Context, id uuid.UUID) (*project.Project, error) {
	p, ok := r.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	out := p
	return &out, nil
}
func (r *memProjects) Delete(ctx context.Context, id uuid.UUID) error { panic("not used") }

// memConfigs is an in-memory platform.ConfigRepository.
type memConfigs struct {
	configs map[uuid.UUID]platform.Config
}

func (r *memConfigs) Create(ctx context.Context, cfg platform.Config) (*platform.Config, error) {
	panic("not used")
}
func (r *memConfigs) ListByProject(ctx context.Context, projectID uuid.UUID) ([]platform.Config, error) {
	panic("not used")
}
func (r *memConfigs) GetByID(ctx context.Context, projectID, id uuid.UUID) (*platform.Config, error) {
	cfg, ok := r.configs[id]
	if !ok || cfg.ProjectID != projectID {
		return nil, platform.ErrNotFound
	}
	out := cfg
	return &out, nil
}
func (r *memConfigs) GetByToken(ctx context.Context, token string) (*platform.Config, error) {
	panic("not used")
}
func (r *memConfigs) Update(ctx context.Context, cfg platform.Config) (*platform.Config, error) {
	panic("not used")
}
func (r *memConfigs) Delete(ctx context.Context, projectID, id uuid.UUID) error { panic("not used") }

// memSent is an in-memory message.SentRepository keyed like the database's
// unique (job, config, chat) constraint.
type memSent struct {
	mu   sync.Mutex
	rows map[string]*message.SentMessage
}

func newMemSent() *memSent {
	return &memSent{rows: make(map[string]*message.SentMessage)}
}

func sentKey(jobID string, configID uuid.UUID, chatID string) string {
	return jobID + "|" + configID.String() + "|" + chatID
}

func (r *memSent) InsertPending(ctx context.Context, params message.SentParams) (*message.SentMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sentKey(params.JobID, params.PlatformConfigID, params.TargetChatID)
	if row, ok := r.rows[key]; ok {
		out := *row
		return &out, nil
	}
	row := &message.SentMessage{
		ID:               uuid.New(),
		JobID:            params.JobID,
		ProjectID:        params.ProjectID,
		PlatformConfigID: params.PlatformConfigID,
		Platform:         params.Platform,
		TargetType:       params.TargetType,
		TargetChatID:     params.TargetChatID,
		TargetUserID:     params.TargetUserID,
		Status:           message.StatusPending,
		CreatedAt:        time.Now(),
	}
	r.rows[key] = row
	out := *row
	return &out, nil
}

func (r *memSent) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Status = message.StatusSent
			row.ProviderMessageID = &providerMessageID
			row.SentAt = &sentAt
			return nil
		}
	}
	return message.ErrNotFound
}

func (r *memSent) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Status = message.StatusFailed
			row.ErrorMessage = &errorMessage
			return nil
		}
	}
	return message.ErrNotFound
}

func (r *memSent) ListByJob(ctx context.Context, jobID string) ([]message.SentMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.SentMessage
	for _, row := range r.rows {
		if row.JobID == jobID {
			out = append(out, *row)
		}
	}
	return out, nil
}

// plainCreds skips the vault; tests store plaintext JSON in the blob field.
type plainCreds struct{}

func (plainCreds) DecryptCredentials(cfg platform.Config) (platform.Credentials, error) {
	var creds platform.Credentials
	if err := json.Unmarshal([]byte(cfg.CredentialsEncrypted), &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// recordingSink captures published events.
type recordingSink struct {
	mu     sync.Mutex
	events []message.Event
}

func (s *recordingSink) Publish(ctx context.Context, ev message.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) byType(t string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	orch      *Orchestrator
	projectID uuid.UUID
	configID  uuid.UUID
	adapter   *stubAdapter
	sent      *memSent
	sink      *recordingSink
	configs   *memConfigs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	projectID := uuid.New()
	configID := uuid.New()

	adapter := &stubAdapter{errs: make(map[string]error)}
	registry := platform.NewRegistry(zerolog.Nop())
	if err := registry.RegisterProvider(&stubProvider{name: "discord", adapter: adapter}); err != nil {
		t.Fatal(err)
	}

	projects := &memProjects{projects: map[uuid.UUID]project.Project{
		projectID: {ID: projectID, Slug: "acme"},
	}}
	configs := &memConfigs{configs: map[uuid.UUID]platform.Config{
		configID: {
			ID:                   configID,
			ProjectID:            projectID,
			Platform:             "discord",
			CredentialsEncrypted: `{"token":"x"}`,
			IsActive:             true,
		},
	}}
	sent := newMemSent()
	sink := &recordingSink{}

	fetcher := attachment.NewFetcher(attachment.NewValidator(), attachment.DefaultMaxSize)
	orch := New(projects, configs, plainCreds{}, registry, sent, fetcher, attachment.DefaultMaxSize, sink, nil, zerolog.Nop())

	return &fixture{
		orch:      orch,
		projectID: projectID,
		configID:  configID,
		adapter:   adapter,
		sent:      sent,
		sink:      sink,
		configs:   configs,
	}
}

func (f *fixture) job(t *testing.T, id string, targets ...message.Target) *queue.Job {
	t.Helper()
	data, err := json.Marshal(message.JobData{
		ProjectID:   f.projectID,
		ProjectSlug: "acme",
		Request: message.SendRequest{
			Targets: targets,
			Content: message.Content{Text: "hello"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: id, Data: data, AttemptsMade: 1, MaxAttempts: 3}
}

func channelTarget(configID uuid.UUID, chatID string) message.Target {
	return message.Target{PlatformID: configID.String(), Type: message.TargetChannel, ID: chatID}
}

func TestHandleFanOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.job(t, "1",
		channelTarget(f.configID, "chan-1"),
		channelTarget(f.configID, "chan-2"),
	)

	if err := f.orch.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	rows, _ := f.sent.ListByJob(context.Background(), "1")
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want one per target", len(rows))
	}
	for _, row := range rows {
		if row.Status != message.StatusSent {
			t.Errorf("target %s status = %s", row.TargetChatID, row.Status)
		}
		if row.ProviderMessageID == nil || *row.ProviderMessageID != "pm-"+row.TargetChatID {
			t.Errorf("target %s provider id = %v", row.TargetChatID, row.ProviderMessageID)
		}
	}
	if got := f.sink.byType(message.EventMessageSent); got != 2 {
		t.Errorf("sent events = %d, want 2", got)
	}
}

func TestHandlePartialPermanentFailureCompletesJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.errs["chan-bad"] = platform.PermanentError(errors.New("unknown channel"))
	job := f.job(t, "2",
		channelTarget(f.configID, "chan-ok"),
		channelTarget(f.configID, "chan-bad"),
	)

	if err := f.orch.Handle(context.Background(), job); err != nil {
		t.Fatalf("permanent per-target failures must not fail the job: %v", err)
	}

	rows, _ := f.sent.ListByJob(context.Background(), "2")
	summary, overall := message.Summarize(rows)
	if summary.Successful != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if overall != message.OverallPartial {
		t.Errorf("overall = %s, want partial", overall)
	}
	if got := f.sink.byType(message.EventMessageFailed); got != 1 {
		t.Errorf("failed events = %d, want 1", got)
	}
}

func TestHandleRetryableFailureFailsAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.errs["chan-slow"] = platform.RetryableError(errors.New("provider 503"))
	job := f.job(t, "3", channelTarget(f.configID, "chan-slow"))

	err := f.orch.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("retryable provider error must fail the attempt")
	}
	if !platform.IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestHandleRetrySkipsAlreadySentTargets(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.errs["chan-flaky"] = platform.RetryableError(errors.New("provider 503"))
	job := f.job(t, "4",
		channelTarget(f.configID, "chan-ok"),
		channelTarget(f.configID, "chan-flaky"),
	)

	if err := f.orch.Handle(context.Background(), job); err == nil {
		t.Fatal("first attempt should report a retryable failure")
	}

	// Second attempt: the flaky target recovers.
	delete(f.adapter.errs, "chan-flaky")
	f.adapter.mu.Lock()
	f.adapter.sends = nil
	f.adapter.mu.Unlock()

	if err := f.orch.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	sends := f.adapter.sentTo()
	if len(sends) != 1 || sends[0] != "chan-flaky" {
		t.Errorf("retry re-sent %v, want only the unfinished target", sends)
	}

	rows, _ := f.sent.ListByJob(context.Background(), "4")
	_, overall := message.Summarize(rows)
	if overall != message.OverallCompleted {
		t.Errorf("overall = %s, want completed", overall)
	}
}

func TestHandleCrossTenantConfigRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	otherConfig := uuid.New()
	f.configs.configs[otherConfig] = platform.Config{
		ID:                   otherConfig,
		ProjectID:            uuid.New(),
		Platform:             "discord",
		CredentialsEncrypted: `{"token":"y"}`,
		IsActive:             true,
	}
	job := f.job(t, "5", channelTarget(otherConfig, "chan-1"))

	if err := f.orch.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if sends := f.adapter.sentTo(); len(sends) != 0 {
		t.Errorf("cross-tenant target was delivered: %v", sends)
	}
	rows, _ := f.sent.ListByJob(context.Background(), "5")
	if len(rows) != 1 || rows[0].Status != message.StatusFailed {
		t.Errorf("rows = %+v, want one failed row", rows)
	}
}

func TestHandleInactiveConfigFailsTargets(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cfg := f.configs.configs[f.configID]
	cfg.IsActive = false
	f.configs.configs[f.configID] = cfg

	job := f.job(t, "6", channelTarget(f.configID, "chan-1"))
	if err := f.orch.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	rows, _ := f.sent.ListByJob(context.Background(), "6")
	if len(rows) != 1 || rows[0].Status != message.StatusFailed {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].ErrorMessage == nil || *rows[0].ErrorMessage != "platform config is not active" {
		t.Errorf("error = %v", rows[0].ErrorMessage)
	}
}

func TestHandleMissingProjectFailsPermanently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	data, _ := json.Marshal(message.JobData{
		ProjectID: uuid.New(),
		Request: message.SendRequest{
			Targets: []message.Target{channelTarget(f.configID, "chan-1")},
			Content: message.Content{Text: "x"},
		},
	})
	err := f.orch.Handle(context.Background(), &queue.Job{ID: "7", Data: data})
	if err == nil {
		t.Fatal("missing project must fail the job")
	}
	if platform.IsRetryable(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestHandleMalformedPayloadFailsPermanently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.orch.Handle(context.Background(), &queue.Job{ID: "8", Data: []byte("not json")})
	if err == nil || platform.IsRetryable(err) {
		t.Errorf("err = %v, want permanent decode failure", err)
	}
}
