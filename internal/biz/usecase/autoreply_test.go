package usecase

import (
	"context"
	"testing"
	"time"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
	"clawdis/internal/conf"
)

type fakeProvider struct {
	kind domain.ProviderKind
	caps domain.ProviderCapabilities
	sent []domain.SendResult
	to   []domain.Identifier
	body []string
}

func (p *fakeProvider) Initialize(ctx context.Context, config interface{}) error { return nil }
func (p *fakeProvider) IsConnected() bool                                       { return true }
func (p *fakeProvider) Disconnect() error                                       { return nil }
func (p *fakeProvider) Send(ctx context.Context, to domain.Identifier, body string, opts domain.SendOptions) domain.SendResult {
	p.to = append(p.to, to)
	p.body = append(p.body, body)
	r := domain.SendResult{Status: domain.SendSent}
	p.sent = append(p.sent, r)
	return r
}
func (p *fakeProvider) SendTyping(ctx context.Context, to domain.Identifier)         {}
func (p *fakeProvider) GetDeliveryStatus(ctx context.Context, id string) domain.DeliveryStatus {
	return domain.StatusUnknown
}
func (p *fakeProvider) OnMessage(h repo.MessageHandler) {}
func (p *fakeProvider) StartListening(ctx context.Context) error { return nil }
func (p *fakeProvider) StopListening() error                     { return nil }
func (p *fakeProvider) IsAuthenticated() bool                    { return true }
func (p *fakeProvider) Login(ctx context.Context) error          { return nil }
func (p *fakeProvider) Logout(ctx context.Context) error         { return nil }
func (p *fakeProvider) GetSessionId() string                      { return "" }
func (p *fakeProvider) Kind() domain.ProviderKind                 { return p.kind }
func (p *fakeProvider) Capabilities() domain.ProviderCapabilities { return p.caps }

type fakeAgentRepo struct {
	events   chan repo.Event
	started  []string
	sent     []string
	stopped  []string
}

func newFakeAgentRepo() *fakeAgentRepo {
	return &fakeAgentRepo{events: make(chan repo.Event, 16)}
}

func (a *fakeAgentRepo) StartSession(ctx context.Context, key, prompt string) (string, bool, error) {
	a.started = append(a.started, key)
	return key, true, nil
}
func (a *fakeAgentRepo) Send(ctx context.Context, threadID, prompt string, images []string) error {
	a.sent = append(a.sent, prompt)
	return nil
}
func (a *fakeAgentRepo) Stop(threadID string) { a.stopped = append(a.stopped, threadID) }
func (a *fakeAgentRepo) Events() <-chan repo.Event { return a.events }

func newAutoReplyHarness(t *testing.T) (*AutoReplyUsecase, *fakeAgentRepo, *fakeProvider) {
	t.Helper()
	allow := domain.NewAllowList([]domain.Identifier{"+15551234567"}, true)
	filter := NewFilterUsecase(map[domain.ProviderKind]*domain.AllowList{domain.ProviderWATwilio: allow}, nil)

	sessions := NewSessionUsecase(newMockSessionRepo(), &mockAgentRepo{}, domain.SessionConfig{IdleTimeout: time.Hour, ResetHour: -1}, "per-sender")
	templates := NewTemplateUsecase(conf.DefaultTemplatesConfig())
	agentRepo := newFakeAgentRepo()
	provider := &fakeProvider{kind: domain.ProviderWATwilio, caps: domain.CapabilitiesFor(domain.ProviderWATwilio)}

	uc := NewAutoReplyUsecase(
		filter, sessions, templates, agentRepo, nil,
		map[domain.ProviderKind]repo.Provider{domain.ProviderWATwilio: provider},
		[]domain.ProviderKind{domain.ProviderWATwilio},
		"/tmp/scratch",
	)
	return uc, agentRepo, provider
}

func TestAutoReplyUsecase_HandleMessage_RejectsNonWhitelisted(t *testing.T) {
	uc, agentRepo, _ := newAutoReplyHarness(t)
	msg := &domain.InboundMessage{Sender: "+19998887777", Provider: domain.ProviderWATwilio, Body: "hi"}

	if err := uc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agentRepo.started) != 0 {
		t.Fatal("expected no agent to be started for rejected sender")
	}
}

func TestAutoReplyUsecase_HandleMessage_StartsSessionAndSendsPrompt(t *testing.T) {
	uc, agentRepo, _ := newAutoReplyHarness(t)
	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWATwilio, Body: "hello"}

	if err := uc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agentRepo.started) != 1 {
		t.Fatalf("expected one agent session started, got %v", agentRepo.started)
	}
	if len(agentRepo.sent) != 1 || agentRepo.sent[0] != "hello" {
		t.Fatalf("expected prompt forwarded, got %v", agentRepo.sent)
	}
}

func TestAutoReplyUsecase_FlushTurn_SuppressesHeartbeatOK(t *testing.T) {
	uc, agentRepo, provider := newAutoReplyHarness(t)
	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWATwilio, Body: "ping"}
	if err := uc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	threadID := agentRepo.started[0]
	agentRepo.events <- repo.Event{Type: repo.EventTextChunk, ThreadID: threadID, Text: HeartbeatOKMarker}
	agentRepo.events <- repo.Event{Type: repo.EventEnd, ThreadID: threadID}

	ctx, cancel := context.WithCancel(context.Background())
	uc.StartEventLoop(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if len(provider.body) != 0 {
		t.Fatalf("expected HEARTBEAT_OK to suppress outbound send, got %v", provider.body)
	}
}

func TestAutoReplyUsecase_FlushTurn_SendsAssembledReply(t *testing.T) {
	uc, agentRepo, provider := newAutoReplyHarness(t)
	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWATwilio, Body: "ping"}
	if err := uc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	threadID := agentRepo.started[0]
	agentRepo.events <- repo.Event{Type: repo.EventTextChunk, ThreadID: threadID, Text: "pong"}
	agentRepo.events <- repo.Event{Type: repo.EventEnd, ThreadID: threadID}

	ctx, cancel := context.WithCancel(context.Background())
	uc.StartEventLoop(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if len(provider.body) != 1 || provider.body[0] != "pong" {
		t.Fatalf("expected assembled reply sent, got %v", provider.body)
	}
}
