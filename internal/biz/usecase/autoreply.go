package usecase

import (
	"context"
	"log"
	"strings"
	"sync"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
)

// HeartbeatOKMarker is the agent's reply body meaning "nothing to say" (spec
// §8 boundary: "produces no outbound message").
const HeartbeatOKMarker = "HEARTBEAT_OK"

// AutoReplyUsecase is the Auto-Reply Engine (spec §4.6): it filters inbound
// messages, demultiplexes them into sessions, spawns/feeds the external
// agent subprocess, and streams its reply back out through the originating
// provider. Generalised from a single callback source to N providers and
// from reject-when-busy to queue-when-busy (the agent subprocess itself
// owns the queue; see internal/infra/agent).
type AutoReplyUsecase struct {
	filter     *FilterUsecase
	sessions   *SessionUsecase
	templates  *TemplateUsecase
	agent      repo.AgentRepo
	transcribe repo.TranscribeRepo // nil disables transcription

	providers       map[domain.ProviderKind]repo.Provider
	activeProviders []domain.ProviderKind
	scratchDir      string

	turnsMu sync.Mutex
	turns   map[string]*pendingTurn // keyed by threadID (== session key)
}

// pendingTurn accumulates one in-flight agent turn's text and media so it
// can be flushed as a single reply once EventEnd arrives.
type pendingTurn struct {
	mu         sync.Mutex
	provider   domain.ProviderKind
	to         domain.Identifier
	sessionKey string
	body       strings.Builder
	media      []string
	typingSent bool
}

func NewAutoReplyUsecase(
	filter *FilterUsecase,
	sessions *SessionUsecase,
	templates *TemplateUsecase,
	agent repo.AgentRepo,
	transcribe repo.TranscribeRepo,
	providers map[domain.ProviderKind]repo.Provider,
	activeProviders []domain.ProviderKind,
	scratchDir string,
) *AutoReplyUsecase {
	return &AutoReplyUsecase{
		filter:          filter,
		sessions:        sessions,
		templates:       templates,
		agent:           agent,
		transcribe:      transcribe,
		providers:       providers,
		activeProviders: activeProviders,
		scratchDir:      scratchDir,
		turns:           make(map[string]*pendingTurn),
	}
}

// HandleMessage runs spec §4.6 steps 1-5 for one inbound message: whitelist,
// group policy, transcription, session resolve, agent spawn/reuse.
func (uc *AutoReplyUsecase) HandleMessage(ctx context.Context, msg *domain.InboundMessage) error {
	if !uc.filter.ShouldRespond(ctx, msg) {
		return nil
	}

	uc.maybeTranscribe(ctx, msg)

	resolved, err := uc.sessions.Resolve(ctx, msg)
	if err != nil {
		return err
	}

	threadID := resolved.Session.ThreadID
	if resolved.IsNew {
		identity := uc.templates.BuildIdentityPrompt(msg.Provider, uc.activeProviders, uc.scratchDir)
		tid, _, err := uc.agent.StartSession(ctx, resolved.Key, identity)
		if err != nil {
			return err
		}
		threadID = tid
		if err := uc.sessions.SetThreadID(ctx, resolved.Key, threadID); err != nil {
			return err
		}
	}

	uc.registerTurn(threadID, msg.Provider, msg.Sender, resolved.Key)

	var imagePaths []string
	for _, m := range msg.Media {
		if m.Kind == domain.MediaAudio || m.Kind == domain.MediaVoice {
			continue // already folded into Body as a Transcript: block
		}
		if m.Path != "" {
			imagePaths = append(imagePaths, m.Path)
		}
	}

	if err := uc.agent.Send(ctx, threadID, msg.Body, imagePaths); err != nil {
		return err
	}

	return uc.sessions.Touch(ctx, resolved.Key)
}

// FireHeartbeat sends the heartbeat check-in prompt into an already-live
// session's agent thread (spec §4.7). It is the heartbeat scheduler's only
// entry point into the Auto-Reply Engine: the reply, if any, flows back out
// through the normal flushTurn/HEARTBEAT_OK path, so a heartbeat that the
// agent has nothing to report on produces no outbound message.
func (uc *AutoReplyUsecase) FireHeartbeat(ctx context.Context, s *domain.Session) error {
	if s.ThreadID == "" {
		return nil // agent never actually started for this session
	}

	to := heartbeatTarget(s.Key)
	uc.registerTurn(s.ThreadID, s.Provider, to, s.Key)

	return uc.agent.Send(ctx, s.ThreadID, domain.HeartbeatPrompt, nil)
}

// heartbeatTarget recovers the send-to identifier from a session key,
// undoing the "group:" and "telegram:" namespacing SessionKey applies.
func heartbeatTarget(sessionKey string) domain.Identifier {
	k := sessionKey
	k = strings.TrimPrefix(k, "group:")
	k = strings.TrimPrefix(k, "telegram:")
	return domain.Identifier(k)
}

// maybeTranscribe implements spec §4.6 step 3: a single audio/voice
// attachment is transcribed and appended as a Transcript: block. Failure is
// logged and the transcript is simply omitted.
func (uc *AutoReplyUsecase) maybeTranscribe(ctx context.Context, msg *domain.InboundMessage) {
	if uc.transcribe == nil {
		return
	}

	var audio *domain.MediaAttachment
	count := 0
	for i := range msg.Media {
		if msg.Media[i].Kind == domain.MediaAudio || msg.Media[i].Kind == domain.MediaVoice {
			audio = &msg.Media[i]
			count++
		}
	}
	if count != 1 || audio.Path == "" {
		return
	}

	text, err := uc.transcribe.Transcribe(ctx, audio.Path)
	if err != nil {
		log.Printf("[autoreply] transcription failed for %s: %v", audio.Path, err)
		return
	}

	msg.Body = strings.TrimRight(msg.Body, "\n") + "\n\nTranscript:\n" + text
}

func (uc *AutoReplyUsecase) registerTurn(threadID string, kind domain.ProviderKind, to domain.Identifier, sessionKey string) {
	uc.turnsMu.Lock()
	defer uc.turnsMu.Unlock()

	t, ok := uc.turns[threadID]
	if !ok {
		t = &pendingTurn{}
		uc.turns[threadID] = t
	}
	t.mu.Lock()
	t.provider = kind
	t.to = to
	t.sessionKey = sessionKey
	t.mu.Unlock()
}

// StartEventLoop ranges over the agent's shared fragment stream for the
// lifetime of ctx, dispatching each event (spec §4.6 steps 6-8).
func (uc *AutoReplyUsecase) StartEventLoop(ctx context.Context) {
	go func() {
		for {
			select {
			case ev, ok := <-uc.agent.Events():
				if !ok {
					return
				}
				uc.handleAgentEvent(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (uc *AutoReplyUsecase) handleAgentEvent(ctx context.Context, ev repo.Event) {
	uc.turnsMu.Lock()
	t, ok := uc.turns[ev.ThreadID]
	uc.turnsMu.Unlock()
	if !ok {
		return
	}

	switch ev.Type {
	case repo.EventTextChunk:
		t.mu.Lock()
		uc.maybeSendTyping(ctx, t)
		if t.body.Len() > 0 {
			t.body.WriteByte('\n')
		}
		t.body.WriteString(ev.Text)
		t.mu.Unlock()

	case repo.EventMediaPath:
		t.mu.Lock()
		t.media = append(t.media, ev.MediaPath)
		t.mu.Unlock()

	case repo.EventToolEvent:
		// Tool-streaming markers are informational only; no observer
		// channel is wired in this build, so they are simply logged.
		log.Printf("[autoreply] tool event on %s: %s", ev.ThreadID, ev.Text)

	case repo.EventEnd:
		uc.flushTurn(ctx, t)

	case repo.EventError:
		log.Printf("[autoreply] agent error on %s: %v", ev.ThreadID, ev.Err)
		uc.closeSessionWithApology(ctx, t)
	}
}

func (uc *AutoReplyUsecase) maybeSendTyping(ctx context.Context, t *pendingTurn) {
	if t.typingSent {
		return
	}
	t.typingSent = true
	if p, ok := uc.providers[t.provider]; ok && p.Capabilities().TypingIndicator {
		p.SendTyping(ctx, t.to)
	}
}

// flushTurn implements spec §4.6 steps 7-8: assemble and send the reply,
// then stamp session bookkeeping and rearm the heartbeat.
func (uc *AutoReplyUsecase) flushTurn(ctx context.Context, t *pendingTurn) {
	t.mu.Lock()
	body := strings.TrimSpace(t.body.String())
	media := t.media
	t.body.Reset()
	t.media = nil
	t.typingSent = false
	provider, to, sessionKey := t.provider, t.to, t.sessionKey
	t.mu.Unlock()

	if body == HeartbeatOKMarker {
		uc.bookkeepReply(ctx, sessionKey)
		return
	}

	p, ok := uc.providers[provider]
	if !ok {
		log.Printf("[autoreply] no provider wired for %s, dropping reply", provider)
		return
	}

	attachments := make([]domain.MediaAttachment, 0, len(media))
	for _, path := range media {
		attachments = append(attachments, domain.MediaAttachment{Kind: domain.MediaDocument, Path: path})
	}

	result := p.Send(ctx, to, body, domain.SendOptions{Media: attachments})
	if result.Status == domain.SendFailed {
		log.Printf("[autoreply] send to %s failed: %s", to, result.Error)
	}

	uc.bookkeepReply(ctx, sessionKey)
}

func (uc *AutoReplyUsecase) bookkeepReply(ctx context.Context, sessionKey string) {
	if err := uc.sessions.MarkReplied(ctx, sessionKey); err != nil {
		log.Printf("[autoreply] mark replied %s: %v", sessionKey, err)
	}
	// A zero idle timeout means the session is destroyed immediately after
	// the reply completes (spec §8 boundary); SweepExpired catches it on its
	// own schedule, but a zero timeout is exactly the case a caller cannot
	// afford to wait for that tick.
	if uc.sessions.IdleTimeout() == 0 {
		if _, err := uc.sessions.SweepExpired(ctx); err != nil {
			log.Printf("[autoreply] immediate sweep after reply: %v", err)
		}
	}
}

func (uc *AutoReplyUsecase) closeSessionWithApology(ctx context.Context, t *pendingTurn) {
	t.mu.Lock()
	provider, to, sessionKey := t.provider, t.to, t.sessionKey
	t.body.Reset()
	t.media = nil
	t.mu.Unlock()

	if p, ok := uc.providers[provider]; ok {
		p.Send(ctx, to, "Sorry, something went wrong processing your message.", domain.SendOptions{})
	}

	uc.turnsMu.Lock()
	delete(uc.turns, sessionKey)
	uc.turnsMu.Unlock()

	if err := uc.sessions.MarkReplied(ctx, sessionKey); err != nil {
		log.Printf("[autoreply] mark replied after error %s: %v", sessionKey, err)
	}
}
