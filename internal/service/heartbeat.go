package service

import (
	"context"
	"log"
	"sync"
	"time"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/usecase"
)

// HeartbeatScheduler fires the periodic agent check-in prompt (§4.7):
// heartbeatMinutes after a session's last activity, the agent receives
// domain.HeartbeatPrompt exactly as if it were inbound traffic, and any new
// inbound message reschedules the next firing. It polls ListActive rather
// than arming a timer per item, since sessions round-trip through SQLite as
// fresh structs on every load and cannot carry a live *time.Timer between
// calls.
type HeartbeatScheduler struct {
	sessions *usecase.SessionUsecase
	autoreply *usecase.AutoReplyUsecase
	interval  time.Duration // how often to poll for due sessions
	heartbeat time.Duration // how long a session must be idle before it's due

	lastFiredMu sync.Mutex
	lastFired   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatScheduler builds a scheduler that polls every pollInterval and
// fires a heartbeat once a session has been idle for heartbeatMinutes. A
// heartbeatMinutes of zero or less disables the feature entirely (spec
// §4.7: "a non-positive heartbeat interval disables heartbeats").
func NewHeartbeatScheduler(sessions *usecase.SessionUsecase, autoreply *usecase.AutoReplyUsecase, heartbeatMinutes int, pollInterval time.Duration) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		sessions:  sessions,
		autoreply: autoreply,
		interval:  pollInterval,
		heartbeat: time.Duration(heartbeatMinutes) * time.Minute,
		lastFired: make(map[string]time.Time),
	}
}

// Enabled reports whether this scheduler has a positive heartbeat interval.
func (s *HeartbeatScheduler) Enabled() bool { return s.heartbeat > 0 }

// Start begins polling in the background. It is a no-op if the scheduler is
// disabled.
func (s *HeartbeatScheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()

	log.Printf("[heartbeat] started, interval=%s poll=%s", s.heartbeat, s.interval)
}

// Stop cancels the background poll and waits for it to exit.
func (s *HeartbeatScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *HeartbeatScheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepDue()
		}
	}
}

// sweepDue lists every active session and fires a heartbeat for each one
// that has been idle, since whichever is more recent of its last activity or
// its last heartbeat, for at least s.heartbeat.
func (s *HeartbeatScheduler) sweepDue() {
	ctx := context.Background()

	active, err := s.sessions.ListActive(ctx)
	if err != nil {
		log.Printf("[heartbeat] list active sessions: %v", err)
		return
	}

	now := time.Now()
	for _, sess := range active {
		if !s.due(sess, now) {
			continue
		}
		s.fire(ctx, sess, now)
	}

	s.forgetStale(active)
}

func (s *HeartbeatScheduler) due(sess *domain.Session, now time.Time) bool {
	base := sess.UpdatedAt

	s.lastFiredMu.Lock()
	if fired, ok := s.lastFired[sess.Key]; ok && fired.After(base) {
		base = fired
	}
	s.lastFiredMu.Unlock()

	return now.Sub(base) >= s.heartbeat
}

func (s *HeartbeatScheduler) fire(ctx context.Context, sess *domain.Session, now time.Time) {
	if err := s.autoreply.FireHeartbeat(ctx, sess); err != nil {
		log.Printf("[heartbeat] fire %s: %v", sess.Key, err)
		return
	}

	s.lastFiredMu.Lock()
	s.lastFired[sess.Key] = now
	s.lastFiredMu.Unlock()
}

// forgetStale drops bookkeeping for sessions that are no longer active, so
// the map doesn't grow without bound across a long-running relay process.
func (s *HeartbeatScheduler) forgetStale(active []*domain.Session) {
	keep := make(map[string]struct{}, len(active))
	for _, sess := range active {
		keep[sess.Key] = struct{}{}
	}

	s.lastFiredMu.Lock()
	defer s.lastFiredMu.Unlock()
	for key := range s.lastFired {
		if _, ok := keep[key]; !ok {
			delete(s.lastFired, key)
		}
	}
}
