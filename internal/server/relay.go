// Package server wires the business-logic layer to the outside world: one
// RelayServer per process, dispatching every auto-detected provider's
// inbound stream into the Auto-Reply Engine and running the session
// schedulers alongside it, atop the N-provider Relay Supervisor (§4.5).
package server

import (
	"context"
	"log"
	"time"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
	"clawdis/internal/biz/usecase"
	"clawdis/internal/service"
)

type RelayServer struct {
	supervisor *service.Supervisor
	autoreply  *usecase.AutoReplyUsecase
	heartbeat  *service.HeartbeatScheduler
	sweeper    *service.SessionSweeper
	kinds      []domain.ProviderKind
}

// providers must be the same map instance passed to
// usecase.NewAutoReplyUsecase, so each provider becomes visible to the
// engine the moment the supervisor finishes starting it. tuning carries the
// relay verb's CLI tuning flags (spec §6) down into the supervisor.
func NewRelayServer(
	cfgDir string,
	kinds []domain.ProviderKind,
	providers map[domain.ProviderKind]repo.Provider,
	autoreply *usecase.AutoReplyUsecase,
	sessions *usecase.SessionUsecase,
	heartbeatMinutes int,
	heartbeatPoll time.Duration,
	sweepInterval time.Duration,
	tuning service.Tuning,
) *RelayServer {
	return &RelayServer{
		supervisor: service.NewSupervisor(cfgDir, providers, tuning),
		autoreply:  autoreply,
		heartbeat:  service.NewHeartbeatScheduler(sessions, autoreply, heartbeatMinutes, heartbeatPoll),
		sweeper:    service.NewSessionSweeper(sessions, sweepInterval),
		kinds:      kinds,
	}
}

// Start brings up every detected provider, the agent event loop, and the
// session schedulers. It returns once every provider's startup has been
// kicked off; providers continue to (dis)connect in the background.
func (s *RelayServer) Start(ctx context.Context) {
	log.Printf("[relay] starting providers: %v", s.kinds)

	s.autoreply.StartEventLoop(ctx)
	s.supervisor.Start(ctx, s.kinds, s.dispatch)
	s.heartbeat.Start(ctx)
	s.sweeper.Start(ctx)
}

// Stop tears every provider, and both schedulers, down and waits for all of
// them to settle (spec §4.5).
func (s *RelayServer) Stop() {
	s.heartbeat.Stop()
	s.sweeper.Stop()
	s.supervisor.Stop()
}

// dispatch adapts the synchronous repo.MessageHandler signature every
// provider calls into the Auto-Reply Engine's context-aware, erroring
// HandleMessage.
func (s *RelayServer) dispatch(msg *domain.InboundMessage) {
	if err := s.autoreply.HandleMessage(context.Background(), msg); err != nil {
		log.Printf("[relay] handle message from %s (%s): %v", msg.Sender, msg.Provider, err)
	}
}
