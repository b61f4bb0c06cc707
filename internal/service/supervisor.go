package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
	"clawdis/internal/conf"
	"clawdis/internal/infra/telegram"
	"clawdis/internal/infra/watwilio"
)

// Tuning carries the relay verb's CLI tuning flags (spec §6: "--interval,
// --lookback, --web-heartbeat, reconnect tuning") down into each provider's
// config. A zero field means "use that provider's own default", so callers
// only need to set what the operator actually passed.
type Tuning struct {
	Interval             time.Duration // wa-twilio poll interval
	Lookback             time.Duration // wa-twilio lookback window
	WebHeartbeatMinutes  int           // wa-web keep-alive heartbeat
	ReconnectInitialMs   int           // wa-web reconnect backoff
	ReconnectMaxMs       int
	ReconnectMaxAttempts int
}

func (t Tuning) applyToWAWeb(cfg conf.WAWebConfig) conf.WAWebConfig {
	if t.WebHeartbeatMinutes > 0 {
		cfg.HeartbeatMinutes = t.WebHeartbeatMinutes
	}
	if t.ReconnectInitialMs > 0 {
		cfg.Reconnect.InitialMs = t.ReconnectInitialMs
	}
	if t.ReconnectMaxMs > 0 {
		cfg.Reconnect.MaxMs = t.ReconnectMaxMs
	}
	if t.ReconnectMaxAttempts > 0 {
		cfg.Reconnect.MaxAttempts = t.ReconnectMaxAttempts
	}
	return cfg
}

func (t Tuning) applyToTwilio(cfg watwilio.Config) watwilio.Config {
	if t.Interval > 0 {
		cfg.Interval = t.Interval
	}
	if t.Lookback > 0 {
		cfg.Lookback = t.Lookback
	}
	return cfg
}

// fatalProvider is the extension point waweb.Provider exposes outside the
// repo.Provider interface for reporting an exhausted reconnect loop.
type fatalProvider interface {
	OnFatal(func(error))
}

// Supervisor is the Relay Supervisor (§4.5): it auto-detects which
// providers have usable credentials, brings each one up concurrently, and
// tears every one of them down together on a single cancellation.
type Supervisor struct {
	cfgDir string

	// providers is owned by the caller (typically the same map instance
	// wired into usecase.AutoReplyUsecase), so a provider becomes visible to
	// the Auto-Reply Engine the moment it finishes starting.
	providers  map[domain.ProviderKind]repo.Provider
	tuning     Tuning
	handler    repo.MessageHandler
	listenCtx  context.Context
	listenStop context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex // guards providers and runErrs
	runErrs map[domain.ProviderKind]error
}

// NewSupervisor builds a supervisor that populates providers as each kind
// finishes starting. Pass the same map instance used to construct the
// Auto-Reply Engine so it observes each provider without further wiring.
// tuning carries any relay-verb CLI overrides for per-provider config.
func NewSupervisor(cfgDir string, providers map[domain.ProviderKind]repo.Provider, tuning Tuning) *Supervisor {
	return &Supervisor{
		cfgDir:    cfgDir,
		providers: providers,
		tuning:    tuning,
		runErrs:   make(map[domain.ProviderKind]error),
	}
}

// Detect implements spec §4.5's deterministic auto-detect order: wa-web if
// its on-disk credentials exist, then telegram if its session file exists,
// then wa-twilio if its environment is complete. Returns every kind whose
// credentials are usable, in that fixed order.
func Detect(cfgDir string) []domain.ProviderKind {
	var kinds []domain.ProviderKind

	if conf.LoadWAWebConfig(cfgDir).HasCredentials() {
		kinds = append(kinds, domain.ProviderWAWeb)
	}

	telegramEnv := conf.LoadTelegramEnv()
	if telegramEnv.IsComplete() {
		if tgCfg, err := telegram.ConfigFromEnv(telegramEnv, cfgDir); err == nil {
			if _, err := os.Stat(telegram.SessionFilePath(tgCfg)); err == nil {
				kinds = append(kinds, domain.ProviderTelegram)
			}
		}
	}

	if conf.LoadTwilioEnv().IsComplete() {
		kinds = append(kinds, domain.ProviderWATwilio)
	}

	return kinds
}

// Start initialises and begins listening on every kind in kinds
// concurrently. handler is wired as every provider's OnMessage callback. A
// failure to bring up one provider is logged and does not prevent the
// others from starting (spec §4.5: "one provider's error ... doesn't affect
// the others").
func (s *Supervisor) Start(ctx context.Context, kinds []domain.ProviderKind, handler repo.MessageHandler) {
	s.handler = handler
	s.listenCtx, s.listenStop = context.WithCancel(ctx)

	for _, kind := range kinds {
		kind := kind
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.startOne(kind); err != nil {
				log.Printf("[supervisor] %s failed to start: %v", kind, err)
				s.recordErr(kind, err)
			}
		}()
	}
}

func (s *Supervisor) startOne(kind domain.ProviderKind) error {
	cfg, err := s.configFor(kind)
	if err != nil {
		return err
	}

	p, err := repo.NewInitializedProvider(s.listenCtx, kind, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if !p.IsAuthenticated() {
		if err := p.Login(s.listenCtx); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	p.OnMessage(s.handler)

	if fp, ok := p.(fatalProvider); ok {
		fp.OnFatal(func(err error) {
			log.Printf("[supervisor] %s reconnect exhausted: %v", kind, err)
			s.recordErr(kind, err)
		})
	}

	if err := p.StartListening(s.listenCtx); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}

	s.mu.Lock()
	s.providers[kind] = p
	s.mu.Unlock()

	log.Printf("[supervisor] %s listening", kind)
	return nil
}

func (s *Supervisor) configFor(kind domain.ProviderKind) (interface{}, error) {
	switch kind {
	case domain.ProviderWAWeb:
		return s.tuning.applyToWAWeb(conf.LoadWAWebConfig(s.cfgDir)), nil
	case domain.ProviderWATwilio:
		return s.tuning.applyToTwilio(watwilio.Config{Env: conf.LoadTwilioEnv()}), nil
	case domain.ProviderTelegram:
		return telegram.ConfigFromEnv(conf.LoadTelegramEnv(), s.cfgDir)
	default:
		return nil, domain.NewError(domain.KindConfig, fmt.Errorf("no config builder for provider kind %q", kind))
	}
}

func (s *Supervisor) recordErr(kind domain.ProviderKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runErrs[kind] = err
}

// Stop cancels every provider's listen context and waits for each one to
// stop listening and disconnect (spec §4.5: "the supervisor waits for all
// of them to settle before exiting").
func (s *Supervisor) Stop() {
	if s.listenStop != nil {
		s.listenStop()
	}
	s.wg.Wait()

	s.mu.Lock()
	providers := make(map[domain.ProviderKind]repo.Provider, len(s.providers))
	for k, v := range s.providers {
		providers[k] = v
	}
	s.mu.Unlock()

	var settleWG sync.WaitGroup
	for kind, p := range providers {
		kind, p := kind, p
		settleWG.Add(1)
		go func() {
			defer settleWG.Done()
			if err := p.StopListening(); err != nil {
				log.Printf("[supervisor] %s stop listening: %v", kind, err)
			}
			if err := p.Disconnect(); err != nil {
				log.Printf("[supervisor] %s disconnect: %v", kind, err)
			}
		}()
	}
	settleWG.Wait()
}
