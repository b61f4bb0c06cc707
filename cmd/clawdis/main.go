// Command clawdis is the CLI entrypoint for the personal multi-platform
// messaging relay (spec §1, §7): it wires the provider adapters, the
// Auto-Reply Engine, and the session schedulers together, and exposes the
// login/logout/send/status/relay verbs a single operator drives it with.
// Follows the package's usual composition-root shape: load config, wire
// dependencies in order, and run until signalled.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
	"clawdis/internal/biz/usecase"
	"clawdis/internal/conf"
	"clawdis/internal/data"
	"clawdis/internal/infra/agent"
	"clawdis/internal/infra/telegram"
	"clawdis/internal/infra/transcribe"
	"clawdis/internal/infra/watwilio"
	_ "clawdis/internal/infra/waweb"
	"clawdis/internal/server"
	"clawdis/internal/service"
)

const defaultHeartbeatPoll = 30 * time.Second
const defaultSweepInterval = 5 * time.Minute
const defaultIdleMinutes = 1440

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[clawdis] no .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	verb := os.Args[1]
	args := os.Args[2:]

	cfgDir := conf.ResolveConfigDir()

	var err error
	switch verb {
	case "relay":
		err = runRelay(cfgDir, args)
	case "login":
		err = runLogin(cfgDir, args)
	case "logout":
		err = runLogout(cfgDir, args)
	case "send":
		err = runSend(cfgDir, args)
	case "status":
		err = runStatus(cfgDir, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "clawdis: unknown command %q\n", verb)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "clawdis: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: clawdis <command> [args]

commands:
  relay [--provider auto|wa-web|wa-twilio|telegram|<comma-list>]
        [--interval <duration>] [--lookback <duration>]
        [--web-heartbeat <minutes>] [--reconnect-initial-ms <ms>]
        [--reconnect-max-ms <ms>] [--reconnect-max-attempts <n>]
        start relaying inbound messages into the agent
  login <provider>      pair/authenticate a provider (wa-web: QR; telegram: interactive)
  logout <provider>     drop stored credentials for a provider
  send <provider> <to> <message>
        send one message through a provider and exit
  status                report which providers have usable credentials`)
}

// flagValue scans args for the first occurrence of any of names followed by
// a value, the same manual parsing resolveKinds already uses for --provider.
func flagValue(args []string, names ...string) (string, bool) {
	for i, a := range args {
		for _, n := range names {
			if a == n && i+1 < len(args) {
				return args[i+1], true
			}
		}
	}
	return "", false
}

// parseRelayTuning implements spec §6's relay tuning flags: --interval,
// --lookback, --web-heartbeat, and reconnect tuning. Every flag is optional;
// omitted ones leave the corresponding service.Tuning field at zero, which
// each provider's config-builder treats as "use my own default".
func parseRelayTuning(args []string) (service.Tuning, error) {
	var t service.Tuning

	if v, ok := flagValue(args, "--interval"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return t, fmt.Errorf("--interval: %w", err)
		}
		t.Interval = d
	}
	if v, ok := flagValue(args, "--lookback"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return t, fmt.Errorf("--lookback: %w", err)
		}
		t.Lookback = d
	}
	if v, ok := flagValue(args, "--web-heartbeat"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("--web-heartbeat: %w", err)
		}
		t.WebHeartbeatMinutes = n
	}
	if v, ok := flagValue(args, "--reconnect-initial-ms"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("--reconnect-initial-ms: %w", err)
		}
		t.ReconnectInitialMs = n
	}
	if v, ok := flagValue(args, "--reconnect-max-ms"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("--reconnect-max-ms: %w", err)
		}
		t.ReconnectMaxMs = n
	}
	if v, ok := flagValue(args, "--reconnect-max-attempts"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("--reconnect-max-attempts: %w", err)
		}
		t.ReconnectMaxAttempts = n
	}

	return t, nil
}

// resolveKinds implements spec §4.5's provider selection: an explicit
// --provider flag (single kind or comma-separated list, "auto" for
// detection), defaulting to auto-detection when the flag is absent.
func resolveKinds(cfgDir string, args []string) ([]domain.ProviderKind, error) {
	spec := "auto"
	for i, a := range args {
		if a == "--provider" || a == "--providers" {
			if i+1 < len(args) {
				spec = args[i+1]
			}
		}
	}

	if spec == "" || spec == "auto" {
		kinds := service.Detect(cfgDir)
		if len(kinds) == 0 {
			return nil, domain.NewError(domain.KindConfig, fmt.Errorf("no provider has usable credentials; run `clawdis login <provider>` first"))
		}
		return kinds, nil
	}

	var kinds []domain.ProviderKind
	for _, part := range splitComma(spec) {
		kind, err := domain.ParseProviderKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// wiring bundles the composition-root pieces every verb needs: repos and
// usecases constructed inline in dependency order, generalised to a
// per-provider config table instead of one fixed client struct.
type wiring struct {
	appCfg      *conf.Config
	sessions    *usecase.SessionUsecase
	autoreply   *usecase.AutoReplyUsecase
	agent       repo.AgentRepo
	sessionRepo repo.SessionRepo
	// providers is the live map the supervisor populates as each provider
	// finishes starting; autoreply holds this same instance.
	providers map[domain.ProviderKind]repo.Provider
}

func buildWiring(cfgDir string, activeProviders []domain.ProviderKind) (*wiring, error) {
	appCfg, err := conf.Load(conf.ConfigFilePath(cfgDir))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	templates, err := conf.LoadTemplatesConfig(filepath.Join(cfgDir, "templates.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	dbPath := filepath.Join(cfgDir, "sessions.db")
	sessionRepo, err := data.NewSessionRepo(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	if appCfg.Agent.Command == "" {
		return nil, domain.NewError(domain.KindConfig, fmt.Errorf("agent.command is not configured"))
	}
	agentClient := agent.NewClient(agent.Config{
		Command:    appCfg.Agent.Command,
		Args:       appCfg.Agent.Args,
		WorkingDir: appCfg.Agent.WorkingDir,
	})

	idleMinutes := appCfg.Inbound.Reply.Session.IdleMinutes
	if idleMinutes == 0 {
		idleMinutes = defaultIdleMinutes
	}
	scope := appCfg.Inbound.Reply.Session.Scope
	if scope == "" {
		scope = "per-sender"
	}
	sessionCfg := domain.SessionConfig{IdleTimeout: time.Duration(idleMinutes) * time.Minute, ResetHour: -1}
	sessions := usecase.NewSessionUsecase(sessionRepo, agentClient, sessionCfg, scope)

	perProvider, groupAllow := buildAllowLists(appCfg)
	filter := usecase.NewFilterUsecase(perProvider, groupAllow)
	tmplUC := usecase.NewTemplateUsecase(templates)

	var transcriber repo.TranscribeRepo
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		transcriber = transcribe.NewClient(key, os.Getenv("OPENAI_BASE_URL"), os.Getenv("TRANSCRIBE_MODEL"))
	}

	providers := map[domain.ProviderKind]repo.Provider{} // populated by the supervisor once it starts each one
	scratchDir := filepath.Join(cfgDir, "scratch")
	autoreply := usecase.NewAutoReplyUsecase(filter, sessions, tmplUC, agentClient, transcriber, providers, activeProviders, scratchDir)

	return &wiring{appCfg: appCfg, sessions: sessions, autoreply: autoreply, agent: agentClient, sessionRepo: sessionRepo, providers: providers}, nil
}

func buildAllowLists(appCfg *conf.Config) (map[domain.ProviderKind]*domain.AllowList, map[domain.ProviderKind]*domain.AllowList) {
	perProvider := make(map[domain.ProviderKind]*domain.AllowList)
	groupAllow := make(map[domain.ProviderKind]*domain.AllowList)

	kinds := []domain.ProviderKind{domain.ProviderWAWeb, domain.ProviderWATwilio, domain.ProviderTelegram}
	for _, kind := range kinds {
		raw := append([]string{}, appCfg.Inbound.AllowFrom...)
		configured := appCfg.Inbound.AllowFrom != nil
		if override, ok := appCfg.Providers[string(kind)]; ok {
			raw = append(raw, override.AllowFrom...)
			configured = configured || override.AllowFrom != nil
		}
		perProvider[kind] = allowListFrom(raw, kind, configured)

		// GroupAllowFrom is deliberately not merged with raw: a sender
		// allowed for direct messages is not automatically allowed to
		// trigger a reply from inside a group (spec §4.6 step 2).
		groupAllow[kind] = allowListFrom(appCfg.Inbound.GroupAllowFrom, kind, appCfg.Inbound.GroupAllowFrom != nil)
	}

	return perProvider, groupAllow
}

func allowListFrom(raw []string, kind domain.ProviderKind, configured bool) *domain.AllowList {
	var ids []domain.Identifier
	for _, r := range raw {
		if id, err := domain.Normalize(r, kind); err == nil {
			ids = append(ids, id)
		} else {
			log.Printf("[clawdis] ignoring unparseable allow-list entry %q for %s: %v", r, kind, err)
		}
	}
	return domain.NewAllowList(ids, configured)
}

func runRelay(cfgDir string, args []string) error {
	kinds, err := resolveKinds(cfgDir, args)
	if err != nil {
		return err
	}

	tuning, err := parseRelayTuning(args)
	if err != nil {
		return err
	}

	w, err := buildWiring(cfgDir, kinds)
	if err != nil {
		return err
	}
	defer w.sessionRepo.Close()

	heartbeatMinutes := w.appCfg.Inbound.Reply.HeartbeatMinutes
	relay := server.NewRelayServer(cfgDir, kinds, w.providers, w.autoreply, w.sessions, heartbeatMinutes, defaultHeartbeatPoll, defaultSweepInterval, tuning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[clawdis] shutting down")
		cancel()
	}()

	relay.Start(ctx)
	<-ctx.Done()
	relay.Stop()
	return nil
}

func runLogin(cfgDir string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clawdis login <provider>")
	}
	kind, err := domain.ParseProviderKind(args[0])
	if err != nil {
		return err
	}

	p, cfg, err := buildStandaloneProvider(cfgDir, kind)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := p.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("initialize %s: %w", kind, err)
	}
	if err := p.Login(ctx); err != nil {
		return fmt.Errorf("login %s: %w", kind, err)
	}

	fmt.Printf("clawdis: %s authenticated (session id %s)\n", kind, p.GetSessionId())
	return nil
}

func runLogout(cfgDir string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clawdis logout <provider>")
	}
	kind, err := domain.ParseProviderKind(args[0])
	if err != nil {
		return err
	}

	p, cfg, err := buildStandaloneProvider(cfgDir, kind)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := p.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("initialize %s: %w", kind, err)
	}
	if err := p.Logout(ctx); err != nil {
		return fmt.Errorf("logout %s: %w", kind, err)
	}

	fmt.Printf("clawdis: %s logged out\n", kind)
	return nil
}

func runSend(cfgDir string, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: clawdis send <provider> <to> <message>")
	}
	kind, err := domain.ParseProviderKind(args[0])
	if err != nil {
		return err
	}
	to := domain.Identifier(args[1])
	body := args[2]

	p, cfg, err := buildStandaloneProvider(cfgDir, kind)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := p.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("initialize %s: %w", kind, err)
	}
	if !p.IsAuthenticated() {
		return fmt.Errorf("%s is not authenticated; run `clawdis login %s` first", kind, kind)
	}

	result := p.Send(ctx, to, body, domain.SendOptions{})
	if result.Status == domain.SendFailed {
		return fmt.Errorf("send failed: %s", result.Error)
	}

	fmt.Printf("clawdis: sent (status=%s, id=%s)\n", result.Status, result.MessageID)
	return nil
}

func runStatus(cfgDir string, _ []string) error {
	kinds := service.Detect(cfgDir)
	if len(kinds) == 0 {
		fmt.Println("no provider has usable credentials")
		return nil
	}
	fmt.Println("configured providers:")
	for _, k := range kinds {
		fmt.Printf("  - %s\n", k)
	}
	return nil
}

func buildStandaloneProvider(cfgDir string, kind domain.ProviderKind) (repo.Provider, interface{}, error) {
	p, err := repo.NewProvider(kind)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case domain.ProviderWAWeb:
		return p, conf.LoadWAWebConfig(cfgDir), nil
	case domain.ProviderWATwilio:
		return p, watwilio.Config{Env: conf.LoadTwilioEnv()}, nil
	case domain.ProviderTelegram:
		cfg, err := telegram.ConfigFromEnv(conf.LoadTelegramEnv(), cfgDir)
		return p, cfg, err
	default:
		return nil, nil, domain.NewError(domain.KindConfig, fmt.Errorf("no config builder for provider kind %q", kind))
	}
}
