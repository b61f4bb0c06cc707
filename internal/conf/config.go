package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the user configuration file schema (spec §6). Loading and deep
// schema validation of this file are explicitly out of scope as external
// collaborators; this package still owns locating the file and unmarshalling
// it, since something must, plus the light Validate() a caller needs before
// trusting the environment-variable layer.
type Config struct {
	Logging  LoggingConfig              `json:"logging"`
	Inbound  InboundConfig              `json:"inbound"`
	Agent    AgentConfig                `json:"agent"`
	Providers map[string]ProviderOverride `json:"providers,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type InboundConfig struct {
	AllowFrom []string `json:"allowFrom,omitempty"`
	// GroupAllowFrom separately allow-lists group-chat senders (spec §4.6
	// step 2: "or the group is separately allow-listed"); it is never
	// merged with AllowFrom, since a sender allowed for direct messages is
	// not automatically allowed to trigger a reply from inside a group.
	GroupAllowFrom []string    `json:"groupAllowFrom,omitempty"`
	Reply          ReplyConfig `json:"reply"`
}

type ReplyConfig struct {
	Mode             string             `json:"mode"` // "command" | "text"
	Command          []string           `json:"command,omitempty"`
	Text             string             `json:"text,omitempty"`
	Session          SessionScopeConfig `json:"session"`
	HeartbeatMinutes int                `json:"heartbeatMinutes"`
	SessionIntro     string             `json:"sessionIntro,omitempty"`
}

type SessionScopeConfig struct {
	Scope       string `json:"scope"` // "global" | "per-sender"
	IdleMinutes int    `json:"idleMinutes"`
}

// ProviderOverride is a per-provider allowFrom (and future per-provider
// knob) override layered on top of Inbound.AllowFrom.
type ProviderOverride struct {
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// AgentConfig names the external agent subprocess to spawn. The wire
// details of the process itself are out of scope, but something has to say
// which binary to run.
type AgentConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

// Load reads and unmarshals the configuration file at path. A missing file
// is not an error — callers fall back to an empty Config plus whatever the
// environment supplies.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// TwilioEnv is the WA-Twilio credential/tuning set read from the
// environment (spec §6 table).
type TwilioEnv struct {
	AccountSID     string
	AuthToken      string
	APIKey         string
	APISecret      string
	WhatsAppFrom   string
	MessagingSID   string
}

// LoadTwilioEnv reads the WA-Twilio environment variables without
// validating them; call Validate to get the precise issue list.
func LoadTwilioEnv() TwilioEnv {
	return TwilioEnv{
		AccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		AuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		APIKey:       os.Getenv("TWILIO_API_KEY"),
		APISecret:    os.Getenv("TWILIO_API_SECRET"),
		WhatsAppFrom: os.Getenv("TWILIO_WHATSAPP_FROM"),
		MessagingSID: os.Getenv("TWILIO_SENDER_SID"),
	}
}

// Validate checks the mutually-exclusive credential pair and required
// fields, returning every problem found rather than stopping at the first.
func (e TwilioEnv) Validate() []string {
	var issues []string
	if e.AccountSID == "" {
		issues = append(issues, "TWILIO_ACCOUNT_SID is required")
	}
	hasToken := e.AuthToken != ""
	hasKeyPair := e.APIKey != "" && e.APISecret != ""
	if hasToken == hasKeyPair {
		issues = append(issues, "exactly one of TWILIO_AUTH_TOKEN or (TWILIO_API_KEY and TWILIO_API_SECRET) is required")
	}
	if e.APIKey != "" && e.APISecret == "" {
		issues = append(issues, "TWILIO_API_KEY set without TWILIO_API_SECRET")
	}
	if e.APISecret != "" && e.APIKey == "" {
		issues = append(issues, "TWILIO_API_SECRET set without TWILIO_API_KEY")
	}
	if e.WhatsAppFrom == "" {
		issues = append(issues, "TWILIO_WHATSAPP_FROM is required")
	} else if !strings.HasPrefix(e.WhatsAppFrom, "whatsapp:+") {
		issues = append(issues, "TWILIO_WHATSAPP_FROM must be in the form whatsapp:+E164")
	}
	return issues
}

// TelegramEnv is the Telegram credential/tuning set read from the
// environment (spec §6 table, §4.4 media-limit override).
type TelegramEnv struct {
	APIID       string
	APIHash     string
	MaxMediaMB  int
	TempDirOverride string
}

const telegramDefaultMaxMediaMB = 2048

// LoadTelegramEnv reads the Telegram environment variables. An invalid or
// missing TELEGRAM_MAX_MEDIA_MB falls back to the 2 GiB default with a
// warning; values above it are clamped, per spec §4.4.
func LoadTelegramEnv() TelegramEnv {
	maxMB := telegramDefaultMaxMediaMB
	if v := os.Getenv("TELEGRAM_MAX_MEDIA_MB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			maxMB = parsed
		} else {
			fmt.Printf("[config] invalid TELEGRAM_MAX_MEDIA_MB=%q, using default %dMB\n", v, telegramDefaultMaxMediaMB)
		}
	}
	if maxMB > telegramDefaultMaxMediaMB {
		fmt.Printf("[config] TELEGRAM_MAX_MEDIA_MB=%d exceeds 2048, clamping\n", maxMB)
		maxMB = telegramDefaultMaxMediaMB
	}

	return TelegramEnv{
		APIID:           os.Getenv("TELEGRAM_API_ID"),
		APIHash:         os.Getenv("TELEGRAM_API_HASH"),
		MaxMediaMB:      maxMB,
		TempDirOverride: os.Getenv("TELEGRAM_TEMP_DIR"),
	}
}

// Validate checks that both Telegram credentials appear together.
func (e TelegramEnv) Validate() []string {
	var issues []string
	hasID := e.APIID != ""
	hasHash := e.APIHash != ""
	if hasID != hasHash {
		issues = append(issues, "TELEGRAM_API_ID and TELEGRAM_API_HASH must both be set")
	}
	return issues
}

// IsComplete reports whether both credentials are present, used by the
// relay supervisor's auto-detect order.
func (e TelegramEnv) IsComplete() bool {
	return e.APIID != "" && e.APIHash != ""
}

// IsComplete reports whether the mutually-exclusive credential set is
// present, used by the relay supervisor's auto-detect order.
func (e TwilioEnv) IsComplete() bool {
	return e.AccountSID != "" && e.WhatsAppFrom != "" && (e.AuthToken != "" || (e.APIKey != "" && e.APISecret != ""))
}

// ReconnectPolicy is the exponential backoff tuning for a socket-based
// provider's reconnect loop (spec §4.2, §8 scenario 5): delay starts at
// InitialMs, doubles (times Factor) on each attempt up to MaxMs, jittered by
// ±JitterMs, and gives up after MaxAttempts.
type ReconnectPolicy struct {
	InitialMs   int
	MaxMs       int
	Factor      float64
	JitterMs    int
	MaxAttempts int
}

// DefaultReconnectPolicy is used whenever the environment doesn't override
// it: a 100ms initial delay doubling up to a 30s cap, no jitter, and 10
// attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{InitialMs: 100, MaxMs: 30_000, Factor: 2, JitterMs: 0, MaxAttempts: 10}
}

// WAWebConfig is the WA-Web credential directory plus reconnect/heartbeat
// tuning (spec §6, §8 scenario 5).
type WAWebConfig struct {
	CredentialsDir   string
	Reconnect        ReconnectPolicy
	HeartbeatMinutes int
}

const waWebCredentialsSubdir = "credentials"
const waWebDefaultHeartbeatMinutes = 120

// LoadWAWebConfig derives the credentials directory from cfgDir and reads
// WAWEB_* reconnect overrides from the environment, falling back to
// DefaultReconnectPolicy for anything unset or invalid.
func LoadWAWebConfig(cfgDir string) WAWebConfig {
	policy := DefaultReconnectPolicy()
	if v, err := strconv.Atoi(os.Getenv("WAWEB_RECONNECT_INITIAL_MS")); err == nil && v > 0 {
		policy.InitialMs = v
	}
	if v, err := strconv.Atoi(os.Getenv("WAWEB_RECONNECT_MAX_MS")); err == nil && v > 0 {
		policy.MaxMs = v
	}
	if v, err := strconv.Atoi(os.Getenv("WAWEB_RECONNECT_MAX_ATTEMPTS")); err == nil && v > 0 {
		policy.MaxAttempts = v
	}

	heartbeat := waWebDefaultHeartbeatMinutes
	if v, err := strconv.Atoi(os.Getenv("WAWEB_HEARTBEAT_MINUTES")); err == nil && v > 0 {
		heartbeat = v
	}

	return WAWebConfig{
		CredentialsDir:   filepath.Join(cfgDir, waWebCredentialsSubdir),
		Reconnect:        policy,
		HeartbeatMinutes: heartbeat,
	}
}

// HasCredentials reports whether a WA-Web device store already exists on
// disk, the signal the relay supervisor's auto-detect order keys on.
func (c WAWebConfig) HasCredentials() bool {
	_, err := os.Stat(filepath.Join(c.CredentialsDir, "store.db"))
	return err == nil
}
