package domain

import (
	"fmt"
	"log"
	"strings"
)

// ProviderKind tags one of the three supported messaging backends.
type ProviderKind string

const (
	ProviderWAWeb    ProviderKind = "wa-web"
	ProviderWATwilio ProviderKind = "wa-twilio"
	ProviderTelegram ProviderKind = "telegram"
)

// ParseProviderKind accepts the canonical kinds plus the legacy aliases
// "web" and "twilio", logging a deprecation warning each time an alias is
// parsed.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ProviderWAWeb):
		return ProviderWAWeb, nil
	case string(ProviderWATwilio):
		return ProviderWATwilio, nil
	case string(ProviderTelegram):
		return ProviderTelegram, nil
	case "web":
		log.Printf("[config] provider alias %q is deprecated, use %q", s, ProviderWAWeb)
		return ProviderWAWeb, nil
	case "twilio":
		log.Printf("[config] provider alias %q is deprecated, use %q", s, ProviderWATwilio)
		return ProviderWATwilio, nil
	default:
		return "", NewError(KindConfig, fmt.Errorf("unknown provider kind %q", s))
	}
}

// DeliveryStatus is the normalised delivery-state set every provider maps
// its backend-specific status codes into.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusUnknown   DeliveryStatus = "unknown"
)

// ProviderCapabilities is the static capability record consulted by callers
// that need to branch on what a provider kind can do.
type ProviderCapabilities struct {
	DeliveryReceipts         bool
	ReadReceipts             bool
	TypingIndicator          bool
	Reactions                bool
	Replies                  bool
	Editing                  bool
	Deleting                 bool
	CanInitiateConversation  bool
	MaxMediaSize             int64
	AcceptableMIMEPatterns   []string
}

const (
	waTwilioMaxMedia  = 5 * 1024 * 1024
	waWebMaxMedia     = 64 * 1024 * 1024
	telegramMaxMedia  = 2 * 1024 * 1024 * 1024
	telegramMaxMediaB = telegramMaxMedia
)

// CapabilitiesFor returns the static capability record for a kind. Telegram's
// maxMediaSize may be overridden by the caller after construction (env-driven,
// see internal/infra/telegram).
func CapabilitiesFor(kind ProviderKind) ProviderCapabilities {
	switch kind {
	case ProviderWAWeb:
		return ProviderCapabilities{
			DeliveryReceipts:        true,
			ReadReceipts:            true,
			TypingIndicator:         true,
			Reactions:               true,
			Replies:                 true,
			Editing:                 false,
			Deleting:                true,
			CanInitiateConversation: true,
			MaxMediaSize:            waWebMaxMedia,
			AcceptableMIMEPatterns:  []string{"image/*", "video/*", "audio/*", "application/*"},
		}
	case ProviderWATwilio:
		return ProviderCapabilities{
			DeliveryReceipts:        true,
			ReadReceipts:            false,
			TypingIndicator:         false,
			Reactions:               false,
			Replies:                 false,
			Editing:                 false,
			Deleting:                false,
			CanInitiateConversation: false,
			MaxMediaSize:            waTwilioMaxMedia,
			AcceptableMIMEPatterns:  []string{"image/*", "video/*", "audio/*"},
		}
	case ProviderTelegram:
		return ProviderCapabilities{
			DeliveryReceipts:        false,
			ReadReceipts:            false,
			TypingIndicator:         true,
			Reactions:               true,
			Replies:                 true,
			Editing:                 true,
			Deleting:                true,
			CanInitiateConversation: true,
			MaxMediaSize:            telegramMaxMediaB,
			AcceptableMIMEPatterns:  []string{"*/*"},
		}
	default:
		return ProviderCapabilities{}
	}
}
