package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Identifier is a canonicalised sender/recipient address. Its shape depends
// on the provider kind it was normalised for: E.164 for the two WhatsApp
// backends, "@username" or a decimal id (optionally "telegram:"-prefixed)
// for Telegram.
type Identifier string

var e164Digits = regexp.MustCompile(`[^0-9]`)

// Normalize reduces any recognised input form to its canonical form for the
// given provider kind, or rejects it. Normalisation is total: every call
// either returns a canonical Identifier or a domain.Error.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string, kind ProviderKind) (Identifier, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", NewError(KindConfig, fmt.Errorf("empty identifier"))
	}

	switch kind {
	case ProviderWAWeb, ProviderWATwilio:
		return normalizeE164(s)
	case ProviderTelegram:
		return normalizeTelegram(s)
	default:
		return "", NewError(KindConfig, fmt.Errorf("unknown provider kind %q", kind))
	}
}

func normalizeE164(s string) (Identifier, error) {
	s = strings.TrimPrefix(s, "whatsapp:")
	digits := e164Digits.ReplaceAllString(s, "")
	if digits == "" {
		return "", NewError(KindConfig, fmt.Errorf("identifier %q has no digits", s))
	}
	return Identifier("+" + digits), nil
}

func normalizeTelegram(s string) (Identifier, error) {
	s = strings.TrimPrefix(s, "telegram:")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", NewError(KindConfig, fmt.Errorf("empty telegram identifier"))
	}
	if strings.HasPrefix(s, "@") {
		return Identifier(strings.ToLower(s)), nil
	}
	// Decimal user id.
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", NewError(KindConfig, fmt.Errorf("identifier %q is neither @username nor a decimal id", s))
		}
	}
	return Identifier(s), nil
}

// WithTelegramNamespace prefixes a telegram identifier with "telegram:" for
// storage in maps shared with other providers' identifiers.
func WithTelegramNamespace(id Identifier) string {
	return "telegram:" + string(id)
}

// IsWAWebGroup reports whether a raw wa-web sender form is a group chat JID
// ("<digits>-<digits>@g.us").
func IsWAWebGroup(raw string) bool {
	return strings.HasSuffix(raw, "@g.us")
}
