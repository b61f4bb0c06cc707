package usecase

import (
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"clawdis/internal/biz/domain"
	"clawdis/internal/conf"
)

// placeholderPattern matches "{{ Name }}" with tolerated surrounding
// whitespace inside the braces (spec §4.8).
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9]+)\s*\}\}`)

// TemplateUsecase expands `{{Name}}` placeholders against a context map and
// builds the provider-aware identity prompt.
type TemplateUsecase struct {
	templates *conf.TemplatesConfig
}

func NewTemplateUsecase(templates *conf.TemplatesConfig) *TemplateUsecase {
	return &TemplateUsecase{templates: templates}
}

// Expand replaces every `{{Name}}` placeholder with ctx[Name]; both unknown
// and missing keys expand to "" (spec §9 Open Question, pinned in
// DESIGN.md). Literal text with no placeholders is returned unchanged.
func (uc *TemplateUsecase) Expand(tmpl string, ctx map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return ctx[name]
	})
}

// messengerName maps a provider kind to the display name used in the
// identity prompt (spec §4.8: "WhatsApp" for both WA backends, "Telegram").
func messengerName(kind domain.ProviderKind) string {
	switch kind {
	case domain.ProviderWAWeb, domain.ProviderWATwilio:
		return "WhatsApp"
	case domain.ProviderTelegram:
		return "Telegram"
	default:
		return string(kind)
	}
}

// detailedProviderName is the long form used inside the {{PROVIDERS}} list.
func detailedProviderName(kind domain.ProviderKind) string {
	switch kind {
	case domain.ProviderWAWeb:
		return "WhatsApp Web"
	case domain.ProviderWATwilio:
		return "WhatsApp (Twilio)"
	case domain.ProviderTelegram:
		return "Telegram"
	default:
		return string(kind)
	}
}

// BuildIdentityPrompt constructs the identity string for a newly-resolved
// session, naming the messenger, the provider's media limit, the scratchpad
// directory, and the MEDIA:/HEARTBEAT_OK conventions (spec §4.8).
func (uc *TemplateUsecase) BuildIdentityPrompt(kind domain.ProviderKind, activeProviders []domain.ProviderKind, scratchDir string) string {
	caps := domain.CapabilitiesFor(kind)

	names := make([]string, 0, len(activeProviders))
	for _, p := range activeProviders {
		names = append(names, detailedProviderName(p))
	}

	ctx := map[string]string{
		"PROVIDERS":           strings.Join(names, ", "),
		"Messenger":           messengerName(kind),
		"MaxMediaSize":        humanize.Bytes(uint64(caps.MaxMediaSize)),
		"ScratchDir":          scratchDir,
		"MediaConvention":     uc.templates.MediaConvention,
		"HeartbeatConvention": uc.templates.HeartbeatConvention,
		"TurnEndConvention":   uc.templates.TurnEndConvention,
	}

	return uc.Expand(uc.templates.Identity, ctx)
}

// BuildHeartbeatPrompt returns the configured heartbeat check-in prompt
// with its placeholders expanded against ctx.
func (uc *TemplateUsecase) BuildHeartbeatPrompt(ctx map[string]string) string {
	return uc.Expand(uc.templates.Heartbeat, ctx)
}
