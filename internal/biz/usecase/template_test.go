package usecase

import (
	"strings"
	"testing"

	"clawdis/internal/biz/domain"
	"clawdis/internal/conf"
)

func TestTemplateUsecase_Expand_KnownPlaceholder(t *testing.T) {
	uc := NewTemplateUsecase(conf.DefaultTemplatesConfig())
	got := uc.Expand("hello {{From}}", map[string]string{"From": "+1"})
	if got != "hello +1" {
		t.Fatalf("got %q", got)
	}
}

func TestTemplateUsecase_Expand_MissingKeyExpandsEmpty(t *testing.T) {
	uc := NewTemplateUsecase(conf.DefaultTemplatesConfig())
	got := uc.Expand("hello {{Nonexistent}}!", map[string]string{})
	if got != "hello !" {
		t.Fatalf("got %q", got)
	}
}

func TestTemplateUsecase_Expand_EmptyContextLeavesLiteralTextUnchanged(t *testing.T) {
	uc := NewTemplateUsecase(conf.DefaultTemplatesConfig())
	got := uc.Expand("no placeholders here", nil)
	if got != "no placeholders here" {
		t.Fatalf("got %q", got)
	}
}

func TestTemplateUsecase_Expand_TolerantOfInnerWhitespace(t *testing.T) {
	uc := NewTemplateUsecase(conf.DefaultTemplatesConfig())
	got := uc.Expand("{{ From }}", map[string]string{"From": "alice"})
	if got != "alice" {
		t.Fatalf("got %q", got)
	}
}

func TestTemplateUsecase_BuildIdentityPrompt_NamesMessengerAndMediaLimit(t *testing.T) {
	uc := NewTemplateUsecase(conf.DefaultTemplatesConfig())
	got := uc.BuildIdentityPrompt(domain.ProviderWATwilio, []domain.ProviderKind{domain.ProviderWATwilio, domain.ProviderTelegram}, "/tmp/scratch")

	if !strings.Contains(got, "WhatsApp") {
		t.Fatalf("expected messenger name in identity prompt, got %q", got)
	}
	if !strings.Contains(got, "WhatsApp (Twilio)") || !strings.Contains(got, "Telegram") {
		t.Fatalf("expected detailed provider list, got %q", got)
	}
	if !strings.Contains(got, "/tmp/scratch") {
		t.Fatalf("expected scratch dir, got %q", got)
	}
}
