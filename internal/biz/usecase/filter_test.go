package usecase

import (
	"context"
	"testing"

	"clawdis/internal/biz/domain"
)

func TestFilterUsecase_RejectsNonWhitelistedSender(t *testing.T) {
	allow := domain.NewAllowList([]domain.Identifier{"+15551234567"}, true)
	uc := NewFilterUsecase(map[domain.ProviderKind]*domain.AllowList{domain.ProviderWATwilio: allow}, nil)

	msg := &domain.InboundMessage{Sender: "+19998887777", Provider: domain.ProviderWATwilio}
	if uc.ShouldRespond(context.Background(), msg) {
		t.Fatal("expected rejection for non-whitelisted sender")
	}
}

func TestFilterUsecase_AllowsExactMatch(t *testing.T) {
	allow := domain.NewAllowList([]domain.Identifier{"+15551234567"}, true)
	uc := NewFilterUsecase(map[domain.ProviderKind]*domain.AllowList{domain.ProviderWATwilio: allow}, nil)

	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWATwilio}
	if !uc.ShouldRespond(context.Background(), msg) {
		t.Fatal("expected exact-match sender to be allowed")
	}
}

func TestFilterUsecase_MissingAllowListAcceptsAll(t *testing.T) {
	uc := NewFilterUsecase(nil, nil)
	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWAWeb}
	if !uc.ShouldRespond(context.Background(), msg) {
		t.Fatal("expected unconfigured allow-list to accept all senders")
	}
}

func TestFilterUsecase_GroupChat_RejectedOnNonWAWebProvider(t *testing.T) {
	allow := domain.NewAllowList([]domain.Identifier{"+1"}, true)
	uc := NewFilterUsecase(map[domain.ProviderKind]*domain.AllowList{domain.ProviderTelegram: allow}, nil)

	msg := &domain.InboundMessage{Sender: "+1", Provider: domain.ProviderTelegram, IsGroup: true}
	if uc.ShouldRespond(context.Background(), msg) {
		t.Fatal("expected group chat on telegram to be rejected (wa-web only)")
	}
}

func TestFilterUsecase_GroupChat_AllowedWhenMentioned(t *testing.T) {
	allow := domain.NewAllowList([]domain.Identifier{"12345-678@g.us"}, true)
	uc := NewFilterUsecase(map[domain.ProviderKind]*domain.AllowList{domain.ProviderWAWeb: allow}, nil)

	msg := &domain.InboundMessage{Sender: "12345-678@g.us", Provider: domain.ProviderWAWeb, IsGroup: true, MentionsMe: true}
	if !uc.ShouldRespond(context.Background(), msg) {
		t.Fatal("expected group mention to be allowed")
	}
}

func TestFilterUsecase_GroupChat_AllowedWhenGroupSeparatelyAllowListed(t *testing.T) {
	perSender := domain.NewAllowList([]domain.Identifier{"12345-678@g.us"}, true)
	groupAllow := domain.NewAllowList([]domain.Identifier{"12345-678@g.us"}, true)
	uc := NewFilterUsecase(
		map[domain.ProviderKind]*domain.AllowList{domain.ProviderWAWeb: perSender},
		map[domain.ProviderKind]*domain.AllowList{domain.ProviderWAWeb: groupAllow},
	)

	msg := &domain.InboundMessage{Sender: "12345-678@g.us", Provider: domain.ProviderWAWeb, IsGroup: true}
	if !uc.ShouldRespond(context.Background(), msg) {
		t.Fatal("expected separately allow-listed group to be allowed")
	}
}

func TestFilterUsecase_GroupChat_RejectedWhenNeitherMentionedNorAllowListed(t *testing.T) {
	perSender := domain.NewAllowList([]domain.Identifier{"12345-678@g.us"}, true)
	uc := NewFilterUsecase(map[domain.ProviderKind]*domain.AllowList{domain.ProviderWAWeb: perSender}, nil)

	msg := &domain.InboundMessage{Sender: "12345-678@g.us", Provider: domain.ProviderWAWeb, IsGroup: true}
	if uc.ShouldRespond(context.Background(), msg) {
		t.Fatal("expected unmentioned, non-allow-listed group to be rejected")
	}
}
