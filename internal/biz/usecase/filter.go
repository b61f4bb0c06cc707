package usecase

import (
	"context"
	"log"
	"sync"

	"clawdis/internal/biz/domain"
)

// FilterUsecase implements spec §4.6 steps 1-2: the per-provider allow-list
// check and the WA-Web-only group policy.
type FilterUsecase struct {
	perProvider map[domain.ProviderKind]*domain.AllowList
	groupAllow  map[domain.ProviderKind]*domain.AllowList

	warnOnce sync.Map // domain.ProviderKind -> struct{}
}

func NewFilterUsecase(perProvider, groupAllow map[domain.ProviderKind]*domain.AllowList) *FilterUsecase {
	return &FilterUsecase{perProvider: perProvider, groupAllow: groupAllow}
}

// ShouldRespond applies the whitelist and (for group inbound) the group
// policy. A rejected message is never surfaced as an error to the caller;
// the reject is logged at info and the caller simply discards it (spec
// §4.6: "a whitelist reject is silent to the peer").
func (uc *FilterUsecase) ShouldRespond(ctx context.Context, msg *domain.InboundMessage) bool {
	allow := uc.perProvider[msg.Provider]
	if allow == nil || !allow.Configured {
		uc.warnMissingAllowList(msg.Provider)
	}

	if !allow.Allows(msg.Sender) {
		log.Printf("[filter] rejecting %s: sender %s not on allow-list", msg.Provider, msg.Sender)
		return false
	}

	if !msg.IsGroup {
		return true
	}

	if msg.Provider != domain.ProviderWAWeb {
		log.Printf("[filter] rejecting %s: group chats are wa-web only", msg.Provider)
		return false
	}

	if msg.MentionsMe {
		return true
	}

	groupAllow := uc.groupAllow[msg.Provider]
	if groupAllow != nil && groupAllow.Configured && groupAllow.Allows(msg.Sender) {
		return true
	}

	log.Printf("[filter] rejecting group %s: not mentioned and group not separately allow-listed", msg.Sender)
	return false
}

// warnMissingAllowList logs once per provider that no allow-list was
// configured, per spec §4.6 step 1.
func (uc *FilterUsecase) warnMissingAllowList(kind domain.ProviderKind) {
	if _, already := uc.warnOnce.LoadOrStore(kind, struct{}{}); already {
		return
	}
	log.Printf("[filter] warning: no allow-list configured for %s, accepting all senders", kind)
}
