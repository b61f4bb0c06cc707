package domain

// AllowList is an ordered, per-provider exact-match whitelist. A nil or
// unconfigured AllowList means "allow all" (with a loud warning expected from
// the caller); a configured, empty AllowList means "deny all".
type AllowList struct {
	entries map[Identifier]struct{}
	order   []Identifier
	Configured bool
}

// NewAllowList builds an AllowList from a slice of already-canonicalised
// identifiers. Passing a nil slice with configured=false models "absent
// field"; passing an empty, non-nil slice with configured=true models
// "deny all".
func NewAllowList(ids []Identifier, configured bool) *AllowList {
	al := &AllowList{entries: make(map[Identifier]struct{}, len(ids)), Configured: configured}
	for _, id := range ids {
		if _, ok := al.entries[id]; !ok {
			al.order = append(al.order, id)
		}
		al.entries[id] = struct{}{}
	}
	return al
}

// Allows reports whether id is permitted. An unconfigured allow-list permits
// everything; a configured, empty one permits nothing.
func (al *AllowList) Allows(id Identifier) bool {
	if al == nil || !al.Configured {
		return true
	}
	_, ok := al.entries[id]
	return ok
}

// Entries returns the canonical identifiers in insertion order.
func (al *AllowList) Entries() []Identifier {
	if al == nil {
		return nil
	}
	return al.order
}
