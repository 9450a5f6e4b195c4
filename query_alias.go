package dialect

import (
	"fmt"
	"regexp"
)

var nonAliasChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// sanitizeAlias replaces every character that is not a letter, digit or underscore.
func sanitizeAlias(raw string) string {
	s := nonAliasChars.ReplaceAllString(raw, "_")
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "_" + s
	}
	return s
}

// aliasResolver assigns stable aliases to the entities referenced by one query.
type aliasResolver struct {
	raw     map[string]string     // raw name -> alias
	taken   map[string]string     // alias -> raw name
	byAlias map[string]*AliasInfo // alias -> info
	byPath  map[string]*AliasInfo // "parentAlias.property" -> info
	joined  []*AliasInfo
}

func newAliasResolver() *aliasResolver {
	return &aliasResolver{
		raw:     make(map[string]string),
		taken:   make(map[string]string),
		byAlias: make(map[string]*AliasInfo),
		byPath:  make(map[string]*AliasInfo),
	}
}

// registerEntityAlias returns the sanitized alias for raw, assigning one on first
// use. Two raw names that sanitize alike get distinct aliases.
func (r *aliasResolver) registerEntityAlias(raw string) string {
	if a, ok := r.raw[raw]; ok {
		return a
	}
	base := sanitizeAlias(raw)
	alias := base
	for n := 2; ; n++ {
		if _, clash := r.taken[alias]; !clash {
			break
		}
		alias = fmt.Sprintf("%s_%d", base, n)
	}
	r.raw[raw] = alias
	r.taken[alias] = raw
	return alias
}

// lookup resolves a raw alias used in a property path.
func (r *aliasResolver) lookup(raw string) (*AliasInfo, bool) {
	a, ok := r.raw[raw]
	if !ok {
		return nil, false
	}
	info, ok := r.byAlias[a]
	return info, ok
}

func (r *aliasResolver) addRoot(raw string, entity *EntityMetadata) *AliasInfo {
	info := &AliasInfo{Alias: r.registerEntityAlias(raw), Entity: entity, Required: true}
	r.byAlias[info.Alias] = info
	return info
}

// join returns the alias for the association prop reached from parent, creating it
// when first seen. explicit names the alias given by an explicit join clause.
// A join that becomes required stays required.
func (r *aliasResolver) join(parent *AliasInfo, prop *PropertyMetadata, target *EntityMetadata, explicit string, required bool) *AliasInfo {
	pathKey := parent.Alias + "." + prop.Name
	if info, ok := r.byPath[pathKey]; ok {
		if required {
			info.Required = true
		}
		if explicit != "" {
			if _, known := r.raw[explicit]; !known {
				r.raw[explicit] = info.Alias
			}
		}
		return info
	}

	raw := explicit
	if raw == "" {
		raw = parent.Alias + "_" + prop.Name
	}
	info := &AliasInfo{
		Alias:    r.registerEntityAlias(raw),
		Entity:   target,
		Parent:   parent,
		Via:      prop,
		Required: required,
		Depth:    parent.Depth + 1,
	}
	r.byAlias[info.Alias] = info
	r.byPath[pathKey] = info
	r.joined = append(r.joined, info)
	return info
}
