package core

import (
	"sort"
	"strings"
)

// FlagFilters narrows which flag definitions the client subscribes to. At
// most one of the two filter kinds is expected to be configured; when both
// are empty the client processes everything the server sends.
type FlagFilters struct {
	Names []string
	Sets  []string
}

// ByNames returns a by-name allow-list filter over the given flag names.
func ByNames(names ...string) FlagFilters {
	return FlagFilters{Names: normalize(names)}
}

// BySets returns a by-flag-set filter over the given set names.
func BySets(sets ...string) FlagFilters {
	return FlagFilters{Sets: normalize(sets)}
}

// HasNames reports whether a by-name filter is configured.
func (f FlagFilters) HasNames() bool { return len(f.Names) > 0 }

// HasSets reports whether a by-flag-set filter is configured.
func (f FlagFilters) HasSets() bool { return len(f.Sets) > 0 }

// AllowsName reports whether the by-name filter admits name. With no by-name
// filter configured every name is admitted.
func (f FlagFilters) AllowsName(name string) bool {
	if !f.HasNames() {
		return true
	}
	for _, n := range f.Names {
		if n == name {
			return true
		}
	}
	return false
}

// IntersectsSets reports whether any of the entry's sets matches a configured
// set. An entry with no sets never intersects.
func (f FlagFilters) IntersectsSets(sets []string) bool {
	for _, s := range sets {
		for _, configured := range f.Sets {
			if s == configured {
				return true
			}
		}
	}
	return false
}

// QueryString renders the filter in the canonical form persisted alongside
// the cache and sent to the server. Names and sets are deduplicated and
// sorted so that equal filters always render identically; a changed rendering
// is the signal that the local cache must be rebuilt.
func (f FlagFilters) QueryString() string {
	var sb strings.Builder
	if f.HasNames() {
		sb.WriteString("&names=")
		sb.WriteString(strings.Join(f.Names, ","))
	}
	if f.HasSets() {
		sb.WriteString("&sets=")
		sb.WriteString(strings.Join(f.Sets, ","))
	}
	return sb.String()
}

func normalize(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
