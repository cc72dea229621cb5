package subscription

import (
	"strings"

	"github.com/gagliardetto/solana-go"
)

// DefaultFilterName is the name of the filter used when no filter string is configured.
const DefaultFilterName = "token"

// Filter is a named owner-group criterion. It controls both what the upstream
// pushes and which topic an event is routed to.
type Filter struct {
	Name   string   `yaml:"name" json:"name"`
	Owners []string `yaml:"owners" json:"owners"`
}

// DefaultFilters returns the built-in filter covering the SPL Token and
// Token-2022 programs.
func DefaultFilters() []Filter {
	return []Filter{
		{
			Name: DefaultFilterName,
			Owners: []string{
				solana.TokenProgramID.String(),
				solana.Token2022ProgramID.String(),
			},
		},
	}
}

// ParseFilters parses a filter string of the form
//
//	name=owner1,owner2;other=owner3
//
// Entries without '=', with an empty name, with no non-empty owner, or
// repeating an earlier name are skipped. It never fails; an unusable string
// yields an empty slice.
func ParseFilters(raw string) []Filter {
	var filters []Filter
	seen := make(map[string]struct{})

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, ownersRaw, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}

		var owners []string
		for _, owner := range strings.Split(ownersRaw, ",") {
			if owner = strings.TrimSpace(owner); owner != "" {
				owners = append(owners, owner)
			}
		}
		if len(owners) == 0 {
			continue
		}

		seen[name] = struct{}{}
		filters = append(filters, Filter{Name: name, Owners: owners})
	}

	return filters
}

// FiltersOrDefault parses raw and falls back to DefaultFilters when nothing
// usable was found.
func FiltersOrDefault(raw string) []Filter {
	if filters := ParseFilters(raw); len(filters) > 0 {
		return filters
	}
	return DefaultFilters()
}
