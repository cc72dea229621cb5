package subscription

import (
	"fmt"
	"strings"
)

// CombinedFilterName names the single upstream entry emitted when the
// configured filters exceed MaxFilters.
const CombinedFilterName = "combined"

// RawTopicSuffix is appended to the topic prefix for events no filter matched.
const RawTopicSuffix = "raw"

// SubscribeKind selects which upstream filter maps the request populates.
type SubscribeKind string

const (
	KindTransactions SubscribeKind = "transactions"
	KindAccounts     SubscribeKind = "accounts"
	KindAll          SubscribeKind = "all"
)

// ParseSubscribeKind maps a config value to a SubscribeKind. Empty means
// transactions.
func ParseSubscribeKind(s string) (SubscribeKind, error) {
	switch SubscribeKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindTransactions:
		return KindTransactions, nil
	case KindAccounts:
		return KindAccounts, nil
	case KindAll:
		return KindAll, nil
	default:
		return "", fmt.Errorf("unknown subscribe kind %q (want transactions, accounts or all)", s)
	}
}

// Config is built once at startup and must not be mutated afterwards.
type Config struct {
	TopicPrefix string
	Filters     []Filter
	// MaxFilters is the upstream filter-count ceiling; 0 means unlimited.
	MaxFilters int
	Kind       SubscribeKind
}

// Topic returns the destination topic for a filter name.
func (c Config) Topic(name string) string {
	return c.TopicPrefix + "." + name
}

// RawTopic returns the fallback topic.
func (c Config) RawTopic() string {
	return c.Topic(RawTopicSuffix)
}

// Collapsed reports whether the upstream request merges every filter into
// a single combined entry.
func (c Config) Collapsed() bool {
	return c.MaxFilters > 0 && len(c.Filters) > c.MaxFilters
}

// Entry is one named owner list as sent upstream.
type Entry struct {
	Name   string
	Owners []string
}

// Entries returns the upstream filter plan in config order. Filters with no
// owners are omitted.
func (c Config) Entries() []Entry {
	if c.Collapsed() {
		var owners []string
		seen := make(map[string]struct{})
		for _, f := range c.Filters {
			for _, owner := range f.Owners {
				if _, ok := seen[owner]; ok {
					continue
				}
				seen[owner] = struct{}{}
				owners = append(owners, owner)
			}
		}
		if len(owners) == 0 {
			return nil
		}
		return []Entry{{Name: CombinedFilterName, Owners: owners}}
	}

	entries := make([]Entry, 0, len(c.Filters))
	for _, f := range c.Filters {
		if len(f.Owners) == 0 {
			continue
		}
		entries = append(entries, Entry{Name: f.Name, Owners: append([]string(nil), f.Owners...)})
	}
	return entries
}
