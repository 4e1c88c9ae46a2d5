package sink

import (
	"sort"
	"strings"
)

// Router maps logical event names to channel keys through a prefix table.
// The most specific (longest) matching prefix wins; unmatched names fall
// back to the default channel.
type Router struct {
	prefixes []prefixRoute
	fallback string
}

type prefixRoute struct {
	prefix  string
	channel string
}

// NewRouter builds a router from a prefix-to-channel table and a default
// channel key. Prefixes are ordered longest first so the match is
// deterministic regardless of map iteration order.
func NewRouter(routes map[string]string, fallback string) *Router {
	prefixes := make([]prefixRoute, 0, len(routes))
	for prefix, channel := range routes {
		prefixes = append(prefixes, prefixRoute{prefix: prefix, channel: channel})
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i].prefix) != len(prefixes[j].prefix) {
			return len(prefixes[i].prefix) > len(prefixes[j].prefix)
		}
		return prefixes[i].prefix < prefixes[j].prefix
	})

	return &Router{prefixes: prefixes, fallback: fallback}
}

// Route returns the channel key for a logical event name.
func (r *Router) Route(eventName string) string {
	for _, route := range r.prefixes {
		if strings.HasPrefix(eventName, route.prefix) {
			return route.channel
		}
	}
	return r.fallback
}
