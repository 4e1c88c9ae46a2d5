package watcher

import (
	"sort"

	"chainwatch/internal/model"
	"chainwatch/internal/render"
)

// ScoredItem pairs a decoded event with its rendered payload, routing key and
// sort key. It exists only within one poll cycle.
type ScoredItem struct {
	Event      model.DecodedEvent
	Payload    render.Payload
	RoutingKey string
	Key        model.SortKey
}

// sortItems stably orders a batch ascending by composite sort key, so
// dispatch proceeds in deterministic chain order.
func sortItems(items []ScoredItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Key.Less(items[j].Key)
	})
}
