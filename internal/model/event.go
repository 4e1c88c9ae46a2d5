package model

// DecodedEvent is the structured result of recognizing a raw activity item.
// Argument keys are normalized (leading underscores stripped) and the set is
// fixed once the recognizer returns it.
type DecodedEvent struct {
	Name        string         `json:"name"`
	Contract    string         `json:"contract"`
	Identifier  string         `json:"identifier"`
	Args        map[string]any `json:"args"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      string         `json:"tx_hash"`
	TxIndex     uint64         `json:"tx_index"`
	LogIndex    uint64         `json:"log_index"`
	HasLogIndex bool           `json:"has_log_index"`
	Timestamp   uint64         `json:"timestamp"`
}

// Key returns the composite sort key for the event.
func (e DecodedEvent) Key() SortKey {
	return SortKey{
		BlockNumber: e.BlockNumber,
		TxIndex:     e.TxIndex,
		HasLogIndex: e.HasLogIndex,
		LogIndex:    e.LogIndex,
	}
}
