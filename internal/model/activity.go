package model

// ActivityKind distinguishes how an activity item was observed on chain.
type ActivityKind string

const (
	KindLog         ActivityKind = "log"
	KindTransaction ActivityKind = "transaction"
)

// ActivityItem is the normalized representation of one unit of raw chain
// activity, either an emitted log or a transaction targeting a watched
// contract. Immutable once produced by the source.
type ActivityItem struct {
	Kind         ActivityKind `json:"kind"`
	BlockNumber  uint64       `json:"block_number"`
	BlockHash    string       `json:"block_hash"`
	TxHash       string       `json:"tx_hash"`
	TxIndex      uint64       `json:"tx_index"`
	LogIndex     uint64       `json:"log_index"`
	HasLogIndex  bool         `json:"has_log_index"`
	Address      string       `json:"address"`
	Topics       []string     `json:"topics,omitempty"`
	Data         string       `json:"data,omitempty"`
	Input        string       `json:"input,omitempty"`
	Removed      bool         `json:"removed"`
	Reverted     bool         `json:"reverted"`
	RevertReason string       `json:"revert_reason,omitempty"`
	Timestamp    uint64       `json:"timestamp"`
}
