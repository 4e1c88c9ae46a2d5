package model

// SortKey imposes a strict total order on decoded events: block number first,
// then transaction index within the block, then log index within the
// transaction. Items without a log index sort before logged events at the same
// transaction index.
type SortKey struct {
	BlockNumber uint64
	TxIndex     uint64
	HasLogIndex bool
	LogIndex    uint64
}

// Less reports whether k orders strictly before other.
func (k SortKey) Less(other SortKey) bool {
	if k.BlockNumber != other.BlockNumber {
		return k.BlockNumber < other.BlockNumber
	}
	if k.TxIndex != other.TxIndex {
		return k.TxIndex < other.TxIndex
	}
	if k.HasLogIndex != other.HasLogIndex {
		return !k.HasLogIndex
	}
	return k.LogIndex < other.LogIndex
}
