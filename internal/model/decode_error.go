package model

import (
	"errors"
	"fmt"
)

// DecodeError marks calldata or a log that does not match any known ABI entry
// for its contract. This is expected for unrelated calls and must not abort a
// poll cycle.
type DecodeError struct {
	Contract string
	TxHash   string
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s tx %s: %s", e.Contract, e.TxHash, e.Reason)
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
