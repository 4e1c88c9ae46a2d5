package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertReason replays a reverted transaction with eth_call at its block and
// extracts the revert string, if one was encoded. Best effort: when the node
// returns no structured revert data, the raw error text is used instead.
func (c *Client) RevertReason(ctx context.Context, tx *types.Transaction, from common.Address, blockNumber uint64) (string, error) {
	if tx.To() == nil {
		return "", nil
	}

	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}

	_, err := c.ethClient.CallContract(ctx, msg, new(big.Int).SetUint64(blockNumber))
	if err == nil {
		return "", nil
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, nil
				}
			}
		}
	}

	return err.Error(), nil
}
