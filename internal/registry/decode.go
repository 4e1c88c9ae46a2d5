package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"chainwatch/internal/model"
)

// DecodeLog decodes a raw log (hex topics and data) emitted by this contract.
// It returns the raw event identifier and the decoded argument mapping, or a
// *model.DecodeError when the log does not match any mapped event.
func (b *Binding) DecodeLog(txHash string, topics []string, data string) (string, map[string]any, error) {
	if len(topics) == 0 {
		return "", nil, b.decodeError(txHash, "missing topics")
	}

	rawName, ok := b.topicToEvent[strings.ToLower(topics[0])]
	if !ok {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("unmapped topic0 %s", topics[0]))
	}
	event := b.contractABI.Events[rawName]

	indexed := indexedArguments(event.Inputs)
	if len(topics) != len(indexed)+1 {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("expected %d topics, got %d", len(indexed)+1, len(topics)))
	}

	topicHashes, err := parseTopicHashes(topics[1:])
	if err != nil {
		return "", nil, b.decodeError(txHash, err.Error())
	}

	args := make(map[string]any)
	if err := abi.ParseTopicsIntoMap(args, indexed, topicHashes); err != nil {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("parse topics: %v", err))
	}

	payload, err := hexutil.Decode(data)
	if err != nil {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("invalid data: %v", err))
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(args, payload); err != nil {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("unpack %s: %v", rawName, err))
	}

	return rawName, args, nil
}

// DecodeInput decodes transaction calldata against this contract's mapped
// functions. It returns the raw function identifier and the decoded argument
// mapping, or a *model.DecodeError when the selector matches no mapped
// function.
func (b *Binding) DecodeInput(txHash string, input string) (string, map[string]any, error) {
	calldata, err := hexutil.Decode(input)
	if err != nil {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("invalid calldata: %v", err))
	}
	if len(calldata) < 4 {
		return "", nil, b.decodeError(txHash, "calldata shorter than selector")
	}

	selector := strings.ToLower(hexutil.Encode(calldata[:4]))
	rawName, ok := b.selectorToFn[selector]
	if !ok {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("unmapped selector %s", selector))
	}
	method := b.contractABI.Methods[rawName]

	args := make(map[string]any)
	if err := method.Inputs.UnpackIntoMap(args, calldata[4:]); err != nil {
		return "", nil, b.decodeError(txHash, fmt.Sprintf("unpack %s: %v", rawName, err))
	}

	return rawName, args, nil
}

func (b *Binding) decodeError(txHash, reason string) error {
	return &model.DecodeError{Contract: b.Name, TxHash: txHash, Reason: reason}
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
