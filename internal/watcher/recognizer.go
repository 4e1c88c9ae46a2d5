package watcher

import (
	"strings"

	"go.uber.org/zap"

	"chainwatch/internal/model"
	"chainwatch/internal/registry"
)

// Recognizer turns one raw activity item into zero or one decoded event using
// the static contract registry.
type Recognizer struct {
	reg    *registry.Registry
	logger *zap.Logger
}

func NewRecognizer(reg *registry.Registry, logger *zap.Logger) *Recognizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recognizer{reg: reg, logger: logger}
}

// Recognize decodes item against its contract binding and maps the raw
// identifier to a logical event name. A decode mismatch or an unmapped
// identifier yields (nil, nil): no event, not an error. Items flagged as
// removed by a reorg are never decoded.
func (r *Recognizer) Recognize(item model.ActivityItem) (*model.DecodedEvent, error) {
	if item.Removed {
		return nil, nil
	}

	binding, ok := r.reg.ByAddress(item.Address)
	if !ok {
		return nil, nil
	}

	var (
		identifier string
		args       map[string]any
		logical    string
		mapped     bool
		err        error
	)
	switch item.Kind {
	case model.KindLog:
		identifier, args, err = binding.DecodeLog(item.TxHash, item.Topics, item.Data)
		if err == nil {
			logical, mapped = binding.EventName(identifier)
		}
	case model.KindTransaction:
		identifier, args, err = binding.DecodeInput(item.TxHash, item.Input)
		if err == nil {
			logical, mapped = binding.FunctionName(identifier)
		}
	default:
		return nil, nil
	}

	if err != nil {
		if model.IsDecodeError(err) {
			r.logger.Debug("decode mismatch", zap.String("contract", binding.Name), zap.String("tx_hash", item.TxHash), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if !mapped {
		return nil, nil
	}

	normalized := make(map[string]any, len(args)+3)
	for key, value := range args {
		normalized[strings.TrimLeft(key, "_")] = value
	}
	normalized["timestamp"] = item.Timestamp
	normalized["identifier"] = identifier
	if item.Reverted && item.RevertReason != "" {
		normalized["reason"] = item.RevertReason
	}

	event := &model.DecodedEvent{
		Name:        logical,
		Contract:    binding.Name,
		Identifier:  identifier,
		Args:        normalized,
		BlockNumber: item.BlockNumber,
		TxHash:      item.TxHash,
		TxIndex:     item.TxIndex,
		LogIndex:    item.LogIndex,
		HasLogIndex: item.HasLogIndex,
		Timestamp:   item.Timestamp,
	}

	if disableGated(event) {
		r.logger.Info("suppressing unconfirmed disable event", zap.String("event", event.Name), zap.String("tx_hash", event.TxHash))
		return nil, nil
	}

	return event, nil
}

// disableGated reports whether an administrative-disable event must be
// suppressed: any event whose logical name contains "disable" is dropped
// unless a confirm-flag argument is present and true. Enforced here so no
// caller can forget it.
func disableGated(event *model.DecodedEvent) bool {
	if !strings.Contains(event.Name, "disable") {
		return false
	}
	for key, value := range event.Args {
		if !strings.HasPrefix(strings.ToLower(key), "confirm") {
			continue
		}
		if confirmed, ok := value.(bool); ok && confirmed {
			return false
		}
	}
	return true
}
