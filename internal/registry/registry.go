package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RevertPolicy controls which transactions are relevant for a contract based
// on receipt status.
type RevertPolicy string

const (
	// RevertSkip ignores reverted transactions (default).
	RevertSkip RevertPolicy = "skip"
	// RevertOnly keeps only reverted transactions. Used for contracts where
	// the interesting signal is the failure itself.
	RevertOnly RevertPolicy = "only"
	// RevertInclude keeps transactions regardless of status.
	RevertInclude RevertPolicy = "include"
)

// ContractConfig is one entry of the static registry file.
type ContractConfig struct {
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	ABI       json.RawMessage   `json:"abi"`
	Events    map[string]string `json:"events,omitempty"`
	Functions map[string]string `json:"functions,omitempty"`
	OnRevert  RevertPolicy      `json:"on_revert,omitempty"`
}

// Config is the parsed static registry file.
type Config struct {
	Contracts []ContractConfig `json:"contracts"`
}

// Binding resolves a single contract's name, address and ABI decoder, plus
// its raw-identifier to logical-event tables.
type Binding struct {
	Name     string
	Address  common.Address
	OnRevert RevertPolicy

	contractABI  abi.ABI
	topicToEvent map[string]string // topic0 (lowercase hex) -> raw event name
	selectorToFn map[string]string // 4-byte selector (lowercase hex) -> raw function name
	events       map[string]string // raw event name -> logical event name
	functions    map[string]string // raw function name -> logical event name
}

// Registry holds all contract bindings, loaded once at startup.
type Registry struct {
	byAddress map[common.Address]*Binding
	byName    map[string]*Binding
}

// Load reads and parses the registry file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return New(cfg)
}

// New builds a registry from an already-parsed config.
func New(cfg Config) (*Registry, error) {
	if len(cfg.Contracts) == 0 {
		return nil, fmt.Errorf("registry has no contracts")
	}

	r := &Registry{
		byAddress: make(map[common.Address]*Binding, len(cfg.Contracts)),
		byName:    make(map[string]*Binding, len(cfg.Contracts)),
	}

	for _, contract := range cfg.Contracts {
		binding, err := newBinding(contract)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", contract.Name, err)
		}
		if _, ok := r.byAddress[binding.Address]; ok {
			return nil, fmt.Errorf("duplicate address %s", binding.Address.Hex())
		}
		if _, ok := r.byName[binding.Name]; ok {
			return nil, fmt.Errorf("duplicate contract name %s", binding.Name)
		}
		r.byAddress[binding.Address] = binding
		r.byName[binding.Name] = binding
	}

	return r, nil
}

func newBinding(cfg ContractConfig) (*Binding, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("contract name is required")
	}
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("invalid address: %s", cfg.Address)
	}
	if len(cfg.Events) == 0 && len(cfg.Functions) == 0 {
		return nil, fmt.Errorf("no events or functions mapped")
	}

	contractABI, err := abi.JSON(bytes.NewReader(cfg.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	policy := cfg.OnRevert
	if policy == "" {
		policy = RevertSkip
	}
	switch policy {
	case RevertSkip, RevertOnly, RevertInclude:
	default:
		return nil, fmt.Errorf("unknown on_revert policy: %s", policy)
	}

	binding := &Binding{
		Name:         cfg.Name,
		Address:      common.HexToAddress(cfg.Address),
		OnRevert:     policy,
		contractABI:  contractABI,
		topicToEvent: make(map[string]string, len(cfg.Events)),
		selectorToFn: make(map[string]string, len(cfg.Functions)),
		events:       make(map[string]string, len(cfg.Events)),
		functions:    make(map[string]string, len(cfg.Functions)),
	}

	for rawName, logical := range cfg.Events {
		event, ok := contractABI.Events[rawName]
		if !ok {
			return nil, fmt.Errorf("event %s not in abi", rawName)
		}
		binding.topicToEvent[strings.ToLower(event.ID.Hex())] = rawName
		binding.events[rawName] = logical
	}

	for rawName, logical := range cfg.Functions {
		method, ok := contractABI.Methods[rawName]
		if !ok {
			return nil, fmt.Errorf("function %s not in abi", rawName)
		}
		binding.selectorToFn[strings.ToLower(hexutil.Encode(method.ID))] = rawName
		binding.functions[rawName] = logical
	}

	return binding, nil
}

// ByAddress returns the binding for a contract address, if known.
func (r *Registry) ByAddress(address string) (*Binding, bool) {
	if !common.IsHexAddress(address) {
		return nil, false
	}
	binding, ok := r.byAddress[common.HexToAddress(address)]
	return binding, ok
}

// ByName returns the binding for a logical contract name, if known.
func (r *Registry) ByName(name string) (*Binding, bool) {
	binding, ok := r.byName[name]
	return binding, ok
}

// Addresses returns all bound contract addresses.
func (r *Registry) Addresses() []common.Address {
	addresses := make([]common.Address, 0, len(r.byAddress))
	for address := range r.byAddress {
		addresses = append(addresses, address)
	}
	return addresses
}

// Topics returns the topic0 hashes of every mapped event across all bindings,
// deduplicated, for use as a log filter.
func (r *Registry) Topics() []common.Hash {
	seen := make(map[common.Hash]struct{})
	topics := make([]common.Hash, 0)
	for _, binding := range r.byAddress {
		for topic0 := range binding.topicToEvent {
			hash := common.HexToHash(topic0)
			if _, ok := seen[hash]; ok {
				continue
			}
			seen[hash] = struct{}{}
			topics = append(topics, hash)
		}
	}
	return topics
}

// ABI exposes the parsed contract ABI, primarily for tests building payloads.
func (b *Binding) ABI() abi.ABI {
	return b.contractABI
}

// EventName maps a raw event identifier to its logical event name.
func (b *Binding) EventName(identifier string) (string, bool) {
	logical, ok := b.events[identifier]
	return logical, ok
}

// FunctionName maps a raw function identifier to its logical event name.
func (b *Binding) FunctionName(identifier string) (string, bool) {
	logical, ok := b.functions[identifier]
	return logical, ok
}
