package registry

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"chainwatch/internal/model"
)

const testABI = `[
	{"type":"event","name":"Deposited","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"_amount","type":"uint256","indexed":false}
	]},
	{"type":"function","name":"bootstrapDisable","stateMutability":"nonpayable","inputs":[
		{"name":"_confirmDisableBootstrapMode","type":"bool"}
	]},
	{"type":"function","name":"setGuardian","stateMutability":"nonpayable","inputs":[
		{"name":"_newAddress","type":"address"}
	]}
]`

const testAddress = "0x1111111111111111111111111111111111111111"

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(Config{Contracts: []ContractConfig{{
		Name:    "vault",
		Address: testAddress,
		ABI:     json.RawMessage(testABI),
		Events:  map[string]string{"Deposited": "vault_deposit"},
		Functions: map[string]string{
			"bootstrapDisable": "vault_bootstrap_disable",
			"setGuardian":      "vault_set_guardian",
		},
	}}})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestRegistryLookups(t *testing.T) {
	reg := testRegistry(t)

	binding, ok := reg.ByAddress(testAddress)
	if !ok {
		t.Fatalf("binding not found by address")
	}
	if binding.Name != "vault" {
		t.Fatalf("unexpected binding name: %s", binding.Name)
	}
	if _, ok := reg.ByName("vault"); !ok {
		t.Fatalf("binding not found by name")
	}
	if _, ok := reg.ByAddress("0x2222222222222222222222222222222222222222"); ok {
		t.Fatalf("unknown address should not resolve")
	}
	if len(reg.Addresses()) != 1 {
		t.Fatalf("expected 1 address, got %d", len(reg.Addresses()))
	}
	if len(reg.Topics()) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(reg.Topics()))
	}
}

func TestDecodeLog(t *testing.T) {
	reg := testRegistry(t)
	binding, _ := reg.ByAddress(testAddress)

	event := binding.ABI().Events["Deposited"]
	sender := common.HexToAddress("0x3333333333333333333333333333333333333333")
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(42))
	if err != nil {
		t.Fatalf("pack data: %v", err)
	}
	topics := []string{event.ID.Hex(), common.BytesToHash(sender.Bytes()).Hex()}

	identifier, args, err := binding.DecodeLog("0xtx", topics, hexutil.Encode(data))
	if err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if identifier != "Deposited" {
		t.Fatalf("unexpected identifier: %s", identifier)
	}
	if got := args["from"].(common.Address); got != sender {
		t.Fatalf("from mismatch: %s", got.Hex())
	}
	if got := args["_amount"].(*big.Int); got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("amount mismatch: %s", got)
	}
}

func TestDecodeLogUnmappedTopic(t *testing.T) {
	reg := testRegistry(t)
	binding, _ := reg.ByAddress(testAddress)

	topics := []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	_, _, err := binding.DecodeLog("0xtx", topics, "0x")
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if !model.IsDecodeError(err) {
		t.Fatalf("expected DecodeError, got %T", err)
	}
}

func TestDecodeInput(t *testing.T) {
	reg := testRegistry(t)
	binding, _ := reg.ByAddress(testAddress)

	method := binding.ABI().Methods["setGuardian"]
	guardian := common.HexToAddress("0x4444444444444444444444444444444444444444")
	packed, err := method.Inputs.Pack(guardian)
	if err != nil {
		t.Fatalf("pack input: %v", err)
	}
	calldata := hexutil.Encode(append(method.ID, packed...))

	identifier, args, err := binding.DecodeInput("0xtx", calldata)
	if err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if identifier != "setGuardian" {
		t.Fatalf("unexpected identifier: %s", identifier)
	}
	if got := args["_newAddress"].(common.Address); got != guardian {
		t.Fatalf("guardian mismatch: %s", got.Hex())
	}
}

func TestDecodeInputUnmappedSelector(t *testing.T) {
	reg := testRegistry(t)
	binding, _ := reg.ByAddress(testAddress)

	_, _, err := binding.DecodeInput("0xtx", "0xdeadbeef")
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if !model.IsDecodeError(err) {
		t.Fatalf("expected DecodeError, got %T", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty registry")
	}

	_, err := New(Config{Contracts: []ContractConfig{{
		Name:    "vault",
		Address: "not-an-address",
		ABI:     json.RawMessage(testABI),
		Events:  map[string]string{"Deposited": "vault_deposit"},
	}}})
	if err == nil {
		t.Fatalf("expected error for invalid address")
	}

	_, err = New(Config{Contracts: []ContractConfig{{
		Name:    "vault",
		Address: testAddress,
		ABI:     json.RawMessage(testABI),
		Events:  map[string]string{"Missing": "vault_missing"},
	}}})
	if err == nil {
		t.Fatalf("expected error for event not in abi")
	}

	_, err = New(Config{Contracts: []ContractConfig{{
		Name:     "vault",
		Address:  testAddress,
		ABI:      json.RawMessage(testABI),
		Events:   map[string]string{"Deposited": "vault_deposit"},
		OnRevert: "sometimes",
	}}})
	if err == nil {
		t.Fatalf("expected error for unknown revert policy")
	}
}
