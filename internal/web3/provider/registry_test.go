package provider

import (
	"context"
	"math/big"
	"testing"

	"ChainProbe/internal/config"
	"ChainProbe/internal/web3"
	"ChainProbe/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

func TestStaticRegistryResolve(t *testing.T) {
	backend := backends.NewSimulatedBackend(coretypes.GenesisAlloc{}, 8_000_000)
	sim := ethereum.NewSimulatedClient("local", big.NewInt(1337), backend)
	registry := NewStaticRegistry("local", map[string]web3.Client{"local": sim})
	defer registry.Close()

	client, err := registry.Resolve("")
	if err != nil || client.Name() != "local" {
		t.Fatalf("expected default client, got %v %v", client, err)
	}
	if _, err := registry.Resolve("mainnet"); err == nil {
		t.Fatalf("expected error for unknown chain")
	}
	if chains := registry.Chains(); len(chains) != 1 || chains[0] != "local" {
		t.Fatalf("unexpected chains %v", chains)
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without any rpc endpoint")
	}
}

func TestNewRegistryRejectsUnknownDefault(t *testing.T) {
	_, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:1", DefaultChain: "mainnet"})
	if err == nil {
		t.Fatalf("expected error for default chain missing from registry")
	}
}
