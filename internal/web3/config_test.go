package web3

import "testing"

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(`
chains:
  sepolia:
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.org
  anvil:
    type: evm
    chain_id: 31337
    rpc_url: http://127.0.0.1:8545
    batch_rpc_url: http://127.0.0.1:8546
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	names := defs.Names()
	if len(names) != 2 || names[0] != "anvil" || names[1] != "sepolia" {
		t.Fatalf("unexpected names %v", names)
	}
	if defs.Chains["anvil"].BatchRPCURL != "http://127.0.0.1:8546" {
		t.Fatalf("batch url not parsed")
	}
}

func TestParseChainDefinitionsRequiresRPC(t *testing.T) {
	if _, err := ParseChainDefinitions([]byte("chains:\n  broken:\n    chain_id: 1\n")); err == nil {
		t.Fatalf("expected error for missing rpc_url")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %+v %v", defs, err)
	}
}

func TestParseChainDefinitionsExpandsEnvAndChecksDefault(t *testing.T) {
	t.Setenv("CHAINPROBE_TEST_KEY", "k123")
	defs, err := ParseChainDefinitions([]byte(`
default: sepolia
chains:
  sepolia:
    chain_id: 11155111
    rpc_url: https://sepolia.example/v3/${CHAINPROBE_TEST_KEY}
    explorer_url: https://api-sepolia.etherscan.io/api
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := defs.Chains["sepolia"].RPCURL; got != "https://sepolia.example/v3/k123" {
		t.Fatalf("env not expanded: %s", got)
	}
	if _, err := ParseChainDefinitions([]byte("default: mainnet\nchains:\n  sepolia:\n    rpc_url: http://x\n")); err == nil {
		t.Fatalf("expected error for undefined default chain")
	}
}
