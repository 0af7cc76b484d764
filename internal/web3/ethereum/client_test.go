package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Creation code whose runtime emits a single LOG1 on every call.
	simpleContractBin        = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"
	simpleContractEventTopic = "0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
)

func TestClientSendReceiptLogsBatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	chainID := big.NewInt(1337)

	backend := backends.NewSimulatedBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)

	sign := func(nonce uint64, to *common.Address, data []byte) *coretypes.Transaction {
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			t.Fatalf("gas price: %v", err)
		}
		tx := coretypes.NewTx(&coretypes.LegacyTx{Nonce: nonce, GasPrice: price, Gas: 1_000_000, To: to, Data: data})
		signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
		if err != nil {
			t.Fatalf("sign tx: %v", err)
		}
		return signed
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	create := sign(nonce, nil, common.FromHex(simpleContractBin))
	if err := client.SendTransaction(ctx, create); err != nil {
		t.Fatalf("send creation: %v", err)
	}
	receipt, err := client.WaitReceipt(ctx, create.Hash())
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	contract := receipt.ContractAddress
	if contract == (common.Address{}) {
		t.Fatal("expected contract address to be non-zero")
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" || snapshot.BlockNumber == "0x0" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	next, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	outcomes := client.SendBatchTransactions(ctx, []*coretypes.Transaction{
		sign(next, &contract, nil),
		sign(nonce, &contract, nil),
	})
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Err != nil {
		t.Fatalf("first batch item failed: %v", outcomes[0].Err)
	}
	if outcomes[1].Err == nil {
		t.Fatal("reused nonce should be rejected")
	}

	if _, err := client.WaitReceipt(ctx, outcomes[0].Hash); err != nil {
		t.Fatalf("wait batch receipt: %v", err)
	}
	logs, err := client.FilterLogs(ctx, gethcore.FilterQuery{Addresses: []common.Address{contract}})
	if err != nil {
		t.Fatalf("filter logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Topics[0] != common.HexToHash(simpleContractEventTopic) {
		t.Fatalf("unexpected logs %+v", logs)
	}

	balance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000_000_000_000_000_000)) >= 0 {
		t.Fatalf("gas should have been charged, balance %s", balance)
	}
}

func TestWaitReceiptHonoursContext(t *testing.T) {
	t.Parallel()

	backend := backends.NewSimulatedBackend(coretypes.GenesisAlloc{}, 8_000_000)
	client := NewSimulatedClient("simulated", big.NewInt(1337), backend)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := client.WaitReceipt(ctx, common.HexToHash("0x01")); err == nil {
		t.Fatal("expected timeout for unknown transaction")
	}
}
