package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	simpleContractABI = "[]"
	simpleContractBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"
)

func newSimulated(t *testing.T) (*Client, *bind.TransactOpts) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	auth.GasLimit = 1_000_000

	alloc := core.GenesisAlloc{
		auth.From: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)
	return client, auth
}

func TestClientDeployAndWaitMined(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, auth := newSimulated(t)

	deployResult, err := client.DeployContract(ctx, auth, simpleContractABI, common.FromHex(simpleContractBin))
	if err != nil {
		t.Fatalf("deploy contract: %v", err)
	}
	if deployResult.ContractAddress == (common.Address{}) {
		t.Fatal("expected contract address to be non-zero")
	}

	receipt, err := client.WaitMined(ctx, deployResult.Transaction)
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.ContractAddress != deployResult.ContractAddress {
		t.Fatalf("receipt address %s != %s", receipt.ContractAddress.Hex(), deployResult.ContractAddress.Hex())
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after deployment")
	}
}

func TestDeployContractValidatesInput(t *testing.T) {
	t.Parallel()

	client, auth := newSimulated(t)
	ctx := context.Background()

	if _, err := client.DeployContract(ctx, nil, simpleContractABI, []byte{0x1}); err == nil {
		t.Fatal("expected error without signer")
	}
	if _, err := client.DeployContract(ctx, auth, simpleContractABI, nil); err == nil {
		t.Fatal("expected error for empty bytecode")
	}
	if _, err := client.DeployContract(ctx, auth, "{not json", []byte{0x1}); err == nil {
		t.Fatal("expected error for invalid abi")
	}
	if _, err := client.WaitMined(ctx, nil); err == nil {
		t.Fatal("expected error for nil transaction")
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without rpc url")
	}
	client, err := NewClient(context.Background(), Config{Name: "local", RPCURL: "http://127.0.0.1:8545", ChainID: 31337})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()
	id, err := client.ChainID(context.Background())
	if err != nil || id.Int64() != 31337 {
		t.Fatalf("configured chain id should be used without RPC, got %v %v", id, err)
	}
}
