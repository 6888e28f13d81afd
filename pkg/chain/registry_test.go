package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestRegistryABIPacksAndUnpacksGetPolicy(t *testing.T) {
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	agent := common.HexToAddress("0x2222222222222222222222222222222222222222")

	packed, err := registryABI.Pack("getPolicy", user, agent)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(packed) < 4 {
		t.Fatal("expected a non-empty call with a 4-byte selector")
	}

	returned, err := registryABI.Methods["getPolicy"].Outputs.Pack(
		big.NewInt(1_000_000), big.NewInt(250_000), big.NewInt(1_700_000_000), true, true,
	)
	if err != nil {
		t.Fatalf("pack return values: %v", err)
	}
	vals, err := registryABI.Unpack("getPolicy", returned)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(vals) != 5 {
		t.Fatalf("expected 5 return values, got %d", len(vals))
	}
	dailyLimit, ok := vals[0].(*big.Int)
	if !ok || dailyLimit.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected dailyLimit: %v", vals[0])
	}
	isActive, ok := vals[3].(bool)
	if !ok || !isActive {
		t.Fatalf("unexpected isActive: %v", vals[3])
	}
}

func TestRegistryABIPacksRecordSpend(t *testing.T) {
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	agent := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(500)
	txHash := common.HexToHash("0xabc")

	packed, err := registryABI.Pack("recordSpend", user, agent, amount, txHash)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(packed) != 4+32*4 {
		t.Fatalf("unexpected packed length %d", len(packed))
	}
}

func TestDialRejectsInvalidFacilitatorKey(t *testing.T) {
	_, err := Dial(context.Background(), "http://127.0.0.1:0", common.Address{}, "not-a-valid-hex-key")
	if err == nil {
		t.Fatal("expected an invalid facilitator key to be rejected before any network call")
	}
}

func TestFacilitatorAddressRequiresKey(t *testing.T) {
	c := &Client{}
	if _, ok := c.FacilitatorAddress(); ok {
		t.Fatal("expected no facilitator address without a configured key")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	c.facilitator = key
	addr, ok := c.FacilitatorAddress()
	if !ok {
		t.Fatal("expected an address once a facilitator key is set")
	}
	if addr != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("unexpected derived address")
	}
}

func TestRecordSpendRequiresFacilitatorKey(t *testing.T) {
	c := &Client{}
	_, err := c.RecordSpend(context.Background(), "0xuser", "0xagent", nil, "0xhash")
	if err == nil {
		t.Fatal("expected RecordSpend without a facilitator key to error")
	}
}

func TestCloseIsNilSafe(t *testing.T) {
	var c *Client
	c.Close() // must not panic
}
