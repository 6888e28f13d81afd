// Package chain talks to the on-chain policy registry contract: a
// read-only view for the policy tuple, and a privileged write for
// anchoring settled spend. It is the only package that touches
// signatures or contract ABI encoding.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"aegis/pkg/models"
)

const registryABIJSON = `[
	{"name":"getPolicy","type":"function","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"},{"name":"agent","type":"address"}],
	 "outputs":[
		{"name":"dailyLimit","type":"uint256"},
		{"name":"currentSpend","type":"uint256"},
		{"name":"lastReset","type":"uint256"},
		{"name":"isActive","type":"bool"},
		{"name":"exists","type":"bool"}
	 ]},
	{"name":"recordSpend","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"user","type":"address"},
		{"name":"agent","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"txHash","type":"bytes32"}
	 ],
	 "outputs":[]}
]`

var registryABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid registry ABI: %v", err))
	}
	registryABI = parsed
}

// Client wraps an Ethereum JSON-RPC endpoint for registry reads and
// facilitator-signed registry writes.
type Client struct {
	eth        *ethclient.Client
	registry   common.Address
	facilitator *ecdsa.PrivateKey
	chainID    *big.Int
}

// Dial connects to the upstream/registry JSON-RPC endpoint. chainID may
// be nil; it is then fetched lazily on first write.
func Dial(ctx context.Context, rpcURL string, registry common.Address, facilitatorHexKey string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	var priv *ecdsa.PrivateKey
	if facilitatorHexKey != "" {
		priv, err = crypto.HexToECDSA(strings.TrimPrefix(facilitatorHexKey, "0x"))
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("chain: invalid facilitator key: %w", err)
		}
	}
	return &Client{eth: eth, registry: registry, facilitator: priv}, nil
}

func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// ErrPolicyRead is returned for any upstream view-call failure; the
// gateway must surface this as an internal (-32002) error.
var ErrPolicyRead = fmt.Errorf("chain: policy read failed")

// GetPolicy reads the raw on-chain tuple for (user, agent). The
// returned Policy carries the raw 256-bit values through uninterpreted
// — callers must not convert them to float for admission decisions.
func (c *Client) GetPolicy(ctx context.Context, user, agent string) (models.Policy, error) {
	data, err := registryABI.Pack("getPolicy", common.HexToAddress(user), common.HexToAddress(agent))
	if err != nil {
		return models.Policy{}, fmt.Errorf("%w: pack: %v", ErrPolicyRead, err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.registry, Data: data}, nil)
	if err != nil {
		return models.Policy{}, fmt.Errorf("%w: call: %v", ErrPolicyRead, err)
	}
	vals, err := registryABI.Unpack("getPolicy", out)
	if err != nil {
		return models.Policy{}, fmt.Errorf("%w: unpack: %v", ErrPolicyRead, err)
	}
	if len(vals) != 5 {
		return models.Policy{}, fmt.Errorf("%w: unexpected return arity %d", ErrPolicyRead, len(vals))
	}
	dailyLimit, ok1 := vals[0].(*big.Int)
	currentSpend, ok2 := vals[1].(*big.Int)
	lastReset, ok3 := vals[2].(*big.Int)
	isActive, ok4 := vals[3].(bool)
	exists, ok5 := vals[4].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return models.Policy{}, fmt.Errorf("%w: unexpected return types", ErrPolicyRead)
	}
	dl, overflow := uint256.FromBig(dailyLimit)
	if overflow {
		return models.Policy{}, fmt.Errorf("%w: dailyLimit overflows 256 bits", ErrPolicyRead)
	}
	cs, overflow := uint256.FromBig(currentSpend)
	if overflow {
		return models.Policy{}, fmt.Errorf("%w: currentSpend overflows 256 bits", ErrPolicyRead)
	}
	return models.Policy{
		DailyLimit:          dl,
		CurrentSpendOnChain: cs,
		LastReset:           lastReset.Uint64(),
		IsActive:            isActive,
		Exists:              exists,
	}, nil
}

// RecordSpend submits the anchoring transaction, signed by the
// facilitator key, and waits for one confirmation.
func (c *Client) RecordSpend(ctx context.Context, user, agent string, amount *uint256.Int, txHash string) (common.Hash, error) {
	if c.facilitator == nil {
		return common.Hash{}, fmt.Errorf("chain: no facilitator key configured")
	}
	data, err := registryABI.Pack("recordSpend", common.HexToAddress(user), common.HexToAddress(agent), amount.ToBig(), common.HexToHash(txHash))
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack recordSpend: %w", err)
	}
	if c.chainID == nil {
		id, err := c.eth.NetworkID(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: network id: %w", err)
		}
		c.chainID = id
	}
	from := crypto.PubkeyToAddress(c.facilitator.PublicKey)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.registry, Data: data})
	if err != nil {
		gasLimit = 200000
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.registry,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.facilitator)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send: %w", err)
	}
	receipt, err := waitMined(ctx, c.eth, signedTx.Hash())
	if err != nil {
		return signedTx.Hash(), fmt.Errorf("chain: await receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return signedTx.Hash(), fmt.Errorf("chain: recordSpend reverted")
	}
	return signedTx.Hash(), nil
}

// FacilitatorAddress returns the address the facilitator key signs
// from, for the nonce/balance observability gauges.
func (c *Client) FacilitatorAddress() (common.Address, bool) {
	if c.facilitator == nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(c.facilitator.PublicKey), true
}

// BalanceAndNonce reads the facilitator's current native balance and
// pending nonce. No caller in this repository publishes it as a gauge.
func (c *Client) BalanceAndNonce(ctx context.Context) (*big.Int, uint64, error) {
	addr, ok := c.FacilitatorAddress()
	if !ok {
		return nil, 0, fmt.Errorf("chain: no facilitator key configured")
	}
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, 0, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	return bal, nonce, nil
}

func waitMined(ctx context.Context, eth *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
