// Package txdecode extracts the {from, to, value} triple the policy
// pipeline needs, from either a structured send-transaction call or a
// raw signed envelope.
package txdecode

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"aegis/pkg/bigutil"
	"aegis/pkg/models"
)

// Extracted holds the fields the gateway needs from one transaction,
// regardless of which shape it arrived in.
type Extracted struct {
	From      string
	To        string
	ValueWei  *uint256.Int
	TxHashHex string // only populated when a raw envelope carried its own hash
}

var ErrMalformed = errors.New("transaction parse failure")

// structuredTx is the JSON shape of a send-transaction call's params:
// [{from,to,value,...}].
type structuredTx struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
}

// FromStructuredParams decodes a send-transaction call's params array.
// The value field must be a hex string, never a JSON number — a caller
// that sends {"value": 1e18} would otherwise silently narrow a 256-bit
// amount through a float64 on the way in.
func FromStructuredParams(params json.RawMessage) (Extracted, error) {
	if err := models.ValidateNoJSONNumbers(params); err != nil {
		return Extracted{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var args []structuredTx
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return Extracted{}, fmt.Errorf("%w: decode structured params: %v", ErrMalformed, err)
	}
	tx := args[0]
	value, err := bigutil.ParseHexU256(tx.Value)
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: value: %v", ErrMalformed, err)
	}
	return Extracted{From: strings.ToLower(tx.From), To: strings.ToLower(tx.To), ValueWei: value}, nil
}

// rawHexFromParams reads a send-raw-transaction call's params, of the
// JSON shape ["0x<signed envelope>"], and returns the first element.
func rawHexFromParams(params json.RawMessage) (string, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return "", fmt.Errorf("%w: decode raw params: %v", ErrMalformed, err)
	}
	return args[0], nil
}

// FromRawParams decodes a send-raw-transaction call's signed envelope
// using go-ethereum's binary transaction unmarshaling (handles both
// legacy and EIP-2718 typed transactions), then recovers the sender.
func FromRawParams(params json.RawMessage) (Extracted, error) {
	rawHex, err := rawHexFromParams(params)
	if err != nil {
		return Extracted{}, err
	}
	rawHex = strings.TrimPrefix(rawHex, "0x")
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: decode envelope hex: %v", ErrMalformed, err)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return Extracted{}, fmt.Errorf("%w: unmarshal envelope: %v", ErrMalformed, err)
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, &tx)
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: recover sender: %v", ErrMalformed, err)
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return Extracted{}, fmt.Errorf("%w: value overflows 256 bits", ErrMalformed)
	}
	to := ""
	if tx.To() != nil {
		to = strings.ToLower(tx.To().Hex())
	}
	return Extracted{
		From:      strings.ToLower(from.Hex()),
		To:        to,
		ValueWei:  value,
		TxHashHex: strings.ToLower(tx.Hash().Hex()),
	}, nil
}
