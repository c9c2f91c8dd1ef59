// Package chains names the EVM chains a wallet may report.
package chains

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Blockchain struct {
	ID    uint64
	IDHex string
	Name  string
}

var (
	Array = []*Blockchain{
		{ID: 1, Name: "eth"},
		{ID: 5, Name: "goerli"},
		{ID: 11155111, Name: "sepolia"},
		{ID: 10, Name: "optimism"},
		{ID: 25, Name: "cronos"},
		{ID: 56, Name: "bsc"},
		{ID: 97, Name: "bsc testnet"},
		{ID: 137, Name: "polygon"},
		{ID: 80001, Name: "mumbai"},
		{ID: 250, Name: "fantom"},
		{ID: 8453, Name: "base"},
		{ID: 42161, Name: "arbitrum"},
		{ID: 43114, Name: "avalanche"},
		{ID: 43113, Name: "avalanche testnet"},
	}

	Mapping = make(map[uint64]*Blockchain, len(Array))
)

// nolint:gochecknoinits
func init() {
	for _, c := range Array {
		c.IDHex = hexutil.EncodeUint64(c.ID)
		Mapping[c.ID] = c
	}
}

// Name returns the chain name, the decimal id for unknown chains and "" for 0.
func Name(id uint64) string {
	if id == 0 {
		return ""
	}
	if c, ok := Mapping[id]; ok {
		return c.Name
	}
	return strconv.FormatUint(id, 10)
}
