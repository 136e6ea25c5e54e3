// Package network resolves registry contract addresses for the chains the vault supports.
package network

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
)

const (
	// LocalChainID is the Hardhat development chain.
	LocalChainID uint64 = 31337
	// SepoliaChainID is the public test chain.
	SepoliaChainID uint64 = 11155111
)

type chain struct {
	name    string
	address common.Address
	rpcURL  string
}

var chains = map[uint64]chain{
	LocalChainID: {
		name:    "Hardhat Local",
		address: common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		rpcURL:  "http://127.0.0.1:8545",
	},
	SepoliaChainID: {
		name:    "Sepolia",
		address: common.Address{}, // not deployed yet; set FV_CONTRACT_ADDRESS
		rpcURL:  "https://rpc.sepolia.org",
	},
}

// UnsupportedNetwork builds the error returned for chains outside the supported set.
func UnsupportedNetwork(chainID uint64) *errordefs.Error {
	return errordefs.New(errordefs.FV_UNSUPPORTED_NETWORK,
		fmt.Sprintf("Unsupported network (%d). Please switch to local network (%d) or Sepolia (%d).",
			chainID, LocalChainID, SepoliaChainID), "")
}

// CheckNodeChain reports an error when the RPC node serves a chain other than the
// configured one. A node on another supported chain is a mismatch, not an unsupported network.
func CheckNodeChain(node *big.Int, configured uint64) error {
	if node == nil {
		return fmt.Errorf("node reported no chain id, configured chain is %d", configured)
	}
	if !node.IsUint64() || node.Uint64() != configured {
		return fmt.Errorf("chain id mismatch: node serves chain %s, configured chain is %d (%s)",
			node.String(), configured, Name(configured))
	}
	return nil
}

// IsSupported reports whether chainID is one of the supported chains.
func IsSupported(chainID uint64) bool {
	_, ok := chains[chainID]
	return ok
}

// SupportedChains returns the supported chain ids in ascending order.
func SupportedChains() []uint64 {
	ids := make([]uint64, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Name returns a human readable name for chainID, or "" when unsupported.
func Name(chainID uint64) string {
	return chains[chainID].name
}

// DefaultRPCURL returns the well-known RPC endpoint for chainID.
func DefaultRPCURL(chainID uint64) string {
	return chains[chainID].rpcURL
}

// Resolve returns the registry address deployed on chainID. An override, when non-empty,
// replaces the static address but never widens the supported set.
func Resolve(chainID uint64, override string) (common.Address, error) {
	c, ok := chains[chainID]
	if !ok {
		return common.Address{}, UnsupportedNetwork(chainID)
	}
	if override != "" {
		if !common.IsHexAddress(override) {
			return common.Address{}, errordefs.New(errordefs.FV_VALIDATION,
				fmt.Sprintf("invalid contract address %q", override), "")
		}
		return common.HexToAddress(override), nil
	}
	if c.address == (common.Address{}) {
		return common.Address{}, errordefs.New(errordefs.FV_VALIDATION,
			fmt.Sprintf("no registry deployed on %s; configure a contract address", c.name), "")
	}
	return c.address, nil
}
