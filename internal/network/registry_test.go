package network

import (
	"math/big"
	"strings"
	"testing"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
)

func TestResolveLocal(t *testing.T) {
	addr, err := Resolve(LocalChainID, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if addr.Hex() != "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512" {
		t.Errorf("Resolve() = %s", addr.Hex())
	}
}

func TestResolveUnsupported(t *testing.T) {
	_, err := Resolve(1, "")
	if !errordefs.HasCode(err, errordefs.FV_UNSUPPORTED_NETWORK) {
		t.Fatalf("Resolve(1) error = %v, want FV_UNSUPPORTED_NETWORK", err)
	}
	// an override never widens the supported set
	_, err = Resolve(1, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	if !errordefs.HasCode(err, errordefs.FV_UNSUPPORTED_NETWORK) {
		t.Fatalf("Resolve(1, override) error = %v, want FV_UNSUPPORTED_NETWORK", err)
	}
}

func TestResolveSepoliaNeedsOverride(t *testing.T) {
	if _, err := Resolve(SepoliaChainID, ""); !errordefs.HasCode(err, errordefs.FV_VALIDATION) {
		t.Errorf("Resolve(sepolia) error = %v, want FV_VALIDATION", err)
	}
	addr, err := Resolve(SepoliaChainID, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	if err != nil {
		t.Fatalf("Resolve(sepolia, override) error = %v", err)
	}
	if addr.Hex() != "0x5FbDB2315678afecb367f032d93F642f64180aa3" {
		t.Errorf("Resolve(sepolia, override) = %s", addr.Hex())
	}
	if _, err := Resolve(SepoliaChainID, "not-an-address"); err == nil {
		t.Error("expected an error for a malformed override")
	}
}

func TestSupportedChains(t *testing.T) {
	got := SupportedChains()
	if len(got) != 2 || got[0] != LocalChainID || got[1] != SepoliaChainID {
		t.Errorf("SupportedChains() = %v", got)
	}
	if IsSupported(1) {
		t.Error("chain 1 must not be supported")
	}
	if Name(LocalChainID) != "Hardhat Local" {
		t.Errorf("Name() = %q", Name(LocalChainID))
	}
}

func TestCheckNodeChain(t *testing.T) {
	if err := CheckNodeChain(big.NewInt(31337), LocalChainID); err != nil {
		t.Errorf("CheckNodeChain(match) error = %v", err)
	}

	err := CheckNodeChain(new(big.Int).SetUint64(SepoliaChainID), LocalChainID)
	if err == nil {
		t.Fatal("CheckNodeChain(sepolia node, local config) = nil, want mismatch")
	}
	if errordefs.HasCode(err, errordefs.FV_UNSUPPORTED_NETWORK) {
		t.Errorf("a supported but different chain reported as unsupported: %v", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "11155111") || !strings.Contains(msg, "31337") {
		t.Errorf("mismatch error %q should name both chain ids", msg)
	}

	if err := CheckNodeChain(nil, LocalChainID); err == nil {
		t.Error("CheckNodeChain(nil) = nil, want error")
	}
}
