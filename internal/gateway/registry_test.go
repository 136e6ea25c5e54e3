package gateway

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
)

var (
	registryAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	alice        = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
)

// fakeCaller answers eth_call by decoding the selector and ABI-encoding whatever handle returns.
type fakeCaller struct {
	abi    abi.ABI
	handle func(method string, args []interface{}) ([]interface{}, error)
	calls  []string
}

func newFakeCaller(t *testing.T, abiJSON string, handle func(string, []interface{}) ([]interface{}, error)) *fakeCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		t.Fatalf("abi.JSON() error = %v", err)
	}
	return &fakeCaller{abi: parsed, handle: handle}
}

func (f *fakeCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, m.Name)
	outs, err := f.handle(m.Name, args)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(outs...)
}

func TestRegistryV2Reads(t *testing.T) {
	caller := newFakeCaller(t, registryV2ABI, func(method string, args []interface{}) ([]interface{}, error) {
		switch method {
		case "capsuleCount":
			return []interface{}{big.NewInt(3)}, nil
		case "getCapsule":
			id := args[0].(*big.Int).Uint64()
			if id >= 3 {
				return nil, errors.New("execution reverted: capsule does not exist")
			}
			return []interface{}{alice, big.NewInt(1700000000), id == 1, "Title", "Desc"}, nil
		case "getEncryptedContent":
			return []interface{}{[]byte("hello")}, nil
		}
		return nil, errors.New("unexpected method " + method)
	})
	reg, err := NewRegistry(ContractV2, registryAddr, caller, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	n, err := reg.Count(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v; want 3", n, err)
	}

	c, exists, err := reg.Capsule(context.Background(), 1)
	if err != nil || !exists {
		t.Fatalf("Capsule(1) exists=%v err=%v", exists, err)
	}
	if c.ID != 1 || c.Creator != alice.Hex() || c.UnlockTimestamp != 1700000000 || !c.IsRevealed {
		t.Errorf("Capsule(1) = %+v", c)
	}
	if c.Title != "Title" || c.Description != "Desc" {
		t.Errorf("Capsule(1) text = %q / %q", c.Title, c.Description)
	}

	if _, _, err := reg.Capsule(context.Background(), 5); err == nil {
		t.Error("Capsule(5) should fail for an out-of-range id")
	}

	data, err := reg.EncryptedContent(context.Background(), 0)
	if err != nil || string(data) != "hello" {
		t.Errorf("EncryptedContent() = %q, %v", data, err)
	}

	if _, err := reg.UserCapsuleIDs(context.Background(), alice); !errors.Is(err, ErrNoUserIndex) {
		t.Errorf("UserCapsuleIDs() error = %v, want ErrNoUserIndex", err)
	}
}

func TestRegistryV1Reads(t *testing.T) {
	var part1, part2 [32]byte
	part1[31] = 0xaa
	part2[0] = 0xbb
	caller := newFakeCaller(t, registryV1ABI, func(method string, args []interface{}) ([]interface{}, error) {
		switch method {
		case "getTotalCapsules":
			return []interface{}{big.NewInt(2)}, nil
		case "getCapsule":
			exists := args[0].(*big.Int).Uint64() == 0
			return []interface{}{part1, part2, big.NewInt(42), alice, exists}, nil
		case "getUserCapsules":
			return []interface{}{[]*big.Int{big.NewInt(0), big.NewInt(4)}}, nil
		case "canUnlock":
			return []interface{}{args[0].(*big.Int).Uint64() == 0}, nil
		}
		return nil, errors.New("unexpected method " + method)
	})
	reg, err := NewRegistry(ContractV1, registryAddr, caller, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if n, err := reg.Count(context.Background()); err != nil || n != 2 {
		t.Fatalf("Count() = %d, %v; want 2", n, err)
	}

	c, exists, err := reg.Capsule(context.Background(), 0)
	if err != nil || !exists {
		t.Fatalf("Capsule(0) exists=%v err=%v", exists, err)
	}
	if len(c.EncryptedContent) != 64 || c.EncryptedContent[31] != 0xaa || c.EncryptedContent[32] != 0xbb {
		t.Errorf("EncryptedContent = %x, want part1||part2", []byte(c.EncryptedContent))
	}
	if c.Title != "" || c.IsRevealed {
		t.Errorf("v1 capsule should have no title and never be revealed: %+v", c)
	}

	if _, exists, err := reg.Capsule(context.Background(), 1); err != nil || exists {
		t.Errorf("Capsule(1) exists=%v err=%v; want exists=false", exists, err)
	}

	ids, err := reg.UserCapsuleIDs(context.Background(), alice)
	if err != nil || len(ids) != 2 || ids[1] != 4 {
		t.Errorf("UserCapsuleIDs() = %v, %v", ids, err)
	}

	uc, ok := reg.(UnlockChecker)
	if !ok {
		t.Fatal("v1 registry does not implement UnlockChecker")
	}
	if can, err := uc.CanUnlock(context.Background(), 0); err != nil || !can {
		t.Errorf("CanUnlock(0) = %v, %v; want true", can, err)
	}
	if can, err := uc.CanUnlock(context.Background(), 3); err != nil || can {
		t.Errorf("CanUnlock(3) = %v, %v; want false", can, err)
	}

	if _, err := reg.Create(nil, "t", "d", nil, 1); !errordefs.HasCode(err, errordefs.FV_NOT_IMPLEMENTED) {
		t.Errorf("Create() error = %v, want FV_NOT_IMPLEMENTED", err)
	}
	if _, err := reg.Reveal(nil, 0); !errordefs.HasCode(err, errordefs.FV_NOT_IMPLEMENTED) {
		t.Errorf("Reveal() error = %v, want FV_NOT_IMPLEMENTED", err)
	}
}

func TestCreatedCapsuleID(t *testing.T) {
	reg, err := NewRegistry(ContractV2, registryAddr, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ := abi.JSON(strings.NewReader(registryV2ABI))

	receipt := &types.Receipt{Logs: []*types.Log{
		{Topics: []common.Hash{common.HexToHash("0x01")}},
		{Topics: []common.Hash{
			parsed.Events["CapsuleCreated"].ID,
			common.BigToHash(big.NewInt(7)),
			common.BytesToHash(alice.Bytes()),
		}},
	}}
	id, ok := reg.CreatedCapsuleID(receipt)
	if !ok || id != 7 {
		t.Errorf("CreatedCapsuleID() = %d, %v; want 7, true", id, ok)
	}

	if _, ok := reg.CreatedCapsuleID(&types.Receipt{}); ok {
		t.Error("CreatedCapsuleID() should report false without a CapsuleCreated log")
	}
}

func TestParseContractVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    ContractVersion
		wantErr bool
	}{
		{"", ContractV2, false},
		{"V1", ContractV1, false},
		{"v2", ContractV2, false},
		{"v3", "", true},
	}
	for _, tt := range tests {
		got, err := ParseContractVersion(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseContractVersion(%q) = %q, %v", tt.in, got, err)
		}
	}
}
