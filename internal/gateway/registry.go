package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/model"
)

// ContractVersion selects the registry contract layout.
type ContractVersion string

const (
	ContractV1 ContractVersion = "v1"
	ContractV2 ContractVersion = "v2"
)

// ParseContractVersion accepts "v1" or "v2" (case-insensitive).
func ParseContractVersion(s string) (ContractVersion, error) {
	switch ContractVersion(strings.ToLower(strings.TrimSpace(s))) {
	case ContractV1:
		return ContractV1, nil
	case ContractV2, "":
		return ContractV2, nil
	}
	return "", fmt.Errorf("unknown contract version %q", s)
}

// ErrNoUserIndex is returned by registries that keep no per-creator index.
var ErrNoUserIndex = errors.New("registry has no per-creator index")

// Registry adapts one contract layout to the canonical capsule shape.
type Registry interface {
	Version() ContractVersion
	Count(ctx context.Context) (uint64, error)
	// Capsule returns exists=false for ids the contract reports as missing.
	Capsule(ctx context.Context, id uint64) (capsule model.Capsule, exists bool, err error)
	EncryptedContent(ctx context.Context, id uint64) ([]byte, error)
	UserCapsuleIDs(ctx context.Context, owner common.Address) ([]uint64, error)
	Create(opts *bind.TransactOpts, title, description string, content []byte, unlockTimestamp int64) (*types.Transaction, error)
	Reveal(opts *bind.TransactOpts, id uint64) (*types.Transaction, error)
	// CreatedCapsuleID extracts the new capsule id from a mined create receipt.
	CreatedCapsuleID(receipt *types.Receipt) (uint64, bool)
}

// UnlockChecker is implemented by registries whose contract reports unlockability itself.
type UnlockChecker interface {
	CanUnlock(ctx context.Context, id uint64) (bool, error)
}

// NewRegistry binds the contract at address. transactor may be nil for read-only use.
func NewRegistry(version ContractVersion, address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor) (Registry, error) {
	switch version {
	case ContractV1:
		parsed, err := abi.JSON(strings.NewReader(registryV1ABI))
		if err != nil {
			return nil, fmt.Errorf("parse v1 abi: %w", err)
		}
		return &registryV1{
			abi:   parsed,
			bound: bind.NewBoundContract(address, parsed, caller, transactor, nil),
		}, nil
	case ContractV2, "":
		parsed, err := abi.JSON(strings.NewReader(registryV2ABI))
		if err != nil {
			return nil, fmt.Errorf("parse v2 abi: %w", err)
		}
		return &registryV2{
			abi:   parsed,
			bound: bind.NewBoundContract(address, parsed, caller, transactor, nil),
		}, nil
	}
	return nil, fmt.Errorf("unknown contract version %q", version)
}

func call(ctx context.Context, bound *bind.BoundContract, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func bigToInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}

type registryV2 struct {
	abi   abi.ABI
	bound *bind.BoundContract
}

func (r *registryV2) Version() ContractVersion { return ContractV2 }

func (r *registryV2) Count(ctx context.Context) (uint64, error) {
	out, err := call(ctx, r.bound, "capsuleCount")
	if err != nil {
		return 0, err
	}
	n := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return n.Uint64(), nil
}

func (r *registryV2) Capsule(ctx context.Context, id uint64) (model.Capsule, bool, error) {
	out, err := call(ctx, r.bound, "getCapsule", new(big.Int).SetUint64(id))
	if err != nil {
		return model.Capsule{}, false, err
	}
	creator := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	unlock := *abi.ConvertType(out[1], new(*big.Int)).(**big.Int)
	return model.Capsule{
		ID:              id,
		Creator:         creator.Hex(),
		UnlockTimestamp: bigToInt64(unlock),
		IsRevealed:      *abi.ConvertType(out[2], new(bool)).(*bool),
		Title:           *abi.ConvertType(out[3], new(string)).(*string),
		Description:     *abi.ConvertType(out[4], new(string)).(*string),
	}, true, nil
}

func (r *registryV2) EncryptedContent(ctx context.Context, id uint64) ([]byte, error) {
	out, err := call(ctx, r.bound, "getEncryptedContent", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]byte)).(*[]byte), nil
}

func (r *registryV2) UserCapsuleIDs(context.Context, common.Address) ([]uint64, error) {
	return nil, ErrNoUserIndex
}

func (r *registryV2) Create(opts *bind.TransactOpts, title, description string, content []byte, unlockTimestamp int64) (*types.Transaction, error) {
	return r.bound.Transact(opts, "createCapsule", title, description, content, big.NewInt(unlockTimestamp))
}

func (r *registryV2) Reveal(opts *bind.TransactOpts, id uint64) (*types.Transaction, error) {
	return r.bound.Transact(opts, "revealCapsule", new(big.Int).SetUint64(id))
}

func (r *registryV2) CreatedCapsuleID(receipt *types.Receipt) (uint64, bool) {
	if receipt == nil {
		return 0, false
	}
	topic := r.abi.Events["CapsuleCreated"].ID
	for _, l := range receipt.Logs {
		if len(l.Topics) >= 2 && l.Topics[0] == topic {
			return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), true
		}
	}
	return 0, false
}

// registryV1 reads the earlier layout. It predates createCapsule/revealCapsule.
type registryV1 struct {
	abi   abi.ABI
	bound *bind.BoundContract
}

func (r *registryV1) Version() ContractVersion { return ContractV1 }

func (r *registryV1) Count(ctx context.Context) (uint64, error) {
	out, err := call(ctx, r.bound, "getTotalCapsules")
	if err != nil {
		return 0, err
	}
	n := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return n.Uint64(), nil
}

func (r *registryV1) Capsule(ctx context.Context, id uint64) (model.Capsule, bool, error) {
	out, err := call(ctx, r.bound, "getCapsule", new(big.Int).SetUint64(id))
	if err != nil {
		return model.Capsule{}, false, err
	}
	part1 := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	part2 := *abi.ConvertType(out[1], new([32]byte)).(*[32]byte)
	unlock := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	creator := *abi.ConvertType(out[3], new(common.Address)).(*common.Address)
	exists := *abi.ConvertType(out[4], new(bool)).(*bool)
	if !exists {
		return model.Capsule{}, false, nil
	}
	content := make([]byte, 0, 64)
	content = append(content, part1[:]...)
	content = append(content, part2[:]...)
	return model.Capsule{
		ID:               id,
		Creator:          creator.Hex(),
		UnlockTimestamp:  bigToInt64(unlock),
		EncryptedContent: content,
	}, true, nil
}

// CanUnlock asks the contract whether capsule id has reached its unlock time.
func (r *registryV1) CanUnlock(ctx context.Context, id uint64) (bool, error) {
	out, err := call(ctx, r.bound, "canUnlock", new(big.Int).SetUint64(id))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (r *registryV1) EncryptedContent(ctx context.Context, id uint64) ([]byte, error) {
	c, exists, err := r.Capsule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("capsule %d does not exist", id)
	}
	return c.EncryptedContent, nil
}

func (r *registryV1) UserCapsuleIDs(ctx context.Context, owner common.Address) ([]uint64, error) {
	out, err := call(ctx, r.bound, "getUserCapsules", owner)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

func (r *registryV1) Create(*bind.TransactOpts, string, string, []byte, int64) (*types.Transaction, error) {
	return nil, errordefs.New(errordefs.FV_NOT_IMPLEMENTED, "capsule creation is not supported by the v1 registry", "")
}

func (r *registryV1) Reveal(*bind.TransactOpts, uint64) (*types.Transaction, error) {
	return nil, errordefs.New(errordefs.FV_NOT_IMPLEMENTED, "capsule reveal is not supported by the v1 registry", "")
}

func (r *registryV1) CreatedCapsuleID(*types.Receipt) (uint64, bool) { return 0, false }
