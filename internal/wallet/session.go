// Package wallet provides the signing session injected into the gateway and the reveal workflow.
// It stands in for the browser wallet: every component receives a Session explicitly.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
)

// Session is a connected wallet.
type Session interface {
	// Address is the account the session signs for.
	Address() common.Address
	// ChainID is the chain the session signs transactions for.
	ChainID() uint64
	// SignMessage produces an EIP-191 personal signature over msg.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	// TransactOpts returns options for a state-changing contract call.
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// Unavailable is returned when an operation needs a wallet and none is configured.
func Unavailable() *errordefs.Error {
	return errordefs.New(errordefs.FV_WALLET_UNAVAILABLE, "wallet not available: no signing key configured", "")
}

// KeySession signs with a local secp256k1 private key.
type KeySession struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID uint64
}

// NewKeySession parses a hex private key (with or without 0x prefix).
func NewKeySession(hexKey string, chainID uint64) (*KeySession, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, Unavailable()
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errordefs.New(errordefs.FV_VALIDATION, fmt.Sprintf("invalid wallet key: %v", err), "")
	}
	return &KeySession{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

func (s *KeySession) Address() common.Address { return s.address }

func (s *KeySession) ChainID() uint64 { return s.chainID }

func (s *KeySession) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (s *KeySession) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, new(big.Int).SetUint64(s.chainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// RecoverAddress returns the account that produced a SignMessage signature over msg.
func RecoverAddress(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
