package fhe

import (
	"context"
	"log/slog"
	"sync"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/network"
)

// Opener creates a decryption instance for a chain.
type Opener interface {
	Open(ctx context.Context, chainID uint64) (*Instance, error)
}

// Manager owns the single live decryption instance.
type Manager struct {
	opener Opener

	mu      sync.RWMutex
	inst    *Instance
	chainID uint64
}

// NewManager creates a manager that opens instances through opener.
func NewManager(opener Opener) *Manager {
	return &Manager{opener: opener}
}

// Init opens an instance for chainID. Unsupported chains are rejected before the relayer is
// contacted. Switching chains discards the previous instance.
func (m *Manager) Init(ctx context.Context, chainID uint64) error {
	if !network.IsSupported(chainID) {
		return network.UnsupportedNetwork(chainID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst != nil && m.chainID == chainID {
		return nil
	}
	if m.inst != nil {
		slog.Info("chain changed, discarding decryption instance", "old_chain_id", m.chainID, "new_chain_id", chainID)
		m.inst = nil
		m.chainID = 0
	}

	inst, err := m.opener.Open(ctx, chainID)
	if err != nil {
		return err
	}
	m.inst = inst
	m.chainID = chainID
	return nil
}

// Instance returns the live instance or DecryptionInstanceNotReady.
func (m *Manager) Instance() (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.inst == nil {
		return nil, errordefs.New(errordefs.FV_INSTANCE_NOT_READY, "decryption instance not ready", "")
	}
	return m.inst, nil
}

// Ready reports whether an instance is available.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inst != nil
}

// Reset discards the current instance.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.inst = nil
	m.chainID = 0
	m.mu.Unlock()
}
