// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/futurevault/futurevault-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a row is not found
	ErrConflict = errors.New("conflict")  // Returned when an idempotency key is reused with a different request
)

// Store interface defines the storage operations required by the vault service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Draft operations, one draft per owner address
	SaveDraft(ctx context.Context, owner string, draft model.Draft) error
	GetDraft(ctx context.Context, owner string) (*model.Draft, error)
	DeleteDraft(ctx context.Context, owner string) error

	// Idempotency operations
	StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error
	GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error
	Close()
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	RequestHash  string    // Hash of the request payload that produced the response
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu          sync.RWMutex                   // Protects concurrent access to maps
	drafts      map[string][]byte              // Map of owner to encoded draft envelope
	idempotency map[string]*IdempotentResponse // Map of key hash to idempotent responses
	now         func() time.Time
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		drafts:      make(map[string][]byte),
		idempotency: make(map[string]*IdempotentResponse),
		now:         time.Now,
	}
}

func (m *memory) SaveDraft(ctx context.Context, owner string, draft model.Draft) error {
	if draft.SavedAt.IsZero() {
		draft.SavedAt = m.now().UTC()
	}
	raw, err := EncodeDraft(draft)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[ownerKey(owner)] = raw
	return nil
}

func (m *memory) GetDraft(ctx context.Context, owner string) (*model.Draft, error) {
	m.mu.RLock()
	raw, exists := m.drafts[ownerKey(owner)]
	m.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}
	return DecodeDraft(raw)
}

func (m *memory) DeleteDraft(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, ownerKey(owner))
	return nil
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.idempotency[keyHash]; ok && existing.RequestHash != requestHash && m.now().Before(existing.ExpiresAt) {
		return ErrConflict
	}

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		RequestHash:  requestHash,
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, ErrNotFound
	}

	// Check if the response has expired
	if m.now().After(response.ExpiresAt) {
		delete(m.idempotency, keyHash)
		return nil, ErrNotFound
	}

	out := *response
	out.ResponseBody = make([]byte, len(response.ResponseBody))
	copy(out.ResponseBody, response.ResponseBody)
	return &out, nil
}

func (m *memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *memory) Close() {}
