// internal/model/vault.go
// Package model defines the data structures used throughout the vault service.
// These structures represent capsules, the statistics derived from them, and drafts.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Capsule is the canonical capsule record exposed past the gateway boundary.
// Both historical contract layouts are adapted into this shape.
type Capsule struct {
	ID               uint64        `json:"id"`                         // Sequential registry index
	Creator          string        `json:"creator"`                    // Checksummed creator address
	Title            string        `json:"title"`                      // Public title
	Description      string        `json:"description"`                // Public description
	UnlockTimestamp  int64         `json:"unlockTimestamp"`            // Unix seconds, immutable
	EncryptedContent hexutil.Bytes `json:"encryptedContent,omitempty"` // Opaque ciphertext
	IsRevealed       bool          `json:"isRevealed"`                 // Set by an explicit reveal transaction
	IsLocked         bool          `json:"isLocked"`                   // Derived from the clock on every read
}

// LockedAt reports whether the capsule is still locked at now.
func (c Capsule) LockedAt(now time.Time) bool {
	return c.UnlockTimestamp > now.Unix()
}

// ActivityType tags an entry in the recent activity feed.
type ActivityType string

const (
	ActivityCreated  ActivityType = "created"
	ActivityUnlocked ActivityType = "unlocked"
)

// ActivityItem is one entry of the recent activity feed.
type ActivityItem struct {
	ID        uint64       `json:"id"`
	Type      ActivityType `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Creator   string       `json:"creator"`
}

// TimelineItem is a per-day bucket of capsule unlocks.
type TimelineItem struct {
	Date     string `json:"date"`
	Count    int    `json:"count"`
	Locked   int    `json:"locked"`
	Unlocked int    `json:"unlocked"`
}

// CapsuleStats is a point-in-time projection over the full capsule set. It is never persisted.
type CapsuleStats struct {
	Total                 int            `json:"total"`
	Locked                int            `json:"locked"`
	Unlocked              int            `json:"unlocked"`
	UserTotal             int            `json:"userTotal"`
	UserLocked            int            `json:"userLocked"`
	UserUnlocked          int            `json:"userUnlocked"`
	AverageLockDuration   float64        `json:"averageLockDuration"`
	CapsulesUnlockingSoon int            `json:"capsulesUnlockingSoon"`
	RecentActivity        []ActivityItem `json:"recentActivity"`
	UnlockTimeline        []TimelineItem `json:"unlockTimeline"`
}

// EmptyStats returns the zero-valued stats object used when a fetch fails.
func EmptyStats() CapsuleStats {
	return CapsuleStats{
		RecentActivity: []ActivityItem{},
		UnlockTimeline: []TimelineItem{},
	}
}

// Draft is an unsent capsule persisted for its owner.
type Draft struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Content         string    `json:"content"`
	UnlockTimestamp int64     `json:"unlockTimestamp"`
	SavedAt         time.Time `json:"savedAt"`
}

// CreateCapsuleRequest represents the request body for creating a capsule.
type CreateCapsuleRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Content         string `json:"content"`
	UnlockTimestamp int64  `json:"unlockTimestamp"`
	Encrypt         bool   `json:"encrypt,omitempty"`        // Encrypt content through the FHE relayer first
	IdempotencyKey  string `json:"idempotencyKey,omitempty"` // Key for idempotent submissions
}

// TxResult describes a mined registry transaction.
type TxResult struct {
	TxHash      string  `json:"txHash"`
	BlockNumber uint64  `json:"blockNumber"`
	CapsuleID   *uint64 `json:"capsuleId,omitempty"` // Set when a CapsuleCreated log was found
}

// DecryptResult is the outcome of a reveal workflow run.
type DecryptResult struct {
	CapsuleID uint64 `json:"capsuleId"`
	State     string `json:"state"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NetworkInfo describes the chain the service is bound to.
type NetworkInfo struct {
	ChainID         uint64   `json:"chainId"`
	Name            string   `json:"name"`
	ContractAddress string   `json:"contractAddress"`
	ContractVersion string   `json:"contractVersion"`
	Wallet          string   `json:"wallet,omitempty"`
	SupportedChains []uint64 `json:"supportedChains"`
}

// ArchiveResult describes an uploaded export archive.
type ArchiveResult struct {
	Key         string    `json:"key"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Count       int       `json:"count"`
}
