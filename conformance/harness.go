// Package conformance provides a test harness for verifying vault API compliance.
// It runs the real gateway, reveal workflow and stats service against an in-memory chain.
package conformance

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/futurevault/futurevault-go/internal/event"
	"github.com/futurevault/futurevault-go/internal/export"
	"github.com/futurevault/futurevault-go/internal/gateway"
	"github.com/futurevault/futurevault-go/internal/jwks"
	"github.com/futurevault/futurevault-go/internal/metrics"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/network"
	"github.com/futurevault/futurevault-go/internal/reveal"
	"github.com/futurevault/futurevault-go/internal/schema"
	"github.com/futurevault/futurevault-go/internal/server"
	"github.com/futurevault/futurevault-go/internal/stats"
	"github.com/futurevault/futurevault-go/internal/storage"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

// Harness serves the vault API over an in-memory chain.
type Harness struct {
	server  *httptest.Server
	store   storage.Store
	pub     event.Publisher
	jwks    *jwks.Client
	session *wallet.KeySession
	clock   *Clock
	ledger  *Ledger
	cfg     Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// WalletKey is the hex private key of the connected wallet
	WalletKey string

	// ChainID selects the network; it must be supported
	ChainID uint64

	// Start is the initial harness clock
	Start time.Time

	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// NATSURL publishes events to NATS when set; empty uses the no-op publisher
	NATSURL string
}

// Clock is a settable time source shared by every component of the harness.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current harness time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Ledger is an in-memory capsule registry. Transactions are applied at submission and
// mined immediately with a successful receipt.
type Ledger struct {
	mu       sync.Mutex
	clock    *Clock
	capsules []model.Capsule
	created  map[common.Hash]uint64
	nonce    uint64
	block    uint64
}

// NewLedger creates an empty ledger.
func NewLedger(clock *Clock) *Ledger {
	return &Ledger{clock: clock, created: make(map[common.Hash]uint64)}
}

func (l *Ledger) Version() gateway.ContractVersion { return gateway.ContractV2 }

func (l *Ledger) Count(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.capsules)), nil
}

func (l *Ledger) Capsule(_ context.Context, id uint64) (model.Capsule, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id >= uint64(len(l.capsules)) {
		return model.Capsule{}, false, nil
	}
	return l.capsules[id], true, nil
}

func (l *Ledger) EncryptedContent(_ context.Context, id uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id >= uint64(len(l.capsules)) {
		return nil, fmt.Errorf("execution reverted: capsule %d does not exist", id)
	}
	return l.capsules[id].EncryptedContent, nil
}

func (l *Ledger) UserCapsuleIDs(context.Context, common.Address) ([]uint64, error) {
	return nil, gateway.ErrNoUserIndex
}

func (l *Ledger) Create(opts *bind.TransactOpts, title, description string, content []byte, unlockTimestamp int64) (*types.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if unlockTimestamp <= l.clock.Now().Unix() {
		return nil, fmt.Errorf("execution reverted: unlock time must be in the future")
	}
	id := uint64(len(l.capsules))
	l.capsules = append(l.capsules, model.Capsule{
		ID:               id,
		Creator:          opts.From.Hex(),
		Title:            title,
		Description:      description,
		UnlockTimestamp:  unlockTimestamp,
		EncryptedContent: append([]byte(nil), content...),
	})
	tx := l.nextTx()
	l.created[tx.Hash()] = id
	return tx, nil
}

func (l *Ledger) Reveal(_ *bind.TransactOpts, id uint64) (*types.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id >= uint64(len(l.capsules)) {
		return nil, fmt.Errorf("execution reverted: capsule %d does not exist", id)
	}
	if l.capsules[id].UnlockTimestamp > l.clock.Now().Unix() {
		return nil, fmt.Errorf("execution reverted: capsule is still locked")
	}
	l.capsules[id].IsRevealed = true
	return l.nextTx(), nil
}

func (l *Ledger) CreatedCapsuleID(r *types.Receipt) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.created[r.TxHash]
	return id, ok
}

// WaitMined returns a successful receipt in the next block.
func (l *Ledger) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block++
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(l.block),
	}, nil
}

func (l *Ledger) nextTx() *types.Transaction {
	l.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: l.nonce, Gas: 21000, GasPrice: big.NewInt(1)})
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.ChainID == 0 {
		cfg.ChainID = network.LocalChainID
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC().Truncate(time.Second)
	}
	contract, err := network.Resolve(cfg.ChainID, "")
	if err != nil {
		return nil, err
	}
	session, err := wallet.NewKeySession(cfg.WalletKey, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet: %w", err)
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	clock := NewClock(cfg.Start)
	ledger := NewLedger(clock)
	m := metrics.NewMetrics()
	gw := gateway.New(ledger, gateway.Options{
		Session:          session,
		Miner:            ledger,
		FetchConcurrency: 4,
		Now:              clock.Now,
		Metrics:          m,
	})

	store := storage.NewMemory()
	pub := event.NewPublisher(cfg.NATSURL)
	jwksClient := jwks.NewTestClient()

	mux := server.NewMux(server.Deps{
		Gateway: gw,
		Stats:   stats.NewService(gw, stats.Options{}, clock.Now, nil),
		Workflow: reveal.NewWorkflow(gw, reveal.SimulatedDecrypter{}, reveal.Options{
			Contract: contract,
			ChainID:  cfg.ChainID,
			Now:      clock.Now,
			Metrics:  m,
		}),
		Pacer:       reveal.Instant{},
		Codec:       export.NewCodec(validator),
		Validator:   validator,
		Store:       store,
		Publisher:   pub,
		Metrics:     m,
		JWKS:        jwksClient,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,

		ChainID:         cfg.ChainID,
		ContractAddress: contract,
	})

	return &Harness{
		server:  httptest.NewServer(mux),
		store:   store,
		pub:     pub,
		jwks:    jwksClient,
		session: session,
		clock:   clock,
		ledger:  ledger,
		cfg:     cfg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Clock returns the harness clock.
func (h *Harness) Clock() *Clock {
	return h.clock
}

// Wallet returns the address of the connected wallet.
func (h *Harness) Wallet() common.Address {
	return h.session.Address()
}

// Token issues a bearer token for subject.
func (h *Harness) Token(subject string) (string, error) {
	return h.jwks.Sign(subject, h.cfg.JWTIssuer, h.cfg.JWTAudience, time.Hour)
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	_ = h.pub.Close()
	h.store.Close()
}
