// Package gateway is the single adapter between the vault and the capsule registry contract.
// Reads degrade to empty results; writes surface the underlying failure verbatim.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/metrics"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

var tracer = otel.Tracer("future-vault/gateway")

// Miner waits for a submitted transaction to be mined.
type Miner interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// BackendMiner polls a node for receipts.
type BackendMiner struct {
	Backend bind.DeployBackend
}

func (m BackendMiner) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, m.Backend, tx)
}

// Options configures a Gateway.
type Options struct {
	Session          wallet.Session // nil when no wallet is connected
	Miner            Miner
	FetchConcurrency int // >1 enables bounded concurrent fetch in AllCapsules
	Now              func() time.Time
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Gateway exposes typed capsule operations over one Registry.
type Gateway struct {
	registry    Registry
	session     wallet.Session
	miner       Miner
	concurrency int
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates a gateway over registry.
func New(registry Registry, opts Options) *Gateway {
	g := &Gateway{
		registry:    registry,
		session:     opts.Session,
		miner:       opts.Miner,
		concurrency: opts.FetchConcurrency,
		now:         opts.Now,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Session returns the connected wallet, or nil.
func (g *Gateway) Session() wallet.Session { return g.session }

// Version reports the bound contract layout.
func (g *Gateway) Version() ContractVersion { return g.registry.Version() }

// Now returns the gateway clock.
func (g *Gateway) Now() time.Time { return g.now() }

// TotalCount returns the number of capsules ever created, or 0 when the registry is unreachable.
func (g *Gateway) TotalCount(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "gateway.TotalCount")
	defer span.End()

	start := time.Now()
	n, err := g.registry.Count(ctx)
	g.metrics.ObserveContractCall("count", start, err)
	if err != nil {
		g.logger.Warn("capsule count failed", "error", err)
		return 0
	}
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}

// Capsule returns capsule id with IsLocked derived from the current clock, or nil when it
// cannot be fetched (including ids past the end of the registry).
func (g *Gateway) Capsule(ctx context.Context, id uint64) *model.Capsule {
	ctx, span := tracer.Start(ctx, "gateway.Capsule")
	defer span.End()
	span.SetAttributes(attribute.Int64("capsule.id", int64(id)))

	start := time.Now()
	c, exists, err := g.registry.Capsule(ctx, id)
	g.metrics.ObserveContractCall("get_capsule", start, err)
	if err != nil {
		g.logger.Debug("capsule fetch failed", "capsule_id", id, "error", err)
		return nil
	}
	if !exists {
		return nil
	}
	c.IsLocked = c.LockedAt(g.now())
	if uc, ok := g.registry.(UnlockChecker); ok {
		g.compareUnlock(ctx, uc, c)
	}
	return &c
}

// compareUnlock logs when the contract's view of unlockability differs from the lock state
// derived from the clock. The derived state is what callers see.
func (g *Gateway) compareUnlock(ctx context.Context, uc UnlockChecker, c model.Capsule) {
	start := time.Now()
	can, err := uc.CanUnlock(ctx, c.ID)
	g.metrics.ObserveContractCall("can_unlock", start, err)
	if err != nil {
		g.logger.Debug("canUnlock call failed", "capsule_id", c.ID, "error", err)
		return
	}
	if can == c.IsLocked {
		g.logger.Warn("contract lock state disagrees with clock",
			"capsule_id", c.ID, "contract_can_unlock", can, "derived_locked", c.IsLocked,
			"unlock_timestamp", c.UnlockTimestamp)
	}
}

// AllCapsules fetches every capsule in index order, skipping the ones that fail.
// Only context cancellation is returned as an error.
func (g *Gateway) AllCapsules(ctx context.Context) ([]model.Capsule, error) {
	ctx, span := tracer.Start(ctx, "gateway.AllCapsules")
	defer span.End()

	total := g.TotalCount(ctx)
	span.SetAttributes(attribute.Int("capsule.total", total))
	if total == 0 {
		return []model.Capsule{}, ctx.Err()
	}

	if g.concurrency <= 1 {
		out := make([]model.Capsule, 0, total)
		for i := 0; i < total; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if c := g.Capsule(ctx, uint64(i)); c != nil {
				out = append(out, *c)
			}
		}
		return out, nil
	}

	slots := make([]*model.Capsule, total)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i := 0; i < total; i++ {
		i := i
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			slots[i] = g.Capsule(egCtx, uint64(i))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Capsule, 0, total)
	for _, c := range slots {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// UserCapsuleIDs returns the ids created by owner, or an empty slice on failure.
func (g *Gateway) UserCapsuleIDs(ctx context.Context, owner common.Address) []uint64 {
	ctx, span := tracer.Start(ctx, "gateway.UserCapsuleIDs")
	defer span.End()

	start := time.Now()
	ids, err := g.registry.UserCapsuleIDs(ctx, owner)
	if errors.Is(err, ErrNoUserIndex) {
		all, err := g.AllCapsules(ctx)
		if err != nil {
			return []uint64{}
		}
		ids = make([]uint64, 0)
		for _, c := range all {
			if strings.EqualFold(c.Creator, owner.Hex()) {
				ids = append(ids, c.ID)
			}
		}
		return ids
	}
	g.metrics.ObserveContractCall("user_capsules", start, err)
	if err != nil {
		g.logger.Warn("user capsule lookup failed", "owner", owner.Hex(), "error", err)
		return []uint64{}
	}
	return ids
}

// EncryptedContent returns the raw ciphertext of capsule id. Unlock time is not enforced here.
func (g *Gateway) EncryptedContent(ctx context.Context, id uint64) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "gateway.EncryptedContent")
	defer span.End()
	span.SetAttributes(attribute.Int64("capsule.id", int64(id)))

	start := time.Now()
	data, err := g.registry.EncryptedContent(ctx, id)
	g.metrics.ObserveContractCall("get_encrypted_content", start, err)
	if err != nil {
		span.RecordError(err)
		return nil, errordefs.Wrap(errordefs.FV_FETCH_FAILURE, err)
	}
	return data, nil
}

// CreateCapsule submits a new capsule and waits for it to be mined.
func (g *Gateway) CreateCapsule(ctx context.Context, title, description string, content []byte, unlockTimestamp int64) (*model.TxResult, error) {
	ctx, span := tracer.Start(ctx, "gateway.CreateCapsule")
	defer span.End()

	if unlockTimestamp <= g.now().Unix() {
		return nil, errordefs.New(errordefs.FV_VALIDATION, "Unlock date must be in the future", "")
	}
	opts, err := g.transactOpts(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tx, err := g.registry.Create(opts, title, description, content, unlockTimestamp)
	g.metrics.ObserveContractCall("create_capsule", start, err)
	if err != nil {
		span.RecordError(err)
		return nil, rejected(err)
	}
	receipt, err := g.waitMined(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := txResult(receipt)
	if id, ok := g.registry.CreatedCapsuleID(receipt); ok {
		res.CapsuleID = &id
		span.SetAttributes(attribute.Int64("capsule.id", int64(id)))
	}
	g.logger.Info("capsule created", "tx_hash", res.TxHash, "block", res.BlockNumber, "unlock_timestamp", unlockTimestamp)
	return res, nil
}

// RevealCapsule marks capsule id as revealed on chain.
func (g *Gateway) RevealCapsule(ctx context.Context, id uint64) (*model.TxResult, error) {
	ctx, span := tracer.Start(ctx, "gateway.RevealCapsule")
	defer span.End()
	span.SetAttributes(attribute.Int64("capsule.id", int64(id)))

	opts, err := g.transactOpts(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tx, err := g.registry.Reveal(opts, id)
	g.metrics.ObserveContractCall("reveal_capsule", start, err)
	if err != nil {
		span.RecordError(err)
		return nil, rejected(err)
	}
	receipt, err := g.waitMined(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res := txResult(receipt)
	res.CapsuleID = &id
	g.logger.Info("capsule revealed", "capsule_id", id, "tx_hash", res.TxHash)
	return res, nil
}

func (g *Gateway) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if g.session == nil {
		return nil, wallet.Unavailable()
	}
	opts, err := g.session.TransactOpts(ctx)
	if err != nil {
		return nil, rejected(err)
	}
	return opts, nil
}

func (g *Gateway) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if g.miner == nil {
		return nil, errordefs.New(errordefs.FV_INTERNAL, "no transaction miner configured", "")
	}
	receipt, err := g.miner.WaitMined(ctx, tx)
	if err != nil {
		return nil, rejected(err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, errordefs.New(errordefs.FV_TX_REJECTED,
			fmt.Sprintf("transaction %s reverted", tx.Hash().Hex()), "")
	}
	return receipt, nil
}

// rejected classifies a write failure, keeping errors that already carry a code.
func rejected(err error) error {
	if _, ok := errordefs.As(err); ok {
		return err
	}
	return errordefs.Wrap(errordefs.FV_TX_REJECTED, err)
}

func txResult(r *types.Receipt) *model.TxResult {
	res := &model.TxResult{TxHash: r.TxHash.Hex()}
	if r.BlockNumber != nil {
		res.BlockNumber = r.BlockNumber.Uint64()
	}
	return res
}
