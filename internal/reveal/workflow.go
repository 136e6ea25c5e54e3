// Package reveal drives the per-capsule reveal/decrypt state machine:
// Idle -> AwaitingSignature -> Decrypting -> Revealed | Failed.
package reveal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/metrics"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

var tracer = otel.Tracer("future-vault/reveal")

// State is a workflow state.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingSignature State = "awaiting_signature"
	StateDecrypting        State = "decrypting"
	StateRevealed          State = "revealed"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool { return s == StateRevealed || s == StateFailed }

// FailurePrefix labels every user-visible failure message.
const FailurePrefix = "Failed to decrypt: "

// CapsuleSource is the read side of the contract gateway.
type CapsuleSource interface {
	Capsule(ctx context.Context, id uint64) *model.Capsule
	EncryptedContent(ctx context.Context, id uint64) ([]byte, error)
}

// Request is what a Decrypter needs to recover one capsule's plaintext.
type Request struct {
	CapsuleID  uint64
	Ciphertext []byte
	Contract   common.Address
	Viewer     wallet.Session
	ChainID    uint64
}

// Decrypter turns ciphertext into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, req Request) (string, error)
}

// SignatureMessage is the message the viewer signs before each attempt.
func SignatureMessage(id uint64, at time.Time) string {
	return fmt.Sprintf("Decrypt capsule %d at %s", id, at.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// Result is the outcome of one workflow run.
type Result struct {
	CapsuleID   uint64
	State       State
	Plaintext   string
	Signature   []byte
	Err         error
	Transitions []State
}

// Message is the user-visible failure text, or "" on success.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return FailurePrefix + errordefs.Message(r.Err)
}

// DecryptResult converts r into its API shape.
func (r Result) DecryptResult() model.DecryptResult {
	return model.DecryptResult{
		CapsuleID: r.CapsuleID,
		State:     string(r.State),
		Content:   r.Plaintext,
		Error:     r.Message(),
	}
}

// Options configures a Workflow.
type Options struct {
	Contract common.Address
	ChainID  uint64
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// OnTransition, when set, observes every state change.
	OnTransition func(id uint64, s State)
}

// Workflow runs reveal attempts. It holds no per-capsule state, so any run may start from Idle.
type Workflow struct {
	source    CapsuleSource
	decrypter Decrypter
	opts      Options
}

// NewWorkflow creates a workflow.
func NewWorkflow(source CapsuleSource, decrypter Decrypter, opts Options) *Workflow {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Workflow{source: source, decrypter: decrypter, opts: opts}
}

// Run takes capsule id from Idle to Revealed or Failed on behalf of viewer.
func (w *Workflow) Run(ctx context.Context, id uint64, viewer wallet.Session) Result {
	ctx, span := tracer.Start(ctx, "reveal.Run")
	defer span.End()
	span.SetAttributes(attribute.Int64("capsule.id", int64(id)))

	res := Result{CapsuleID: id}
	w.transition(&res, StateIdle)

	fail := func(err error) Result {
		res.Err = err
		w.transition(&res, StateFailed)
		span.RecordError(err)
		w.opts.Logger.Info("reveal failed", "capsule_id", id, "error", err)
		return res
	}

	capsule := w.source.Capsule(ctx, id)
	if capsule == nil {
		return fail(errordefs.New(errordefs.FV_NOT_FOUND, fmt.Sprintf("capsule %d not found", id), ""))
	}
	if capsule.LockedAt(w.opts.Now()) {
		return fail(errordefs.New(errordefs.FV_CAPSULE_LOCKED,
			fmt.Sprintf("capsule %d is locked until %s", id, time.Unix(capsule.UnlockTimestamp, 0).UTC().Format(time.RFC3339)), ""))
	}
	if viewer == nil {
		return fail(wallet.Unavailable())
	}

	w.transition(&res, StateAwaitingSignature)
	sig, err := viewer.SignMessage(ctx, []byte(SignatureMessage(id, w.opts.Now())))
	if err != nil {
		return fail(errordefs.Wrap(errordefs.FV_TX_REJECTED, err))
	}
	res.Signature = sig

	w.transition(&res, StateDecrypting)
	ciphertext := []byte(capsule.EncryptedContent)
	if len(ciphertext) == 0 {
		ciphertext, err = w.source.EncryptedContent(ctx, id)
		if err != nil {
			return fail(err)
		}
	}
	plaintext, err := w.decrypter.Decrypt(ctx, Request{
		CapsuleID:  id,
		Ciphertext: ciphertext,
		Contract:   w.opts.Contract,
		Viewer:     viewer,
		ChainID:    w.opts.ChainID,
	})
	if err != nil {
		return fail(err)
	}

	res.Plaintext = plaintext
	w.transition(&res, StateRevealed)
	return res
}

func (w *Workflow) transition(res *Result, s State) {
	res.State = s
	res.Transitions = append(res.Transitions, s)
	if w.opts.OnTransition != nil {
		w.opts.OnTransition(res.CapsuleID, s)
	}
	if s.Terminal() && w.opts.Metrics != nil {
		w.opts.Metrics.RevealTotal.WithLabelValues(string(s)).Inc()
	}
}
