package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/network"
	"github.com/futurevault/futurevault-go/internal/reveal"
	"github.com/futurevault/futurevault-go/internal/schema"
	"github.com/futurevault/futurevault-go/internal/storage"
)

var tracer = otel.Tracer("future-vault/server")

// handleNetwork handles GET /v1/network
func (m *Mux) handleNetwork(w http.ResponseWriter, r *http.Request) {
	info := model.NetworkInfo{
		ChainID:         m.ChainID,
		Name:            network.Name(m.ChainID),
		ContractAddress: m.ContractAddress.Hex(),
		ContractVersion: string(m.Gateway.Version()),
		SupportedChains: network.SupportedChains(),
	}
	if s := m.Gateway.Session(); s != nil {
		info.Wallet = s.Address().Hex()
	}
	m.writeSuccess(w, http.StatusOK, info)
}

// handleListCapsules handles GET /v1/capsules[?creator=0x...]
func (m *Mux) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleListCapsules")
	defer span.End()

	capsules, err := m.Gateway.AllCapsules(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "fetch cancelled")
		m.fail(w, r, errordefs.Wrap(errordefs.FV_FETCH_FAILURE, err))
		return
	}

	if creator := r.URL.Query().Get("creator"); creator != "" {
		if !common.IsHexAddress(creator) {
			m.fail(w, r, errordefs.New(errordefs.FV_VALIDATION, "creator must be a hex address", ""))
			return
		}
		capsules = filterCreator(capsules, creator)
	}
	span.SetAttributes(attribute.Int("capsules", len(capsules)))
	m.writeSuccess(w, http.StatusOK, capsules)
}

// handleCapsuleCount handles GET /v1/capsules/count
func (m *Mux) handleCapsuleCount(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, map[string]int{"count": m.Gateway.TotalCount(r.Context())})
}

// handleGetCapsule handles GET /v1/capsules/{id}
func (m *Mux) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleGetCapsule")
	defer span.End()

	id, err := capsuleID(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int64("capsule.id", int64(id)))

	capsule := m.Gateway.Capsule(ctx, id)
	if capsule == nil {
		m.fail(w, r, errordefs.New(errordefs.FV_NOT_FOUND, fmt.Sprintf("capsule %d not found", id), ""))
		return
	}
	m.writeSuccess(w, http.StatusOK, capsule)
}

// handleWalletCapsules handles GET /v1/wallets/{address}/capsules and returns capsule ids
func (m *Mux) handleWalletCapsules(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if !common.IsHexAddress(addr) {
		m.fail(w, r, errordefs.New(errordefs.FV_VALIDATION, "address must be a hex address", ""))
		return
	}
	m.writeSuccess(w, http.StatusOK, m.Gateway.UserCapsuleIDs(r.Context(), common.HexToAddress(addr)))
}

// handleCreateCapsule handles POST /v1/capsules
func (m *Mux) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCreateCapsule")
	defer span.End()

	session, err := m.signer(ctx)
	if err != nil {
		m.fail(w, r, err)
		return
	}

	body, err := m.readDocument(r, schema.DocCreateCapsule)
	if err != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.fail(w, r, err)
		return
	}
	var req model.CreateCapsuleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.fail(w, r, errordefs.New(errordefs.FV_VALIDATION, "invalid JSON", ""))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	span.SetAttributes(
		attribute.Int64("unlock_timestamp", req.UnlockTimestamp),
		attribute.Bool("encrypt", req.Encrypt),
		attribute.Bool("has_idempotency_key", req.IdempotencyKey != ""),
	)

	// Replay a stored response for a repeated submission
	var keyHash, requestHash string
	if req.IdempotencyKey != "" {
		keyHash = hashHex(session.Address().Hex() + "\x00" + req.IdempotencyKey)
		requestHash = hashHex(string(body))
		cached, err := m.Store.GetIdempotentResponse(ctx, keyHash)
		switch {
		case err == nil && cached.RequestHash != requestHash:
			m.fail(w, r, errordefs.New(errordefs.FV_CONFLICT, "idempotency key was used for a different request", ""))
			return
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.ResponseBody)
			return
		case !errors.Is(err, storage.ErrNotFound):
			m.Logger.Warn("idempotency lookup failed", "error", err)
		}
	}

	content := []byte(req.Content)
	if req.Encrypt {
		if content, err = m.encrypt(ctx, session.Address(), content); err != nil {
			span.SetStatus(codes.Error, "encrypt failed")
			m.fail(w, r, err)
			return
		}
	}

	tx, err := m.Gateway.CreateCapsule(ctx, req.Title, req.Description, content, req.UnlockTimestamp)
	if err != nil {
		span.SetStatus(codes.Error, "create failed")
		span.RecordError(err)
		m.fail(w, r, err)
		return
	}

	if err := m.Publisher.PublishCapsuleCreated(ctx, session.Address().Hex(), *tx); err != nil {
		m.Logger.Warn("failed to publish capsule created event", "error", err)
	}
	// The submitted capsule replaces the owner's draft
	if err := m.Store.DeleteDraft(ctx, session.Address().Hex()); err != nil {
		m.Logger.Warn("failed to clear draft", "error", err)
	}

	if keyHash != "" {
		payload, _ := json.Marshal(map[string]interface{}{"data": tx})
		err := m.Store.StoreIdempotentResponse(ctx, keyHash, requestHash, payload, http.StatusCreated, time.Now().Add(idempotencyTTL))
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			m.Logger.Warn("failed to store idempotent response", "error", err)
		}
	}
	m.writeSuccess(w, http.StatusCreated, tx)
}

// encrypt registers content with the relayer and returns the on-chain handle bytes
func (m *Mux) encrypt(ctx context.Context, user common.Address, content []byte) ([]byte, error) {
	if m.FHE == nil {
		return nil, errordefs.New(errordefs.FV_INSTANCE_NOT_READY, "encryption is not configured", "")
	}
	inst, err := m.FHE.Instance()
	if err != nil {
		return nil, err
	}
	in, err := inst.Encrypt(ctx, m.ContractAddress, user, content)
	if err != nil {
		return nil, err
	}
	return in.Ciphertext()
}

// handleRevealCapsule handles POST /v1/capsules/{id}/reveal
func (m *Mux) handleRevealCapsule(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleRevealCapsule")
	defer span.End()

	id, err := capsuleID(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int64("capsule.id", int64(id)))
	if _, err := m.signer(ctx); err != nil {
		m.fail(w, r, err)
		return
	}

	tx, err := m.Gateway.RevealCapsule(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "reveal failed")
		m.fail(w, r, err)
		return
	}
	if err := m.Publisher.PublishCapsuleRevealed(ctx, id, *tx); err != nil {
		m.Logger.Warn("failed to publish capsule revealed event", "error", err)
	}
	m.writeSuccess(w, http.StatusOK, tx)
}

// handleDecryptCapsule handles POST /v1/capsules/{id}/decrypt[?stream=true]
func (m *Mux) handleDecryptCapsule(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleDecryptCapsule")
	defer span.End()

	id, err := capsuleID(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int64("capsule.id", int64(id)))
	session, err := m.signer(ctx)
	if err != nil {
		m.fail(w, r, err)
		return
	}

	res := m.Workflow.Run(ctx, id, session)
	if res.State != reveal.StateRevealed {
		span.SetStatus(codes.Error, "decrypt failed")
		code := errordefs.FV_INTERNAL
		if e, ok := errordefs.As(res.Err); ok {
			code = e.Code
		}
		m.fail(w, r, errordefs.NewWithDetails(code, res.Message(), "", res.DecryptResult()))
		return
	}

	if stream, _ := strconv.ParseBool(r.URL.Query().Get("stream")); !stream {
		m.writeSuccess(w, http.StatusOK, res.DecryptResult())
		return
	}

	// Stream the plaintext as the pacer reveals it, one increment per write
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	sent := 0
	err = m.Pacer.Reveal(ctx, res.Plaintext, func(prefix string) error {
		if _, err := io.WriteString(w, prefix[sent:]); err != nil {
			return err
		}
		sent = len(prefix)
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})
	if err != nil {
		m.Logger.Debug("reveal stream ended early", "capsule_id", id, "error", err)
	}
}

// capsuleID parses the {id} path segment
func capsuleID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errordefs.New(errordefs.FV_VALIDATION, "capsule id must be a non-negative integer", "")
	}
	return id, nil
}

// readDocument reads a bounded request body and validates it against doc
func (m *Mux) readDocument(r *http.Request, doc string) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errordefs.New(errordefs.FV_BAD_REQUEST, "failed to read request body", "")
	}
	if len(body) > maxBodyBytes {
		return nil, errordefs.New(errordefs.FV_VALIDATION, "request body too large", "")
	}
	if _, err := m.Validator.Validate(doc, body); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return nil, errordefs.NewWithDetails(errordefs.FV_VALIDATION, "request does not match schema", "", verr.Problems)
		}
		return nil, errordefs.New(errordefs.FV_VALIDATION, "invalid JSON", "")
	}
	return body, nil
}

func hashHex(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}
