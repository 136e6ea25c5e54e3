package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/export"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/schema"
	"github.com/futurevault/futurevault-go/internal/storage"
)

// handleStats handles GET /v1/stats[?viewer=0x...&tz=Area/City]
func (m *Mux) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleStats")
	defer span.End()

	viewer := r.URL.Query().Get("viewer")
	tz := r.URL.Query().Get("tz")
	span.SetAttributes(attribute.Bool("has_viewer", viewer != ""), attribute.String("tz", tz))

	loc := time.UTC
	if tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			m.fail(w, r, errordefs.New(errordefs.FV_VALIDATION, fmt.Sprintf("unknown time zone %q", tz), ""))
			return
		}
	}
	// Lock state depends on the clock, so stats are recomputed for every request
	m.writeSuccess(w, http.StatusOK, m.Stats.Stats(ctx, viewer, loc))
}

// handleExport handles GET /v1/export[?creator=0x...]
func (m *Mux) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleExport")
	defer span.End()

	capsules, err := m.Gateway.AllCapsules(ctx)
	if err != nil {
		m.fail(w, r, errordefs.Wrap(errordefs.FV_FETCH_FAILURE, err))
		return
	}
	capsules = filterCreator(capsules, r.URL.Query().Get("creator"))

	data, err := m.Codec.Encode(capsules)
	if err != nil {
		span.SetStatus(codes.Error, "encode failed")
		m.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleImport handles POST /v1/import
func (m *Mux) handleImport(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleImport")
	defer span.End()
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.FV_BAD_REQUEST, "failed to read request body", ""))
		return
	}
	if len(data) > maxBodyBytes {
		m.fail(w, r, errordefs.New(errordefs.FV_VALIDATION, "import file too large", ""))
		return
	}

	capsules, err := m.Codec.Decode(data)
	if err != nil {
		span.SetStatus(codes.Error, "parse failed")
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("capsules", len(capsules)))
	m.writeSuccess(w, http.StatusOK, capsules)
}

// handleArchive handles POST /v1/export/archive[?mine=true]
func (m *Mux) handleArchive(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleArchive")
	defer span.End()

	if m.Archiver == nil {
		m.fail(w, r, errordefs.New(errordefs.FV_UNAVAILABLE, "export archives are not configured", ""))
		return
	}
	owner := subject(ctx).Hex()

	capsules, err := m.Gateway.AllCapsules(ctx)
	if err != nil {
		m.fail(w, r, errordefs.Wrap(errordefs.FV_FETCH_FAILURE, err))
		return
	}
	if mine, _ := strconv.ParseBool(r.URL.Query().Get("mine")); mine {
		capsules = filterCreator(capsules, owner)
	}

	res, err := m.Archiver.Archive(ctx, owner, capsules)
	if err != nil {
		span.SetStatus(codes.Error, "archive failed")
		m.Logger.Error("export archive upload failed", "owner", owner, "error", err)
		m.fail(w, r, errordefs.New(errordefs.FV_UNAVAILABLE, "failed to upload export archive", ""))
		return
	}
	m.writeSuccess(w, http.StatusCreated, res)
}

// handleGetDraft handles GET /v1/drafts
func (m *Mux) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := m.Store.GetDraft(r.Context(), subject(r.Context()).Hex())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.fail(w, r, errordefs.New(errordefs.FV_NOT_FOUND, "no saved draft", ""))
			return
		}
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, draft)
}

// handleSaveDraft handles PUT /v1/drafts. The body is the versioned draft envelope.
func (m *Mux) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	body, err := m.readDocument(r, schema.DocDraft)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	var env storage.DraftEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		m.fail(w, r, errordefs.New(errordefs.FV_VALIDATION, "invalid draft", ""))
		return
	}
	env.Draft.SavedAt = time.Now().UTC()

	owner := subject(r.Context()).Hex()
	if err := m.Store.SaveDraft(r.Context(), owner, env.Draft); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, env.Draft)
}

// handleDeleteDraft handles DELETE /v1/drafts
func (m *Mux) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := m.Store.DeleteDraft(r.Context(), subject(r.Context()).Hex()); err != nil {
		m.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func filterCreator(capsules []model.Capsule, creator string) []model.Capsule {
	if creator == "" {
		return capsules
	}
	out := make([]model.Capsule, 0, len(capsules))
	for _, c := range capsules {
		if strings.EqualFold(c.Creator, creator) {
			out = append(out, c)
		}
	}
	return out
}
