// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the vault service.
// It exposes capsule reads and writes, statistics, reveal, export and draft endpoints
// with JWT authentication, schema validation, and event publishing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/futurevault/futurevault-go/internal/archive"
	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/event"
	"github.com/futurevault/futurevault-go/internal/export"
	"github.com/futurevault/futurevault-go/internal/fhe"
	"github.com/futurevault/futurevault-go/internal/gateway"
	"github.com/futurevault/futurevault-go/internal/jwks"
	"github.com/futurevault/futurevault-go/internal/metrics"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/reveal"
	"github.com/futurevault/futurevault-go/internal/schema"
	"github.com/futurevault/futurevault-go/internal/stats"
	"github.com/futurevault/futurevault-go/internal/storage"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeySubject       ContextKey = "subject"       // Wallet address from the JWT subject
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxBodyBytes   = 1 << 20
	idempotencyTTL = 24 * time.Hour
)

// Capsules is the gateway surface the handlers use. *gateway.Gateway implements it.
type Capsules interface {
	Session() wallet.Session
	Version() gateway.ContractVersion
	TotalCount(ctx context.Context) int
	Capsule(ctx context.Context, id uint64) *model.Capsule
	AllCapsules(ctx context.Context) ([]model.Capsule, error)
	UserCapsuleIDs(ctx context.Context, owner common.Address) []uint64
	EncryptedContent(ctx context.Context, id uint64) ([]byte, error)
	CreateCapsule(ctx context.Context, title, description string, content []byte, unlockTimestamp int64) (*model.TxResult, error)
	RevealCapsule(ctx context.Context, id uint64) (*model.TxResult, error)
}

// Deps are the collaborators of the HTTP surface. Archiver and FHE may be nil.
type Deps struct {
	Gateway   Capsules
	Stats     *stats.Service
	Workflow  *reveal.Workflow
	Pacer     reveal.Pacer
	Codec     *export.Codec
	Validator *schema.Validator
	Archiver  *archive.Archiver
	FHE       *fhe.Manager
	Store     storage.Store
	Publisher event.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	JWKS        *jwks.Client
	JWTIssuer   string
	JWTAudience string

	ChainID         uint64
	ContractAddress common.Address

	// CORSAllowedOrigins lists allowed origins; empty means deny all
	CORSAllowedOrigins []string
}

// Mux handles HTTP requests for the vault service.
type Mux struct {
	mux *http.ServeMux
	Deps
}

// NewMux creates the HTTP handler with all vault endpoints registered.
func NewMux(d Deps) http.Handler {
	if d.Publisher == nil {
		d.Publisher = event.NewNoop()
	}
	if d.Pacer == nil {
		d.Pacer = reveal.Instant{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics()
	}
	m := &Mux{mux: http.NewServeMux(), Deps: d}

	// Health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	m.mux.HandleFunc("GET /v1/network", m.handleNetwork)

	// Capsules
	m.mux.HandleFunc("GET /v1/capsules", m.handleListCapsules)
	m.mux.HandleFunc("GET /v1/capsules/count", m.handleCapsuleCount)
	m.mux.HandleFunc("GET /v1/capsules/{id}", m.handleGetCapsule)
	m.mux.HandleFunc("POST /v1/capsules", m.authenticated(m.handleCreateCapsule))
	m.mux.HandleFunc("POST /v1/capsules/{id}/reveal", m.authenticated(m.handleRevealCapsule))
	m.mux.HandleFunc("POST /v1/capsules/{id}/decrypt", m.authenticated(m.handleDecryptCapsule))
	m.mux.HandleFunc("GET /v1/wallets/{address}/capsules", m.handleWalletCapsules)

	// Aggregates and documents
	m.mux.HandleFunc("GET /v1/stats", m.handleStats)
	m.mux.HandleFunc("GET /v1/export", m.handleExport)
	m.mux.HandleFunc("POST /v1/import", m.handleImport)
	m.mux.HandleFunc("POST /v1/export/archive", m.authenticated(m.handleArchive))

	// Drafts
	m.mux.HandleFunc("GET /v1/drafts", m.authenticated(m.handleGetDraft))
	m.mux.HandleFunc("PUT /v1/drafts", m.authenticated(m.handleSaveDraft))
	m.mux.HandleFunc("DELETE /v1/drafts", m.authenticated(m.handleDeleteDraft))

	return m.withMiddleware(m.mux)
}

// statusRecorder captures the status written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// withMiddleware applies CORS, correlation IDs, request logging and HTTP metrics
func (m *Mux) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		allowed := m.originAllowed(r.Header.Get("Origin"))
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
			w.Header().Set("Vary", "Origin")
		}
		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, Idempotency-Key")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		m.Metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start), correlationID)
	})
}

func (m *Mux) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range m.CORSAllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// authenticated requires a valid JWT whose subject is a wallet address
func (m *Mux) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, err := m.validateJWT(r)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject)))
	}
}

// validateJWT validates the bearer token and extracts the wallet address subject
func (m *Mux) validateJWT(r *http.Request) (common.Address, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return common.Address{}, errordefs.New(errordefs.FV_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return common.Address{}, errordefs.New(errordefs.FV_AUTHN, "invalid Authorization header format", "")
	}
	if m.JWKS == nil {
		return common.Address{}, errordefs.New(errordefs.FV_UNAVAILABLE, "token validation is not configured", "")
	}

	claims, err := m.JWKS.ValidateJWT(r.Context(), strings.TrimPrefix(authHeader, "Bearer "), m.JWTIssuer, m.JWTAudience)
	switch {
	case err == nil:
		return claims.Subject, nil
	case errors.Is(err, jwks.ErrExpired):
		return common.Address{}, errordefs.New(errordefs.FV_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwks.ErrMalformed):
		return common.Address{}, errordefs.New(errordefs.FV_JWT_MALFORMED, err.Error(), "")
	case errors.Is(err, jwks.ErrSubject):
		return common.Address{}, errordefs.New(errordefs.FV_JWT_INVALID, "JWT subject must be a wallet address", "")
	default:
		return common.Address{}, errordefs.New(errordefs.FV_JWT_INVALID, err.Error(), "")
	}
}

// subject returns the authenticated wallet address
func subject(ctx context.Context) common.Address {
	addr, _ := ctx.Value(ContextKeySubject).(common.Address)
	return addr
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// signer returns the service wallet, which must be the one the caller authenticated as
func (m *Mux) signer(ctx context.Context) (wallet.Session, error) {
	session := m.Gateway.Session()
	if session == nil {
		return nil, wallet.Unavailable()
	}
	if session.Address() != subject(ctx) {
		return nil, errordefs.New(errordefs.FV_ADDRESS_MISMATCH, "JWT subject must match the connected wallet", "")
	}
	return session, nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes an error response following the vault error taxonomy
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	body := map[string]interface{}{
		"code":          err.Code,
		"message":       err.Message,
		"correlationId": err.CorrelationID,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// fail classifies err and writes it stamped with the request's correlation ID.
// Unclassified errors are reported as internal without leaking their text.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errordefs.As(err)
	if !ok {
		m.Logger.Error("unclassified handler error", "path", r.URL.Path, "error", err)
		e = errordefs.New(errordefs.FV_INTERNAL, "internal error", "")
	}
	m.writeErrorDef(w, e.WithCorrelationID(correlationID(r.Context())))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.Logger.LogAttrs(r.Context(), level, "http request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	)
}

// handleHealthz handles GET /healthz
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles GET /readyz
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if m.Store != nil {
		if err := m.Store.Ping(ctx); err != nil {
			m.Logger.Warn("readiness probe failed", "error", err)
			m.writeErrorDef(w, errordefs.New(errordefs.FV_UNAVAILABLE, "storage unavailable", correlationID(r.Context())))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
