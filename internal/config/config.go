// Package config provides configuration loading and management for the vault service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/futurevault/futurevault-go/internal/gateway"
	"github.com/futurevault/futurevault-go/internal/network"
	"github.com/futurevault/futurevault-go/internal/stats"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set variables, so OS env > .env.local > .env.
func init() {
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
}

// Decrypt modes
const (
	DecryptSimulated = "simulated" // fixed delay, ciphertext returned as text
	DecryptFHE       = "fhe"       // user decryption through the relayer
)

// Config captures environment-driven settings for the vault service.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	// Chain
	RPCURL           string                  // JSON-RPC endpoint; defaults per chain
	ChainID          uint64                  // Chain the service is bound to
	ContractAddress  string                  // Registry address override
	ContractVersion  gateway.ContractVersion // Registry layout (v1, v2)
	PrivateKey       string                  // Wallet key; empty means read-only
	FetchConcurrency int                     // Parallel getCapsule calls in a full scan; 1 fetches one at a time

	// Persistence and messaging
	DatabaseDSN string // Database connection string (PostgreSQL); empty uses memory
	NATSURL     string // NATS server URL; empty disables events
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket for export archives; empty disables archives
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Auth
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Key set location; defaults to <issuer>/.well-known/jwks.json

	// Reveal
	RelayerURL   string        // FHE relayer base URL
	DecryptMode  string        // simulated or fhe
	RevealDelay  time.Duration // Simulated decrypt delay
	CharDelay    time.Duration // Per-character reveal pacing for streamed responses; 0 is instant
	StatsRefresh time.Duration // Background stats refresh interval

	TimelineOrder stats.TimelineOrder // Unlock timeline ordering

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort             = "8080"
	defaultS3Region         = "us-east-1"
	defaultEnv              = "dev"
	defaultFetchConcurrency = 1
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("FV_ENV", defaultEnv),
		Port:               getEnv("FV_PORT", defaultPort),
		ContractAddress:    os.Getenv("FV_CONTRACT_ADDRESS"),
		PrivateKey:         os.Getenv("FV_PRIVATE_KEY"),
		DatabaseDSN:        os.Getenv("FV_DB_DSN"),
		NATSURL:            os.Getenv("FV_NATS_URL"),
		S3Endpoint:         os.Getenv("FV_S3_ENDPOINT"),
		S3Region:           getEnv("FV_S3_REGION", defaultS3Region),
		S3Bucket:           os.Getenv("FV_S3_BUCKET"),
		S3AccessKey:        os.Getenv("FV_S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("FV_S3_SECRET_KEY"),
		JWTIssuer:          os.Getenv("FV_JWT_ISSUER"),
		JWTAudience:        os.Getenv("FV_JWT_AUDIENCE"),
		JWKSURL:            os.Getenv("FV_JWKS_URL"),
		RelayerURL:         os.Getenv("FV_RELAYER_URL"),
		DecryptMode:        strings.ToLower(getEnv("FV_DECRYPT_MODE", DecryptSimulated)),
		CORSAllowedOrigins: splitList(os.Getenv("FV_CORS_ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.ChainID, err = parseUint("FV_CHAIN_ID", network.LocalChainID); err != nil {
		return cfg, err
	}
	if !network.IsSupported(cfg.ChainID) {
		return cfg, network.UnsupportedNetwork(cfg.ChainID)
	}
	cfg.RPCURL = getEnv("FV_RPC_URL", network.DefaultRPCURL(cfg.ChainID))

	if cfg.ContractVersion, err = gateway.ParseContractVersion(os.Getenv("FV_CONTRACT_VERSION")); err != nil {
		return cfg, err
	}
	fetch, err := parseUint("FV_FETCH_CONCURRENCY", defaultFetchConcurrency)
	if err != nil {
		return cfg, err
	}
	cfg.FetchConcurrency = int(fetch)

	if cfg.RevealDelay, err = parseDuration("FV_REVEAL_DELAY", 1500*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.CharDelay, err = parseDuration("FV_CHAR_DELAY", 30*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.StatsRefresh, err = parseDuration("FV_REFRESH_INTERVAL", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.TimelineOrder, err = stats.ParseTimelineOrder(os.Getenv("FV_TIMELINE_ORDER")); err != nil {
		return cfg, err
	}

	switch cfg.DecryptMode {
	case DecryptSimulated:
	case DecryptFHE:
		if cfg.RelayerURL == "" {
			return cfg, fmt.Errorf("FV_RELAYER_URL is required when FV_DECRYPT_MODE=%s", DecryptFHE)
		}
	default:
		return cfg, fmt.Errorf("FV_DECRYPT_MODE must be %q or %q, got %q", DecryptSimulated, DecryptFHE, cfg.DecryptMode)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("FV_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("FV_JWT_AUDIENCE is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func parseUint(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

// splitList parses a comma separated list, dropping blanks
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
