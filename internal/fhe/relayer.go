// Package fhe provides a client for the FHE relayer that encrypts capsule inputs and performs
// user decryption of ciphertext handles.
package fhe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

// HandleLength is the length of a hex-encoded ciphertext handle including the 0x prefix.
const HandleLength = 66

// Relayer is an HTTP client for the FHE relayer service.
type Relayer struct {
	base string       // Base URL of the relayer
	hc   *http.Client // HTTP client with custom configuration
	now  func() time.Time
}

// KeySet is the public key material the relayer publishes for one chain.
type KeySet struct {
	ChainID     uint64 `json:"chainId"`
	PublicKeyID string `json:"publicKeyId"`
	PublicKey   string `json:"publicKey"`
}

// EncryptedInput is a registered ciphertext ready to be passed to a contract call.
type EncryptedInput struct {
	Handles    []string `json:"handles"`
	InputProof string   `json:"inputProof"`
}

// Ciphertext concatenates the handles into the byte layout stored on chain, 32 bytes per handle.
func (in EncryptedInput) Ciphertext() ([]byte, error) {
	out := make([]byte, 0, len(in.Handles)*32)
	for _, h := range in.Handles {
		if err := ValidateHandle(h); err != nil {
			return nil, err
		}
		b, _ := hexutil.Decode(h)
		out = append(out, b...)
	}
	return out, nil
}

// NewRelayer creates a relayer client for baseURL with dial and request timeouts.
func NewRelayer(baseURL string) *Relayer {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Relayer{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
		now:  time.Now,
	}
}

// ValidateHandle checks that handle is 0x followed by 64 hex characters.
func ValidateHandle(handle string) error {
	if len(handle) != HandleLength || !strings.HasPrefix(handle, "0x") {
		return errordefs.New(errordefs.FV_INVALID_HANDLE,
			fmt.Sprintf("invalid handle format: expected 0x-prefixed 32-byte hex, got %q", handle), "")
	}
	if _, err := hexutil.Decode(handle); err != nil {
		return errordefs.New(errordefs.FV_INVALID_HANDLE,
			fmt.Sprintf("invalid handle format: %v", err), "")
	}
	return nil
}

// Open fetches the chain's key set and returns an instance bound to chainID.
func (r *Relayer) Open(ctx context.Context, chainID uint64) (*Instance, error) {
	u, err := url.Parse(r.base + "/v1/keys")
	if err != nil {
		return nil, fmt.Errorf("relayer url: %w", err)
	}
	q := u.Query()
	q.Set("chainId", strconv.FormatUint(chainID, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	var keys KeySet
	if err := r.do(req, &keys); err != nil {
		return nil, err
	}
	if keys.ChainID != 0 && keys.ChainID != chainID {
		return nil, errordefs.New(errordefs.FV_FETCH_FAILURE,
			fmt.Sprintf("relayer returned keys for chain %d, want %d", keys.ChainID, chainID), "")
	}
	keys.ChainID = chainID
	return &Instance{relayer: r, keys: keys}, nil
}

func (r *Relayer) post(ctx context.Context, path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, out)
}

// do executes req and decodes a 200 response into out. Transport failures and non-200
// answers are FetchFailure carrying the relayer's message.
func (r *Relayer) do(req *http.Request, out interface{}) error {
	resp, err := r.hc.Do(req)
	if err != nil {
		return errordefs.Wrap(errordefs.FV_FETCH_FAILURE, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := resp.Status
		if json.Unmarshal(raw, &body) == nil {
			if body.Message != "" {
				msg = body.Message
			} else if body.Error != "" {
				msg = body.Error
			}
		}
		return errordefs.New(errordefs.FV_FETCH_FAILURE, "relayer: "+msg, "")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errordefs.Wrap(errordefs.FV_FETCH_FAILURE, fmt.Errorf("decode relayer response: %w", err))
	}
	return nil
}

// Instance is a relayer session bound to one chain.
type Instance struct {
	relayer *Relayer
	keys    KeySet
}

// ChainID returns the chain the instance was opened for.
func (i *Instance) ChainID() uint64 { return i.keys.ChainID }

// Encrypt registers value as an encrypted input for contract on behalf of user.
func (i *Instance) Encrypt(ctx context.Context, contract, user common.Address, value []byte) (EncryptedInput, error) {
	req := map[string]interface{}{
		"chainId":         i.keys.ChainID,
		"publicKeyId":     i.keys.PublicKeyID,
		"contractAddress": contract.Hex(),
		"userAddress":     user.Hex(),
		"value":           hexutil.Encode(value),
	}
	var out EncryptedInput
	if err := i.relayer.post(ctx, "/v1/input-proof", req, &out); err != nil {
		return EncryptedInput{}, err
	}
	return out, nil
}

// DecryptAuthorization is the message a user signs to authorize decryption of handle.
func DecryptAuthorization(handle string, contract common.Address, chainID uint64, at time.Time) string {
	return fmt.Sprintf("Authorize decryption of %s for contract %s on chain %d at %d",
		handle, contract.Hex(), chainID, at.Unix())
}

// Decrypt returns the plaintext behind handle. The handle format is checked before any
// network call; signer authorizes the request for user.
func (i *Instance) Decrypt(ctx context.Context, handle string, contract, user common.Address, signer wallet.Session, chainID uint64) ([]byte, error) {
	if err := ValidateHandle(handle); err != nil {
		return nil, err
	}
	if chainID != i.keys.ChainID {
		return nil, errordefs.New(errordefs.FV_INSTANCE_NOT_READY,
			fmt.Sprintf("decryption instance is bound to chain %d, not %d", i.keys.ChainID, chainID), "")
	}
	if signer == nil {
		return nil, wallet.Unavailable()
	}

	msg := DecryptAuthorization(handle, contract, chainID, i.relayer.now())
	sig, err := signer.SignMessage(ctx, []byte(msg))
	if err != nil {
		return nil, err
	}

	req := map[string]interface{}{
		"chainId":         chainID,
		"handle":          handle,
		"contractAddress": contract.Hex(),
		"userAddress":     user.Hex(),
		"message":         msg,
		"signature":       hexutil.Encode(sig),
	}
	var out struct {
		Value hexutil.Bytes `json:"value"`
	}
	if err := i.relayer.post(ctx, "/v1/user-decrypt", req, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}
