package fhe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	contract    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	validHandle = "0x" + strings.Repeat("ab", 32)
)

// fakeRelayer serves the relayer API and counts requests.
func fakeRelayer(t *testing.T, plaintext []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(KeySet{ChainID: 31337, PublicKeyID: "key-1", PublicKey: "0x00"})
	})
	mux.HandleFunc("/v1/input-proof", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(EncryptedInput{Handles: []string{validHandle}, InputProof: "0xbeef"})
	})
	mux.HandleFunc("/v1/user-decrypt", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req struct {
			Handle    string `json:"handle"`
			Message   string `json:"message"`
			Signature string `json:"signature"`
			User      string `json:"userAddress"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)
			return
		}
		sig, err := hexutil.Decode(req.Signature)
		if err != nil {
			http.Error(w, `{"message":"bad signature"}`, http.StatusBadRequest)
			return
		}
		signer, err := wallet.RecoverAddress([]byte(req.Message), sig)
		if err != nil || signer.Hex() != req.User {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"signature does not match user"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"value": hexutil.Encode(plaintext)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestValidateHandle(t *testing.T) {
	tests := []struct {
		handle string
		ok     bool
	}{
		{validHandle, true},
		{"0x1234", false},
		{strings.Repeat("ab", 33), false},
		{"0x" + strings.Repeat("zz", 32), false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateHandle(tt.handle)
		if tt.ok && err != nil {
			t.Errorf("ValidateHandle(%q) error = %v", tt.handle, err)
		}
		if !tt.ok && !errordefs.HasCode(err, errordefs.FV_INVALID_HANDLE) {
			t.Errorf("ValidateHandle(%q) error = %v, want FV_INVALID_HANDLE", tt.handle, err)
		}
	}
}

func TestDecryptShortHandleMakesNoRequest(t *testing.T) {
	srv, hits := fakeRelayer(t, []byte("secret"))
	inst, err := NewRelayer(srv.URL).Open(context.Background(), 31337)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	before := hits.Load()

	session, _ := wallet.NewKeySession(testKey, 31337)
	_, err = inst.Decrypt(context.Background(), "0x1234", contract, session.Address(), session, 31337)
	if !errordefs.HasCode(err, errordefs.FV_INVALID_HANDLE) {
		t.Fatalf("Decrypt() error = %v, want FV_INVALID_HANDLE", err)
	}
	if hits.Load() != before {
		t.Error("no relayer request may be made for a malformed handle")
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	srv, _ := fakeRelayer(t, []byte("hello future"))
	r := NewRelayer(srv.URL)
	r.now = func() time.Time { return time.Unix(1_800_000_000, 0) }
	inst, err := r.Open(context.Background(), 31337)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if inst.ChainID() != 31337 {
		t.Errorf("ChainID() = %d", inst.ChainID())
	}

	session, _ := wallet.NewKeySession(testKey, 31337)
	got, err := inst.Decrypt(context.Background(), validHandle, contract, session.Address(), session, 31337)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != "hello future" {
		t.Errorf("Decrypt() = %q", got)
	}

	if _, err := inst.Decrypt(context.Background(), validHandle, contract, session.Address(), session, 11155111); !errordefs.HasCode(err, errordefs.FV_INSTANCE_NOT_READY) {
		t.Errorf("Decrypt() on another chain error = %v, want FV_INSTANCE_NOT_READY", err)
	}
}

func TestDecryptRelayerRejection(t *testing.T) {
	srv, _ := fakeRelayer(t, nil)
	inst, _ := NewRelayer(srv.URL).Open(context.Background(), 31337)

	session, _ := wallet.NewKeySession(testKey, 31337)
	// signature is valid for the session, but claimed for a different user
	_, err := inst.Decrypt(context.Background(), validHandle, contract, contract, session, 31337)
	if !errordefs.HasCode(err, errordefs.FV_FETCH_FAILURE) {
		t.Fatalf("Decrypt() error = %v, want FV_FETCH_FAILURE", err)
	}
	if errordefs.Message(err) != "relayer: signature does not match user" {
		t.Errorf("message = %q", errordefs.Message(err))
	}
}

func TestEncrypt(t *testing.T) {
	srv, _ := fakeRelayer(t, nil)
	inst, _ := NewRelayer(srv.URL).Open(context.Background(), 31337)
	in, err := inst.Encrypt(context.Background(), contract, contract, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(in.Handles) != 1 || in.Handles[0] != validHandle || in.InputProof != "0xbeef" {
		t.Errorf("Encrypt() = %+v", in)
	}
}

func TestEncryptedInputCiphertext(t *testing.T) {
	in := EncryptedInput{Handles: []string{validHandle, validHandle}}
	b, err := in.Ciphertext()
	if err != nil {
		t.Fatalf("Ciphertext() error = %v", err)
	}
	if len(b) != 64 {
		t.Errorf("len(Ciphertext()) = %d, want 64", len(b))
	}

	bad := EncryptedInput{Handles: []string{"0x1234"}}
	if _, err := bad.Ciphertext(); !errordefs.HasCode(err, errordefs.FV_INVALID_HANDLE) {
		t.Errorf("Ciphertext() error = %v, want FV_INVALID_HANDLE", err)
	}
}

func TestOpenUnreachable(t *testing.T) {
	_, err := NewRelayer("http://127.0.0.1:1").Open(context.Background(), 31337)
	if !errordefs.HasCode(err, errordefs.FV_FETCH_FAILURE) {
		t.Errorf("Open() error = %v, want FV_FETCH_FAILURE", err)
	}
}

type countingOpener struct {
	calls atomic.Int32
	err   error
}

func (o *countingOpener) Open(_ context.Context, chainID uint64) (*Instance, error) {
	o.calls.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return &Instance{keys: KeySet{ChainID: chainID}}, nil
}

func TestManagerRejectsUnsupportedChainFirst(t *testing.T) {
	opener := &countingOpener{}
	m := NewManager(opener)
	err := m.Init(context.Background(), 1)
	if !errordefs.HasCode(err, errordefs.FV_UNSUPPORTED_NETWORK) {
		t.Fatalf("Init(1) error = %v, want FV_UNSUPPORTED_NETWORK", err)
	}
	if opener.calls.Load() != 0 {
		t.Error("the relayer must not be contacted for an unsupported chain")
	}
}

func TestManagerLifecycle(t *testing.T) {
	opener := &countingOpener{}
	m := NewManager(opener)

	if _, err := m.Instance(); !errordefs.HasCode(err, errordefs.FV_INSTANCE_NOT_READY) {
		t.Fatalf("Instance() before Init error = %v, want FV_INSTANCE_NOT_READY", err)
	}

	if err := m.Init(context.Background(), 31337); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := m.Init(context.Background(), 31337); err != nil {
		t.Fatalf("Init() again error = %v", err)
	}
	if opener.calls.Load() != 1 {
		t.Errorf("opens = %d, want 1 for the same chain", opener.calls.Load())
	}
	first, _ := m.Instance()

	if err := m.Init(context.Background(), 11155111); err != nil {
		t.Fatalf("Init(sepolia) error = %v", err)
	}
	second, _ := m.Instance()
	if second == first || second.ChainID() != 11155111 {
		t.Errorf("chain switch should replace the instance, got chain %d", second.ChainID())
	}

	m.Reset()
	if m.Ready() {
		t.Error("Ready() after Reset() = true")
	}
}

func TestManagerInitFailureLeavesNotReady(t *testing.T) {
	m := NewManager(&countingOpener{err: errors.New("relayer down")})
	if err := m.Init(context.Background(), 31337); err == nil {
		t.Fatal("Init() should fail")
	}
	if _, err := m.Instance(); !errordefs.HasCode(err, errordefs.FV_INSTANCE_NOT_READY) {
		t.Errorf("Instance() error = %v, want FV_INSTANCE_NOT_READY", err)
	}
}
