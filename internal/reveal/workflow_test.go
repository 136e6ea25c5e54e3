package reveal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/fhe"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	now      = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	registry = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

type fakeSource struct {
	capsules map[uint64]model.Capsule
	fetchErr error
}

func (f *fakeSource) Capsule(_ context.Context, id uint64) *model.Capsule {
	c, ok := f.capsules[id]
	if !ok {
		return nil
	}
	return &c
}

func (f *fakeSource) EncryptedContent(_ context.Context, id uint64) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, errordefs.Wrap(errordefs.FV_FETCH_FAILURE, f.fetchErr)
	}
	return f.capsules[id].EncryptedContent, nil
}

func source() *fakeSource {
	return &fakeSource{capsules: map[uint64]model.Capsule{
		0: {ID: 0, UnlockTimestamp: now.Unix() - 60, EncryptedContent: []byte("hello from the past")},
		1: {ID: 1, UnlockTimestamp: now.Unix() + 60, EncryptedContent: []byte("too early")},
	}}
}

type failingDecrypter struct{ err error }

func (d failingDecrypter) Decrypt(context.Context, Request) (string, error) { return "", d.err }

type refusingSession struct{ wallet.Session }

func (refusingSession) SignMessage(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("user rejected signing")
}

func newSession(t *testing.T) *wallet.KeySession {
	t.Helper()
	s, err := wallet.NewKeySession(testKey, 31337)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newWorkflow(src CapsuleSource, d Decrypter) *Workflow {
	return NewWorkflow(src, d, Options{
		Contract: registry,
		ChainID:  31337,
		Now:      func() time.Time { return now },
	})
}

func TestSignatureMessage(t *testing.T) {
	at := time.Date(2026, time.February, 3, 4, 5, 6, 7_000_000, time.FixedZone("X", 3600))
	got := SignatureMessage(12, at)
	if got != "Decrypt capsule 12 at 2026-02-03T03:05:06.007Z" {
		t.Errorf("SignatureMessage() = %q", got)
	}
}

func TestRunRevealsUnlockedCapsule(t *testing.T) {
	var seen []State
	w := NewWorkflow(source(), SimulatedDecrypter{}, Options{
		Now:          func() time.Time { return now },
		OnTransition: func(_ uint64, s State) { seen = append(seen, s) },
	})
	session := newSession(t)

	res := w.Run(context.Background(), 0, session)
	if res.State != StateRevealed || res.Err != nil {
		t.Fatalf("Run() = %+v", res)
	}
	if res.Plaintext != "hello from the past" {
		t.Errorf("Plaintext = %q", res.Plaintext)
	}
	want := []State{StateIdle, StateAwaitingSignature, StateDecrypting, StateRevealed}
	if !reflect.DeepEqual(res.Transitions, want) || !reflect.DeepEqual(seen, want) {
		t.Errorf("transitions = %v, observed %v, want %v", res.Transitions, seen, want)
	}

	signer, err := wallet.RecoverAddress([]byte(SignatureMessage(0, now)), res.Signature)
	if err != nil || signer != session.Address() {
		t.Errorf("signature recovers to %s, %v", signer.Hex(), err)
	}
	if res.DecryptResult().Error != "" {
		t.Errorf("DecryptResult().Error = %q", res.DecryptResult().Error)
	}
}

func TestRunLockedCapsuleFails(t *testing.T) {
	res := newWorkflow(source(), SimulatedDecrypter{}).Run(context.Background(), 1, newSession(t))
	if res.State != StateFailed || !errordefs.HasCode(res.Err, errordefs.FV_CAPSULE_LOCKED) {
		t.Fatalf("Run(locked) = %+v", res)
	}
	if !strings.HasPrefix(res.Message(), FailurePrefix) {
		t.Errorf("Message() = %q", res.Message())
	}
	for _, s := range res.Transitions {
		if s == StateAwaitingSignature {
			t.Error("a locked capsule must not request a signature")
		}
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name     string
		src      *fakeSource
		id       uint64
		session  wallet.Session
		dec      Decrypter
		wantCode errordefs.ErrorCode
		wantMsg  string
	}{
		{
			name:     "missing capsule",
			src:      source(),
			id:       9,
			dec:      SimulatedDecrypter{},
			wantCode: errordefs.FV_NOT_FOUND,
		},
		{
			name:     "signature refused",
			src:      source(),
			session:  refusingSession{},
			dec:      SimulatedDecrypter{},
			wantCode: errordefs.FV_TX_REJECTED,
			wantMsg:  "Failed to decrypt: user rejected signing",
		},
		{
			name:     "decrypter error is surfaced verbatim",
			src:      source(),
			dec:      failingDecrypter{err: errors.New("relayer exploded")},
			wantMsg:  "Failed to decrypt: relayer exploded",
		},
		{
			name: "content fetch failure",
			src: &fakeSource{
				capsules: map[uint64]model.Capsule{0: {ID: 0, UnlockTimestamp: now.Unix() - 1}},
				fetchErr: errors.New("rpc timeout"),
			},
			dec:      SimulatedDecrypter{},
			wantCode: errordefs.FV_FETCH_FAILURE,
			wantMsg:  "Failed to decrypt: rpc timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := tt.session
			if session == nil {
				session = newSession(t)
			}
			res := newWorkflow(tt.src, tt.dec).Run(context.Background(), tt.id, session)
			if res.State != StateFailed {
				t.Fatalf("State = %s, want failed", res.State)
			}
			if tt.wantCode != "" && !errordefs.HasCode(res.Err, tt.wantCode) {
				t.Errorf("Err = %v, want %s", res.Err, tt.wantCode)
			}
			if tt.wantMsg != "" && res.Message() != tt.wantMsg {
				t.Errorf("Message() = %q, want %q", res.Message(), tt.wantMsg)
			}
		})
	}
}

func TestRunWithoutWallet(t *testing.T) {
	res := newWorkflow(source(), SimulatedDecrypter{}).Run(context.Background(), 0, nil)
	if !errordefs.HasCode(res.Err, errordefs.FV_WALLET_UNAVAILABLE) {
		t.Errorf("Err = %v, want FV_WALLET_UNAVAILABLE", res.Err)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	w := newWorkflow(source(), SimulatedDecrypter{})
	session := newSession(t)
	for i := 0; i < 3; i++ {
		if res := w.Run(context.Background(), 0, session); res.State != StateRevealed {
			t.Fatalf("attempt %d: State = %s", i, res.State)
		}
	}
}

func TestSimulatedDecrypterHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SimulatedDecrypter{Delay: time.Hour}.Decrypt(ctx, Request{Ciphertext: []byte("x")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Decrypt() error = %v, want context.Canceled", err)
	}
}

func TestFHEDecrypter(t *testing.T) {
	plain := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/keys":
			_ = json.NewEncoder(w).Encode(fhe.KeySet{ChainID: 31337, PublicKeyID: "k"})
		case "/v1/user-decrypt":
			var req struct {
				Handle string `json:"handle"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(map[string]string{"value": hexutil.Encode(plain[req.Handle])})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ciphertext := make([]byte, 64)
	ciphertext[0], ciphertext[32] = 1, 2
	plain[hexutil.Encode(ciphertext[:32])] = append([]byte("hello "), make([]byte, 26)...)
	plain[hexutil.Encode(ciphertext[32:])] = append([]byte("world"), make([]byte, 27)...)

	mgr := fhe.NewManager(fhe.NewRelayer(srv.URL))
	dec := FHEDecrypter{Manager: mgr}
	session := newSession(t)
	req := Request{Ciphertext: ciphertext, Contract: registry, Viewer: session, ChainID: 31337}

	if _, err := dec.Decrypt(context.Background(), req); !errordefs.HasCode(err, errordefs.FV_INSTANCE_NOT_READY) {
		t.Fatalf("Decrypt() before Init error = %v, want FV_INSTANCE_NOT_READY", err)
	}
	if err := mgr.Init(context.Background(), 31337); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	got, err := dec.Decrypt(context.Background(), req)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "hello world" {
		t.Errorf("Decrypt() = %q, want %q", got, "hello world")
	}

	req.Ciphertext = []byte{0x12, 0x34}
	if _, err := dec.Decrypt(context.Background(), req); !errordefs.HasCode(err, errordefs.FV_INVALID_HANDLE) {
		t.Errorf("Decrypt(short) error = %v, want FV_INVALID_HANDLE", err)
	}
}
