package reveal

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/futurevault/futurevault-go/internal/fhe"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

// DefaultSimulatedDelay is the pause SimulatedDecrypter takes before answering.
const DefaultSimulatedDelay = 1500 * time.Millisecond

// SimulatedDecrypter reads stored content as UTF-8 text after a fixed delay. It is for
// deployments where the registry stores plaintext bytes.
type SimulatedDecrypter struct {
	Delay time.Duration
}

func (d SimulatedDecrypter) Decrypt(ctx context.Context, req Request) (string, error) {
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return strings.ToValidUTF8(string(req.Ciphertext), "\uFFFD"), nil
}

// FHEDecrypter treats the ciphertext as a sequence of 32-byte handles and decrypts each one
// through the relayer instance held by Manager.
type FHEDecrypter struct {
	Manager *fhe.Manager
}

func (d FHEDecrypter) Decrypt(ctx context.Context, req Request) (string, error) {
	if req.Viewer == nil {
		return "", wallet.Unavailable()
	}
	inst, err := d.Manager.Instance()
	if err != nil {
		return "", err
	}

	var out []byte
	for _, handle := range handles(req.Ciphertext) {
		part, err := inst.Decrypt(ctx, handle, req.Contract, req.Viewer.Address(), req.Viewer, req.ChainID)
		if err != nil {
			return "", err
		}
		out = append(out, part...)
	}
	// handles are right-padded to 32 bytes
	out = bytes.TrimRight(out, "\x00")
	return strings.ToValidUTF8(string(out), "\uFFFD"), nil
}

// handles splits ciphertext into hex handles. A trailing partial chunk is kept as is so
// that handle validation rejects it.
func handles(ciphertext []byte) []string {
	if len(ciphertext) == 0 {
		return []string{"0x"}
	}
	var out []string
	for start := 0; start < len(ciphertext); start += 32 {
		end := start + 32
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		out = append(out, hexutil.Encode(ciphertext[start:end]))
	}
	return out
}
