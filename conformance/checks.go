package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/futurevault/futurevault-go/internal/model"
)

// response is a decoded API reply.
type response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r response) data(t *testing.T, out interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(r.Body, &env); err != nil || env.Data == nil {
		t.Fatalf("response is not a data envelope: %s", r.Body)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func (r response) errorCode() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(r.Body, &env)
	return env.Error.Code
}

func (h *Harness) do(t *testing.T, method, path, body, token string, header ...string) response {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s %s: %v", method, path, err)
	}
	return response{Status: resp.StatusCode, Header: resp.Header, Body: data}
}

func (h *Harness) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := h.Token(subject)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// RunConformanceTests runs the conformance suite in order. Later checks rely on the
// capsules earlier checks create, so the suite must run on a fresh harness.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Network", h.testNetwork)
	t.Run("CreateCapsule", h.testCreateCapsule)
	t.Run("LockedCapsule", h.testLockedCapsule)
	t.Run("UnlockAndReveal", h.testUnlockAndReveal)
	t.Run("Listing", h.testListing)
	t.Run("ExportImport", h.testExportImport)
	t.Run("Drafts", h.testDrafts)
}

// RunAcceptanceTests checks authentication and error envelope behaviour.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("AuthCompliance", h.testAuthCompliance)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		if r := h.do(t, http.MethodGet, path, "", ""); r.Status != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, r.Status)
		}
	}
}

func (h *Harness) testNetwork(t *testing.T) {
	r := h.do(t, http.MethodGet, "/v1/network", "", "")
	if r.Status != http.StatusOK {
		t.Fatalf("GET /v1/network = %d", r.Status)
	}
	var info model.NetworkInfo
	r.data(t, &info)
	if info.ChainID != h.cfg.ChainID {
		t.Errorf("chainId = %d, want %d", info.ChainID, h.cfg.ChainID)
	}
	if !strings.EqualFold(info.Wallet, h.Wallet().Hex()) {
		t.Errorf("wallet = %q, want %s", info.Wallet, h.Wallet().Hex())
	}
}

func (h *Harness) createBody(title, content string, unlock time.Time) string {
	return fmt.Sprintf(`{"title":%q,"description":"conformance","content":%q,"unlockTimestamp":%d}`,
		title, content, unlock.Unix())
}

func (h *Harness) testCreateCapsule(t *testing.T) {
	tok := h.token(t, h.Wallet().Hex())
	body := h.createBody("first", "see you later", h.clock.Now().Add(time.Hour))

	r := h.do(t, http.MethodPost, "/v1/capsules", body, tok, "Idempotency-Key", "create-1")
	if r.Status != http.StatusCreated {
		t.Fatalf("POST /v1/capsules = %d %s", r.Status, r.Body)
	}
	var tx model.TxResult
	r.data(t, &tx)
	if tx.CapsuleID == nil || *tx.CapsuleID != 0 {
		t.Fatalf("tx = %+v, want capsule 0", tx)
	}

	replay := h.do(t, http.MethodPost, "/v1/capsules", body, tok, "Idempotency-Key", "create-1")
	if replay.Status != http.StatusCreated || replay.Header.Get("Idempotent-Replayed") != "true" {
		t.Errorf("replay = %d replayed=%q", replay.Status, replay.Header.Get("Idempotent-Replayed"))
	}
	if !bytes.Equal(replay.Body, r.Body) {
		t.Errorf("replayed body differs:\n got %s\nwant %s", replay.Body, r.Body)
	}

	var count map[string]int
	h.do(t, http.MethodGet, "/v1/capsules/count", "", "").data(t, &count)
	if count["count"] != 1 {
		t.Errorf("count = %d after replay, want 1", count["count"])
	}

	past := h.createBody("late", "x", h.clock.Now().Add(-time.Minute))
	if r := h.do(t, http.MethodPost, "/v1/capsules", past, tok); r.errorCode() != "FV_VALIDATION" {
		t.Errorf("past unlock = %d %s, want FV_VALIDATION", r.Status, r.Body)
	}
}

func (h *Harness) testLockedCapsule(t *testing.T) {
	var c model.Capsule
	h.do(t, http.MethodGet, "/v1/capsules/0", "", "").data(t, &c)
	if !c.IsLocked || c.IsRevealed {
		t.Errorf("capsule = %+v, want locked and unrevealed", c)
	}

	tok := h.token(t, h.Wallet().Hex())
	r := h.do(t, http.MethodPost, "/v1/capsules/0/decrypt", "", tok)
	if r.Status != http.StatusConflict || r.errorCode() != "FV_CAPSULE_LOCKED" {
		t.Errorf("decrypt locked = %d %s", r.Status, r.Body)
	}

	var s model.CapsuleStats
	h.do(t, http.MethodGet, "/v1/stats?viewer="+h.Wallet().Hex(), "", "").data(t, &s)
	if s.Total != 1 || s.Locked != 1 || s.Unlocked != 0 || s.UserTotal != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func (h *Harness) testUnlockAndReveal(t *testing.T) {
	h.clock.Advance(2 * time.Hour)
	tok := h.token(t, h.Wallet().Hex())

	var c model.Capsule
	h.do(t, http.MethodGet, "/v1/capsules/0", "", "").data(t, &c)
	if c.IsLocked {
		t.Fatalf("capsule still locked after unlock time: %+v", c)
	}

	r := h.do(t, http.MethodPost, "/v1/capsules/0/decrypt", "", tok)
	if r.Status != http.StatusOK {
		t.Fatalf("decrypt = %d %s", r.Status, r.Body)
	}
	var res model.DecryptResult
	r.data(t, &res)
	if res.State != "revealed" || res.Content != "see you later" {
		t.Errorf("decrypt result = %+v", res)
	}

	stream := h.do(t, http.MethodPost, "/v1/capsules/0/decrypt?stream=true", "", tok)
	if string(stream.Body) != "see you later" {
		t.Errorf("streamed body = %q", stream.Body)
	}

	if r := h.do(t, http.MethodPost, "/v1/capsules/0/reveal", "", tok); r.Status != http.StatusOK {
		t.Fatalf("reveal = %d %s", r.Status, r.Body)
	}
	h.do(t, http.MethodGet, "/v1/capsules/0", "", "").data(t, &c)
	if !c.IsRevealed {
		t.Errorf("capsule not revealed: %+v", c)
	}
}

func (h *Harness) testListing(t *testing.T) {
	tok := h.token(t, h.Wallet().Hex())
	body := h.createBody("second", "much later", h.clock.Now().Add(48*time.Hour))
	if r := h.do(t, http.MethodPost, "/v1/capsules", body, tok); r.Status != http.StatusCreated {
		t.Fatalf("POST /v1/capsules = %d %s", r.Status, r.Body)
	}

	var all []model.Capsule
	h.do(t, http.MethodGet, "/v1/capsules", "", "").data(t, &all)
	if len(all) != 2 || all[0].ID != 0 || all[1].ID != 1 {
		t.Fatalf("capsules = %+v, want ids [0 1]", all)
	}
	if all[0].IsLocked || !all[1].IsLocked {
		t.Errorf("lock states = %v %v, want false true", all[0].IsLocked, all[1].IsLocked)
	}

	var ids []uint64
	h.do(t, http.MethodGet, "/v1/wallets/"+h.Wallet().Hex()+"/capsules", "", "").data(t, &ids)
	if len(ids) != 2 {
		t.Errorf("wallet capsules = %v, want 2 ids", ids)
	}

	var mine []model.Capsule
	h.do(t, http.MethodGet, "/v1/capsules?creator=0x0000000000000000000000000000000000000001", "", "").data(t, &mine)
	if len(mine) != 0 {
		t.Errorf("foreign creator filter = %d capsules, want 0", len(mine))
	}
}

func (h *Harness) testExportImport(t *testing.T) {
	exp := h.do(t, http.MethodGet, "/v1/export", "", "")
	if exp.Status != http.StatusOK {
		t.Fatalf("export = %d %s", exp.Status, exp.Body)
	}
	if !strings.Contains(exp.Header.Get("Content-Disposition"), "capsules.json") {
		t.Errorf("Content-Disposition = %q", exp.Header.Get("Content-Disposition"))
	}

	imp := h.do(t, http.MethodPost, "/v1/import", string(exp.Body), "")
	if imp.Status != http.StatusOK {
		t.Fatalf("import = %d %s", imp.Status, imp.Body)
	}
	var back []model.Capsule
	imp.data(t, &back)
	if len(back) != 2 || back[0].Title != "first" || back[1].Title != "second" {
		t.Errorf("imported = %+v", back)
	}

	if r := h.do(t, http.MethodPost, "/v1/import", `{"not":"an array"}`, ""); r.errorCode() != "FV_PARSE_FAILURE" {
		t.Errorf("bad import = %d %s, want FV_PARSE_FAILURE", r.Status, r.Body)
	}
}

func (h *Harness) testDrafts(t *testing.T) {
	tok := h.token(t, h.Wallet().Hex())
	if r := h.do(t, http.MethodGet, "/v1/drafts", "", tok); r.Status != http.StatusNotFound {
		t.Errorf("GET empty draft = %d, want 404", r.Status)
	}

	env := `{"version":1,"draft":{"title":"wip","description":"","content":"half","unlockTimestamp":0}}`
	if r := h.do(t, http.MethodPut, "/v1/drafts", env, tok); r.Status != http.StatusOK {
		t.Fatalf("PUT draft = %d %s", r.Status, r.Body)
	}
	var d model.Draft
	h.do(t, http.MethodGet, "/v1/drafts", "", tok).data(t, &d)
	if d.Title != "wip" || d.Content != "half" || d.SavedAt.IsZero() {
		t.Errorf("draft = %+v", d)
	}

	if r := h.do(t, http.MethodDelete, "/v1/drafts", "", tok); r.Status != http.StatusNoContent {
		t.Errorf("DELETE draft = %d", r.Status)
	}
	if r := h.do(t, http.MethodGet, "/v1/drafts", "", tok); r.Status != http.StatusNotFound {
		t.Errorf("GET deleted draft = %d, want 404", r.Status)
	}
}

func (h *Harness) testAuthCompliance(t *testing.T) {
	other := h.token(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"missing token", "", http.StatusUnauthorized, "FV_AUTHN"},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized, "FV_JWT_MALFORMED"},
		{"foreign wallet", other, http.StatusForbidden, "FV_ADDRESS_MISMATCH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.do(t, http.MethodPost, "/v1/capsules/0/reveal", "", tt.token)
			if r.Status != tt.status || r.errorCode() != tt.code {
				t.Errorf("got %d %s, want %d %s", r.Status, r.errorCode(), tt.status, tt.code)
			}
		})
	}
}

func (h *Harness) testErrorEnvelope(t *testing.T) {
	r := h.do(t, http.MethodGet, "/v1/capsules/999", "", "")
	if r.Status != http.StatusNotFound || r.errorCode() != "FV_NOT_FOUND" {
		t.Errorf("missing capsule = %d %s", r.Status, r.Body)
	}
	if r.Header.Get("X-Correlation-ID") == "" {
		t.Error("error response has no correlation id header")
	}
	if r := h.do(t, http.MethodGet, "/v1/capsules/abc", "", ""); r.errorCode() != "FV_VALIDATION" {
		t.Errorf("bad id = %d %s, want FV_VALIDATION", r.Status, r.Body)
	}
}
