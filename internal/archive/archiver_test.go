package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/futurevault/futurevault-go/internal/export"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/schema"
)

type memoryStore struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryStore) Put(_ context.Context, key, contentType string, body []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = body
	m.types[key] = contentType
	return nil
}

func (m *memoryStore) PresignGet(_ context.Context, key string, expires time.Duration) (string, error) {
	return "https://s3.example.test/" + key + "?X-Amz-Expires=" + expires.String(), nil
}

func newArchiver(t *testing.T, store ObjectStore) *Archiver {
	t.Helper()
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	a := NewArchiver(store, export.NewCodec(v), 0)
	a.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func TestArchive(t *testing.T) {
	store := newMemoryStore()
	a := newArchiver(t, store)
	caps := []model.Capsule{{ID: 3, Creator: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", UnlockTimestamp: 10}}

	res, err := a.Archive(context.Background(), "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266", caps)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasPrefix(res.Key, "exports/0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266/") || !strings.HasSuffix(res.Key, "/capsules.json") {
		t.Errorf("Key = %q", res.Key)
	}
	if res.Count != 1 || !strings.Contains(res.DownloadURL, res.Key) {
		t.Errorf("result = %+v", res)
	}
	if want := time.Date(2026, 5, 1, 0, 15, 0, 0, time.UTC); !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}
	if store.types[res.Key] != "application/json" {
		t.Errorf("content type = %q", store.types[res.Key])
	}
	if !strings.Contains(string(store.objects[res.Key]), `"id": 3`) {
		t.Errorf("uploaded body = %s", store.objects[res.Key])
	}
}

func TestArchiveUploadFailure(t *testing.T) {
	store := newMemoryStore()
	store.putErr = errors.New("bucket missing")
	if _, err := newArchiver(t, store).Archive(context.Background(), "0xabc", nil); err == nil {
		t.Error("expected the upload error")
	}
}
