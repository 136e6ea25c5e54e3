package archive

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/futurevault/futurevault-go/internal/export"
	"github.com/futurevault/futurevault-go/internal/model"
)

// DefaultLinkTTL is how long a presigned download link stays valid.
const DefaultLinkTTL = 15 * time.Minute

// Archiver uploads export documents and returns download links.
type Archiver struct {
	store ObjectStore
	codec *export.Codec
	ttl   time.Duration
	now   func() time.Time
}

// NewArchiver creates an archiver. ttl defaults to DefaultLinkTTL.
func NewArchiver(store ObjectStore, codec *export.Codec, ttl time.Duration) *Archiver {
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	return &Archiver{store: store, codec: codec, ttl: ttl, now: time.Now}
}

// Archive encodes capsules, uploads them under exports/<owner>/<ulid>/capsules.json and
// presigns a download link.
func (a *Archiver) Archive(ctx context.Context, owner string, capsules []model.Capsule) (model.ArchiveResult, error) {
	body, err := a.codec.Encode(capsules)
	if err != nil {
		return model.ArchiveResult{}, err
	}

	now := a.now()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return model.ArchiveResult{}, fmt.Errorf("generate archive id: %w", err)
	}
	key := fmt.Sprintf("exports/%s/%s/%s", strings.ToLower(owner), id.String(), export.Filename)

	if err := a.store.Put(ctx, key, export.ContentType, body); err != nil {
		return model.ArchiveResult{}, err
	}
	url, err := a.store.PresignGet(ctx, key, a.ttl)
	if err != nil {
		return model.ArchiveResult{}, err
	}
	return model.ArchiveResult{
		Key:         key,
		DownloadURL: url,
		ExpiresAt:   now.Add(a.ttl).UTC(),
		Count:       len(capsules),
	}, nil
}
