package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/model"
)

// DraftVersion is the current draft envelope version.
const DraftVersion = 1

// DraftEnvelope is the persisted form of a draft.
type DraftEnvelope struct {
	Version int         `json:"version"`
	Draft   model.Draft `json:"draft"`
}

// EncodeDraft wraps d in the current envelope.
func EncodeDraft(d model.Draft) ([]byte, error) {
	b, err := json.Marshal(DraftEnvelope{Version: DraftVersion, Draft: d})
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	return b, nil
}

// DecodeDraft reads a persisted envelope. Unknown versions and malformed rows are ParseFailure.
func DecodeDraft(raw []byte) (*model.Draft, error) {
	var env DraftEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errordefs.Wrap(errordefs.FV_PARSE_FAILURE, fmt.Errorf("stored draft is corrupt: %w", err))
	}
	if env.Version != DraftVersion {
		return nil, errordefs.New(errordefs.FV_PARSE_FAILURE,
			fmt.Sprintf("unsupported draft version %d", env.Version), "")
	}
	return &env.Draft, nil
}

// ownerKey normalizes a wallet address for use as a storage key.
func ownerKey(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}
