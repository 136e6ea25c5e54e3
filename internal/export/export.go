// Package export serializes capsule lists to a portable JSON document and reads them back.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	errordefs "github.com/futurevault/futurevault-go/internal/errors"
	"github.com/futurevault/futurevault-go/internal/model"
	"github.com/futurevault/futurevault-go/internal/schema"
)

// Filename is the suggested download name of an export document.
const Filename = "capsules.json"

// ContentType of an export document.
const ContentType = "application/json"

// Codec encodes and decodes export documents.
type Codec struct {
	validator *schema.Validator
}

// NewCodec creates a codec that validates imports with validator.
func NewCodec(validator *schema.Validator) *Codec {
	return &Codec{validator: validator}
}

// Encode renders capsules as a JSON array indented by two spaces. A nil list encodes as [].
func (c *Codec) Encode(capsules []model.Capsule) ([]byte, error) {
	if capsules == nil {
		capsules = []model.Capsule{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(capsules); err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses an export document. Anything that is not a well-formed capsule array is a
// ParseFailure, with schema violations listed in the error details.
func (c *Codec) Decode(data []byte) ([]model.Capsule, error) {
	if _, err := c.validator.Validate(schema.DocExport, data); err != nil {
		if verr, ok := err.(*schema.ValidationError); ok {
			return nil, errordefs.NewWithDetails(errordefs.FV_PARSE_FAILURE,
				"import file is not a valid capsule export", "", verr.Problems)
		}
		return nil, errordefs.Wrap(errordefs.FV_PARSE_FAILURE, err)
	}

	var capsules []model.Capsule
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&capsules); err != nil {
		return nil, errordefs.Wrap(errordefs.FV_PARSE_FAILURE, err)
	}
	if dec.More() {
		return nil, errordefs.New(errordefs.FV_PARSE_FAILURE, "trailing data after capsule array", "")
	}
	return capsules, nil
}
