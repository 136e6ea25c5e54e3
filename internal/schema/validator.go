// internal/schema/validator.go
// Package schema provides JSON schema validation for vault documents.
// Export files, persisted drafts and capsule submissions are checked before they are trusted.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document kinds known to the validator.
const (
	DocExport        = "futurevault.export"         // Exported capsule list
	DocDraft         = "futurevault.draft"          // Persisted draft envelope
	DocCreateCapsule = "futurevault.capsule.create" // Create-capsule request body
)

// SchemaVersions maps document kinds to their current schema versions.
var SchemaVersions = map[string]string{
	DocExport:        "1.0.0",
	DocDraft:         "1.0.0",
	DocCreateCapsule: "1.0.0",
}

const capsuleSchema = `{
  "type":"object",
  "required":["id","creator","unlockTimestamp"],
  "properties":{
    "id":{"type":"integer","minimum":0},
    "creator":{"type":"string","pattern":"^0x[0-9a-fA-F]{40}$"},
    "title":{"type":"string"},
    "description":{"type":"string"},
    "unlockTimestamp":{"type":"integer"},
    "encryptedContent":{"type":"string","pattern":"^0x([0-9a-fA-F]{2})*$"},
    "isRevealed":{"type":"boolean"},
    "isLocked":{"type":"boolean"}
  }
}`

var schemaSources = map[string]string{
	DocExport: `{"type":"array","items":` + capsuleSchema + `}`,
	DocDraft: `{
  "type":"object",
  "required":["version","draft"],
  "properties":{
    "version":{"type":"integer","enum":[1]},
    "draft":{
      "type":"object",
      "properties":{
        "title":{"type":"string","maxLength":256},
        "description":{"type":"string","maxLength":2048},
        "content":{"type":"string","maxLength":65536},
        "unlockTimestamp":{"type":"integer"},
        "savedAt":{"type":"string"}
      }
    }
  }
}`,
	DocCreateCapsule: `{
  "type":"object",
  "required":["title","content","unlockTimestamp"],
  "properties":{
    "title":{"type":"string","minLength":1,"maxLength":256},
    "description":{"type":"string","maxLength":2048},
    "content":{"type":"string","minLength":1,"maxLength":65536},
    "unlockTimestamp":{"type":"integer","minimum":1},
    "encrypt":{"type":"boolean"},
    "idempotencyKey":{"type":"string","maxLength":128}
  }
}`,
}

// ValidationError lists the schema violations of a document.
type ValidationError struct {
	Doc      string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Problems, "; "))
}

// Validator validates documents against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Compiled schemas by document kind
}

// NewValidator compiles every known schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for doc, src := range schemaSources {
		if err := v.loadSchema(doc, src); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema parses and compiles the schema for one document kind.
func (v *Validator) loadSchema(doc, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", doc, err)
	}
	v.schemas[doc] = schema
	return nil
}

// Validate checks raw JSON against the schema for doc and returns the schema version used.
// Malformed JSON is reported as a plain error; schema violations as *ValidationError.
func (v *Validator) Validate(doc string, raw []byte) (string, error) {
	schema, exists := v.schemas[doc]
	if !exists {
		return "", fmt.Errorf("schema not found for document: %s", doc)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return "", fmt.Errorf("malformed JSON: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return "", &ValidationError{Doc: doc, Problems: problems}
	}
	return SchemaVersions[doc], nil
}

// ValidateValue marshals value and validates it as doc.
func (v *Validator) ValidateValue(doc string, value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", doc, err)
	}
	return v.Validate(doc, raw)
}
