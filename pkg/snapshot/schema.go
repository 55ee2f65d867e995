package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrCorrupt marks a persisted snapshot that cannot be trusted. Ensure treats
// it like a missing snapshot and rebuilds.
var ErrCorrupt = errors.New("persisted snapshot is corrupt")

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["format_version", "file_count", "sha256", "created_at", "manifest"],
  "properties": {
    "format_version": {"type": "integer", "minimum": 1},
    "file_count": {"type": "integer", "minimum": 0},
    "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "created_at": {"type": "string", "minLength": 1},
    "manifest": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["path", "sha256"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var (
	schemaLoader     gojsonschema.JSONLoader
	schemaLoaderOnce sync.Once
)

type schemaValidationError struct {
	issues []string
}

func (e schemaValidationError) Error() string {
	if len(e.issues) == 0 {
		return "snapshot failed schema validation"
	}
	return strings.Join(e.issues, "; ")
}

func (e schemaValidationError) Unwrap() error { return ErrCorrupt }

// validateDocument checks raw snapshot JSON against the manifest schema.
func validateDocument(raw []byte) error {
	schemaLoaderOnce.Do(func() {
		schemaLoader = gojsonschema.NewStringLoader(manifestSchema)
	})

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		// Unparseable JSON surfaces here rather than as a schema issue.
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return schemaValidationError{issues: issues}
}
