// Package schema validates relay request bodies against the JSON schemas
// embedded under schemas/.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/thorgate/relay/internal/models"
)

// Request kinds, named after the schema files.
const (
	KindChat      = "chat"
	KindEmbedding = "embedding"
)

//go:embed schemas/*.json
var files embed.FS

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema. A file named chat.v1.json
// is registered under the kind "chat".
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(files, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		kind := strings.TrimSuffix(strings.TrimSuffix(name, ".json"), ".v1")
		data, err := files.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		schemas[kind], err = jsonschema.CompileString("https://relay.local/schemas/"+name, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// MustNewValidator panics if the embedded schemas do not compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate rejects body unless it is JSON matching the schema for kind.
// Failures wrap models.ErrValidation.
func (v *Validator) Validate(kind string, body []byte) error {
	s, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("unknown request kind %q", kind)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", models.ErrValidation, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}
