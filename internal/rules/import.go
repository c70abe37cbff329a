package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"accesscache/internal/access"
)

const importSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["resources"],
  "additionalProperties": false,
  "properties": {
    "resources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "id", "access"],
        "additionalProperties": false,
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "id": {"type": "integer", "minimum": 1},
          "access": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["key"],
              "additionalProperties": false,
              "properties": {
                "key": {"enum": ["product_id", "product_category_id", "user_group_id", "free", "free_without_login", "special"]},
                "id": {"type": "integer"},
                "start": {"type": "string"},
                "stop": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

// ImportDocument is an access list file: the complete rule list of each
// named resource.
type ImportDocument struct {
	Resources []ImportResource `json:"resources"`
}

type ImportResource struct {
	Type   string       `json:"type"`
	ID     int64        `json:"id"`
	Access []ImportItem `json:"access"`
}

type ImportItem struct {
	Key   string `json:"key"`
	ID    int64  `json:"id"`
	Start string `json:"start"`
	Stop  string `json:"stop"`
}

var compiledImportSchema = mustCompileImportSchema()

func mustCompileImportSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("access_import.json", bytes.NewReader([]byte(importSchema))); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("access_import.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseImport decodes a YAML or JSON access list document and validates it
// against the import schema.
func ParseImport(data []byte) (ImportDocument, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ImportDocument{}, fmt.Errorf("decode import: %w", err)
	}
	// Round trip through JSON so the validator and the decoder see the same
	// value types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return ImportDocument{}, fmt.Errorf("decode import: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return ImportDocument{}, fmt.Errorf("decode import: %w", err)
	}
	if err := compiledImportSchema.Validate(generic); err != nil {
		return ImportDocument{}, fmt.Errorf("invalid import: %w", err)
	}

	var doc ImportDocument
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return ImportDocument{}, fmt.Errorf("decode import: %w", err)
	}
	return doc, nil
}

// Items converts the resource's entries into access list items.
func (r ImportResource) Items() ([]Item, error) {
	items := make([]Item, 0, len(r.Access))
	for _, a := range r.Access {
		kind, err := access.ParseKind(a.Key)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: access.RuleKey{Kind: kind, ID: a.ID}, Start: a.Start, Stop: a.Stop})
	}
	return items, nil
}

// ImportReport counts what Apply changed.
type ImportReport struct {
	Resources int
	Rules     int
	Unchanged int
}

// Apply replaces the access list of every resource in doc. Resources whose
// current rules already hash equal to the document are left alone.
func (doc ImportDocument) Apply(ctx context.Context, store RuleStore) (ImportReport, error) {
	var report ImportReport
	for _, res := range doc.Resources {
		items, err := res.Items()
		if err != nil {
			return report, fmt.Errorf("%s %d: %w", res.Type, res.ID, err)
		}
		wanted, err := ParseItems(res.ID, res.Type, items)
		if err != nil {
			return report, err
		}
		current, err := store.ListRules(ctx, res.ID, res.Type)
		if err != nil {
			return report, fmt.Errorf("list rules for %s %d: %w", res.Type, res.ID, err)
		}
		if AccessListHash(current) == AccessListHash(wanted) {
			report.Unchanged++
			continue
		}
		if err := SetAccess(ctx, store, res.ID, res.Type, items); err != nil {
			return report, err
		}
		report.Resources++
		report.Rules += len(items)
	}
	return report, nil
}
