// Package tools provides the data-driven tool catalog and the per-user
// tool filter. The catalog validates tool arguments against their
// parameter schemas and formats definitions into the strict JSON-Schema
// shape the LLM expects.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/llm"
)

// Catalog is the immutable, indexed tool registry. Built once at
// startup from declarative configuration; safe for concurrent reads.
type Catalog struct {
	defs       []config.ToolDefinition
	byName     map[string]*config.ToolDefinition
	byCategory map[string][]*config.ToolDefinition
	byProvider map[string][]*config.ToolDefinition
	schemas    map[string]*jsonschema.Schema
}

// NewCatalog indexes the definitions and compiles each parameter schema.
func NewCatalog(defs []config.ToolDefinition) (*Catalog, error) {
	c := &Catalog{
		defs:       defs,
		byName:     make(map[string]*config.ToolDefinition, len(defs)),
		byCategory: make(map[string][]*config.ToolDefinition),
		byProvider: make(map[string][]*config.ToolDefinition),
		schemas:    make(map[string]*jsonschema.Schema, len(defs)),
	}

	compiler := jsonschema.NewCompiler()
	for i := range defs {
		def := &defs[i]
		if _, dup := c.byName[def.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", def.Name)
		}
		c.byName[def.Name] = def
		// Category casing is canonicalized so keyword-detected categories
		// always match, whatever case the config used.
		if canon, ok := config.CanonicalCategory(def.Category); ok {
			def.Category = canon
		}
		c.byCategory[def.Category] = append(c.byCategory[def.Category], def)
		if def.ProviderKey != "" {
			c.byProvider[def.ProviderKey] = append(c.byProvider[def.ProviderKey], def)
		}

		if def.Parameters == nil {
			continue
		}
		schema, err := compileSchema(compiler, def.Name, def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", def.Name, err)
		}
		c.schemas[def.Name] = schema
	}
	return c, nil
}

// compileSchema round-trips the YAML parameter tree through JSON so the
// validator sees canonical JSON values, then compiles it.
func compileSchema(compiler *jsonschema.Compiler, name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(stripNonStandard(params))
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse parameter schema: %w", err)
	}
	url := "inline://tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// GetAll returns every tool definition.
func (c *Catalog) GetAll() []config.ToolDefinition {
	return c.defs
}

// GetByName returns the definition for name, or false.
func (c *Catalog) GetByName(name string) (*config.ToolDefinition, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// GetByCategory returns all definitions in a category.
func (c *Catalog) GetByCategory(category string) []*config.ToolDefinition {
	return c.byCategory[category]
}

// GetByProviderKey returns all definitions bound to a provider key.
func (c *Catalog) GetByProviderKey(key string) []*config.ToolDefinition {
	return c.byProvider[key]
}

// GetInputSchema returns the raw parameter tree for a tool.
func (c *Catalog) GetInputSchema(name string) (map[string]any, bool) {
	def, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return def.Parameters, true
}

// GetProviderKey returns the provider key for a tool.
func (c *Catalog) GetProviderKey(name string) (string, bool) {
	def, ok := c.byName[name]
	if !ok {
		return "", false
	}
	return def.ProviderKey, true
}

// Validate checks args against the tool's compiled parameter schema.
// A failure returns a SchemaError naming the missing/invalid fields.
func (c *Catalog) Validate(name string, args map[string]any) error {
	def, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	schema, ok := c.schemas[name]
	if !ok {
		return nil // tool takes no parameters
	}

	// Round-trip through JSON so numbers and nested values are in the
	// shape the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return &SchemaError{
			Tool:    name,
			Missing: missingRequired(def.Parameters, args),
			Cause:   err,
		}
	}
	return nil
}

// SchemaError reports an argument validation failure.
type SchemaError struct {
	Tool    string
	Missing []string
	Cause   error
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("tool %s: missing required fields: %s", e.Tool, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("tool %s: invalid arguments: %v", e.Tool, e.Cause)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

// missingRequired lists top-level required fields absent from args.
func missingRequired(params map[string]any, args map[string]any) []string {
	req, ok := params["required"].([]any)
	if !ok {
		return nil
	}
	var missing []string
	for _, r := range req {
		field, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := args[field]; !present {
			missing = append(missing, field)
		}
	}
	return missing
}

// FormatForLLM converts a subset of definitions into strict
// JSON-Schema-compatible function definitions. Non-standard flags
// (e.g. "optional") are stripped.
func FormatForLLM(defs []config.ToolDefinition) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		params := stripNonStandard(def.Parameters)
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}
	return specs
}

// nonStandardFlags are keys allowed in tool configuration but not part
// of JSON Schema. They never reach the LLM or the validator.
var nonStandardFlags = map[string]bool{
	"optional": true,
	"display":  true,
}

// stripNonStandard deep-copies a schema tree without non-standard keys.
func stripNonStandard(tree map[string]any) map[string]any {
	if tree == nil {
		return nil
	}
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		if nonStandardFlags[k] {
			continue
		}
		out[k] = stripValue(v)
	}
	return out
}

func stripValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return stripNonStandard(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripValue(item)
		}
		return out
	default:
		return v
	}
}
