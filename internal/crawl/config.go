package crawl

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/arxiv_rss.schema.json
var arxivRSSSchemaJSON string

//go:embed schema/semantic_scholar.schema.json
var semanticScholarSchemaJSON string

// Config is the decoded source_config of a crawl task. Which fields are
// required depends on the source type; the per-source schema enforces it.
type Config struct {
	Categories       []string `json:"categories,omitempty"`
	FeedURL          string   `json:"feed_url,omitempty"`
	Query            string   `json:"query,omitempty"`
	FieldsOfStudy    []string `json:"fields_of_study,omitempty"`
	Year             string   `json:"year,omitempty"`
	MinCitationCount int      `json:"min_citation_count,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	MaxResults       int      `json:"max_results,omitempty"`
}

type compiledSchema struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

var sourceSchemas = map[string]*struct {
	raw      string
	compiled compiledSchema
}{
	SourceArxivRSS:        {raw: arxivRSSSchemaJSON},
	SourceSemanticScholar: {raw: semanticScholarSchemaJSON},
}

// ValidateConfig checks a task's source_config against its source type's
// schema and returns the decoded config.
func ValidateConfig(sourceType string, payload json.RawMessage) (*Config, error) {
	entry, ok := sourceSchemas[sourceType]
	if !ok {
		return nil, fmt.Errorf("no config schema for source type %q", sourceType)
	}

	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode source config: %w", err)
	}

	schema, err := entry.compiled.load(sourceType, entry.raw)
	if err != nil {
		return nil, fmt.Errorf("load source config schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("source config validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize source config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal source config: %w", err)
	}
	return &cfg, nil
}

func (c *compiledSchema) load(name, raw string) (*jsonschema.Schema, error) {
	c.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		resource := name + ".schema.json"
		if err := compiler.AddResource(resource, strings.NewReader(raw)); err != nil {
			c.err = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			c.err = fmt.Errorf("compile schema: %w", err)
			return
		}
		c.schema = schema
	})

	if c.err != nil {
		return nil, c.err
	}
	if c.schema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return c.schema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}
