// Package crawl pulls new papers from external sources on a schedule and
// feeds them through the import pipeline. Each source type is an adapter
// behind the Source interface; its JSON config is schema-validated before
// a task is accepted.
package crawl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"horse.fit/bibshelf/internal/record"
)

// ConfigField describes one source_config field so clients can render a
// task form without hardcoding per-source knowledge.
type ConfigField struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	FieldType   string   `json:"field_type"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// SourceMeta is an adapter's self-description: display name, the config
// fields its schema accepts, and the schedules it supports.
type SourceMeta struct {
	Type               string        `json:"type"`
	DisplayName        string        `json:"display_name"`
	Description        string        `json:"description"`
	ConfigFields       []ConfigField `json:"config_fields"`
	SupportedSchedules []string      `json:"supported_schedules"`
}

// Source adapters turn one external feed into import candidates.
// Fetch returns the candidates published since the given time plus
// per-item errors for entries that could not be mapped.
type Source interface {
	Type() string
	Meta() SourceMeta
	Fetch(ctx context.Context, cfg Config, since time.Time) ([]record.Candidate, []record.EntryError, error)
}

// Registry maps source type names to adapters.
type Registry struct {
	sources map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, src := range sources {
		r.sources[src.Type()] = src
	}
	return r
}

// Get returns the adapter for a source type.
func (r *Registry) Get(sourceType string) (Source, error) {
	src, ok := r.sources[sourceType]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
	return src, nil
}

// Has reports whether a source type is registered.
func (r *Registry) Has(sourceType string) bool {
	_, ok := r.sources[sourceType]
	return ok
}

// Types lists registered source types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.sources))
	for name := range r.sources {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Metas lists every registered adapter's self-description, sorted by type.
func (r *Registry) Metas() []SourceMeta {
	metas := make([]SourceMeta, 0, len(r.sources))
	for _, name := range r.Types() {
		metas = append(metas, r.sources[name].Meta())
	}
	return metas
}
