// Package registry maps section names to their typed configs and
// constructors. A graph whose node carries a name the registry does not
// know is rejected at ingest time.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/section"
)

// Field is one (name, value) pair of a section config, value rendered to
// its canonical string form. Fields feed the subgraph fingerprint.
type Field struct {
	Name  string
	Value string
}

// Config is a validated, typed section configuration.
type Config interface {
	// Name returns the section type tag, e.g. "sqlite_source".
	Name() string
	// Fields enumerates the config's fields for fingerprinting.
	Fields() []Field
}

// Entry describes one known section type.
type Entry struct {
	// Decode turns a raw wire config into the typed config.
	Decode func(domain.RawConfig) (Config, error)
	// New constructs the section from its validated config.
	New func(Config) (section.Section, error)
}

// Registry holds the known section types.
type Registry struct {
	entries map[string]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a section type. Later registrations replace earlier ones.
func (r *Registry) Register(name string, entry Entry) {
	r.entries[name] = entry
}

// Known reports whether the registry knows the given section name.
func (r *Registry) Known(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// DecodeConfig validates and types a raw wire config by its name.
func (r *Registry) DecodeConfig(raw domain.RawConfig) (Config, error) {
	name := raw.Name()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSection, name)
	}
	cfg, err := entry.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %q config: %w", name, err)
	}
	return cfg, nil
}

// NewSection constructs a section from a config produced by DecodeConfig.
func (r *Registry) NewSection(cfg Config) (section.Section, error) {
	entry, ok := r.entries[cfg.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSection, cfg.Name())
	}
	sec, err := entry.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct %q: %w", cfg.Name(), err)
	}
	return sec, nil
}

// DecodeJSON is the common Decode implementation: a JSON round trip from
// the raw map into the typed config struct.
func DecodeJSON[T any](raw domain.RawConfig) (*T, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode raw config: %w", err)
	}
	var cfg T
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FieldsOf renders a config struct's wire form into sorted fields. Nested
// values are rendered as compact JSON.
func FieldsOf(cfg Config) []Field {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	fields := make([]Field, 0, len(m))
	for name, raw := range m {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		fields = append(fields, Field{Name: name, Value: s})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}
