// Package sections ships the built-in section implementations and the
// default registry the daemon boots with. Sections are polymorphic over
// Start(input, output, channel); new kinds are added with a registry
// entry.
package sections

import (
	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/section"
)

// DefaultRegistry returns the registry with every built-in section.
func DefaultRegistry() *registry.Registry {
	reg := registry.New()
	Register(reg)
	return reg
}

// Register adds the built-in sections to an existing registry.
func Register(reg *registry.Registry) {
	reg.Register("sqlite_source", registry.Entry{
		Decode: func(raw domain.RawConfig) (registry.Config, error) {
			return registry.DecodeJSON[SqliteSourceConfig](raw)
		},
		New: func(cfg registry.Config) (section.Section, error) {
			return newSqliteSource(cfg.(*SqliteSourceConfig))
		},
	})
	reg.Register("sqlite_destination", registry.Entry{
		Decode: func(raw domain.RawConfig) (registry.Config, error) {
			return registry.DecodeJSON[SqliteDestinationConfig](raw)
		},
		New: func(cfg registry.Config) (section.Section, error) {
			return newSqliteDestination(cfg.(*SqliteDestinationConfig))
		},
	})
	reg.Register("tail_source", registry.Entry{
		Decode: func(raw domain.RawConfig) (registry.Config, error) {
			return registry.DecodeJSON[TailSourceConfig](raw)
		},
		New: func(cfg registry.Config) (section.Section, error) {
			return newTailSource(cfg.(*TailSourceConfig))
		},
	})
	reg.Register("transform", registry.Entry{
		Decode: func(raw domain.RawConfig) (registry.Config, error) {
			return registry.DecodeJSON[TransformConfig](raw)
		},
		New: func(cfg registry.Config) (section.Section, error) {
			return newTransform(cfg.(*TransformConfig))
		},
	})
}
