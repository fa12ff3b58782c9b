package registry

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/section"
)

type fakeConfig struct {
	Kind string `json:"name"`
	Path string `json:"path"`
	Port int64  `json:"port"`
}

func (c *fakeConfig) Name() string    { return c.Kind }
func (c *fakeConfig) Fields() []Field { return FieldsOf(c) }

func fakeEntry() Entry {
	return Entry{
		Decode: func(raw domain.RawConfig) (Config, error) {
			return DecodeJSON[fakeConfig](raw)
		},
		New: func(Config) (section.Section, error) { return nil, nil },
	}
}

func TestDecodeUnknownNameRejected(t *testing.T) {
	reg := New()
	_, err := reg.DecodeConfig(domain.RawConfig{"name": "who_knows"})
	if !errors.Is(err, domain.ErrUnknownSection) {
		t.Fatalf("err = %v, want ErrUnknownSection", err)
	}
}

func TestDecodeTypedConfig(t *testing.T) {
	reg := New()
	reg.Register("fake", fakeEntry())
	if !reg.Known("fake") {
		t.Fatal("registered name not known")
	}

	cfg, err := reg.DecodeConfig(domain.RawConfig{"name": "fake", "path": "/tmp/x", "port": 5432})
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	typed, ok := cfg.(*fakeConfig)
	if !ok {
		t.Fatalf("config type = %T", cfg)
	}
	if typed.Path != "/tmp/x" || typed.Port != 5432 {
		t.Errorf("decoded config = %+v", typed)
	}
}

func TestFieldsOfSortedByName(t *testing.T) {
	cfg := &fakeConfig{Kind: "fake", Path: "/tmp/x", Port: 1}
	fields := cfg.Fields()
	want := []Field{
		{Name: "name", Value: "fake"},
		{Name: "path", Value: "/tmp/x"},
		{Name: "port", Value: "1"},
	}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
}
