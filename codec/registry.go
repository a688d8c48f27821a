package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds a fresh codec instance.
type Factory func() Codec

// Registry resolves codec names such as "gob" or "raw+zstd". Names are a
// base codec optionally followed by one compression suffix.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the builtin codecs.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{
		"gob":   func() Codec { return Gob{} },
		"json":  func() Codec { return NewJSON[any]() },
		"raw":   func() Codec { return Raw{} },
		"proto": func() Codec { return Proto{} },
	}}
}

// Register adds or replaces a base codec.
func (r *Registry) Register(name string, f Factory) {
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = f
}

// Names lists the registered base codecs.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup builds the codec for name.
func (r *Registry) Lookup(name string) (Codec, error) {
	base, suffix, compressed := strings.Cut(name, "+")
	f, ok := r.factories[base]
	if !ok || base == "" {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownCodec, name, strings.Join(r.Names(), ", "))
	}
	c := f()
	if !compressed {
		return c, nil
	}
	alg, err := ParseAlgorithm(suffix)
	if err != nil {
		return nil, err
	}
	return NewCompressed(c, alg)
}

// Lookup resolves name against the builtin codecs.
func Lookup(name string) (Codec, error) {
	return NewRegistry().Lookup(name)
}
