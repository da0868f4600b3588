package config

import (
	"fmt"
	"maps"
	"slices"

	"dario.cat/mergo"
)

// Merge layers file and cli over defaults and returns a new value.
// Later layers win for scalars; list fields are concatenated in layer order.
// No argument is modified. Nil layers are skipped.
func Merge(defaults, file, cli *Config) (*Config, error) {
	out := &Config{}
	for i, layer := range []*Config{defaults, file, cli} {
		if layer == nil {
			continue
		}
		if err := mergo.Merge(out, layer.clone(),
			mergo.WithOverride,
			mergo.WithAppendSlice,
			mergo.WithoutDereference,
		); err != nil {
			return nil, fmt.Errorf("failed to merge config layer %d: %w", i, err)
		}
	}
	return out, nil
}

// clone copies c so that merging never aliases a layer's slices or maps.
func (c *Config) clone() *Config {
	cp := *c
	cp.Inject = slices.Clone(c.Inject)
	cp.Interceptor = slices.Clone(c.Interceptor)
	cp.Execute = slices.Clone(c.Execute)
	cp.Env = slices.Clone(c.Env)
	cp.Logging.Categories = maps.Clone(c.Logging.Categories)
	cp.Watch = cloneBool(c.Watch)
	cp.Headless = cloneBool(c.Headless)
	cp.DevTools = cloneBool(c.DevTools)
	cp.ChromeOutput = cloneBool(c.ChromeOutput)
	cp.Interceptors.Isolate = cloneBool(c.Interceptors.Isolate)
	return &cp
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	return Bool(*b)
}
