package plugin

import "context"

// Plugin is the contract every agoraaid extension satisfies. Behavior plugins
// typically register new agent types on the host factory during Start, while
// integration plugins bridge marketplace events to external systems.
type Plugin interface {
	// Info returns the static metadata for the plugin.
	Info() Info
	// Configure hands the plugin its configuration block before any other
	// lifecycle hook runs. Implementations may mutate the map to inject defaults.
	Configure(cfg map[string]any) error
	// Init prepares internal state. Host resources are already available.
	Init(ctx *ExecutionContext) error
	// Start activates the plugin. Long running work must respect ctx.C.
	Start(ctx *ExecutionContext) error
	// Stop halts the plugin and releases whatever Start acquired.
	Stop(ctx *ExecutionContext) error
}

// ExecutionContext carries the host's cancellation signal, the plugin's
// configuration, and the shared resources agoraaid exposes under the
// well-known Resource* keys.
type ExecutionContext struct {
	// C is the context for cancellation and deadlines.
	C context.Context
	// Config is the plugin's configuration block merged with manager overrides.
	Config map[string]any
	// Resources exposes shared services supplied by the host.
	Resources map[string]any
}

// Resource looks up a shared host resource by key.
func (c *ExecutionContext) Resource(key string) (any, bool) {
	if c == nil || c.Resources == nil {
		return nil, false
	}
	v, ok := c.Resources[key]
	return v, ok
}

// String reads a string-valued configuration entry, falling back to def when
// the key is absent or holds a different type.
func (c *ExecutionContext) String(key, def string) string {
	if c == nil || c.Config == nil {
		return def
	}
	if s, ok := c.Config[key].(string); ok {
		return s
	}
	return def
}

// Clone returns a copy with duplicated maps so plugins can mutate their view
// without affecting the manager or sibling plugins.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default shared-object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource exposes a shared host service to every plugin under key.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
