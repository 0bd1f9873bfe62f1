package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// PluginSymbol is the exported symbol name a shared object must provide.
const PluginSymbol = "Plugin"

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader opens shared objects built with -buildmode=plugin. The object
// must export a PluginSymbol that is a Plugin value, a pointer to one, or a
// func() Plugin constructor.
type GoPluginLoader struct{}

// Load opens the shared object at path and resolves its Plugin symbol.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup(PluginSymbol)
	if err != nil {
		return nil, err
	}
	p, err := asPlugin(symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func asPlugin(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, fmt.Errorf("symbol %s must implement plugin.Plugin", PluginSymbol)
	}
}
