package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakePlugin struct {
	info       Info
	configured map[string]any
	resources  map[string]any
	initCalls  int
	startCalls int
	stopCalls  int
	failStart  bool
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) Configure(cfg map[string]any) error {
	f.configured = cfg
	return nil
}

func (f *fakePlugin) Init(*ExecutionContext) error {
	f.initCalls++
	return nil
}

func (f *fakePlugin) Start(ctx *ExecutionContext) error {
	f.startCalls++
	f.resources = ctx.Resources
	if f.failStart {
		return errors.New("start failed")
	}
	return nil
}

func (f *fakePlugin) Stop(*ExecutionContext) error {
	f.stopCalls++
	return nil
}

func TestManagerLifecycle(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	p := &fakePlugin{info: Info{ID: "demo", Category: TypeBehavior}}
	if err := m.Register("demo", p, map[string]any{"lang": "fr"}, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.configured["lang"] != "fr" {
		t.Fatalf("configure did not receive config: %v", p.configured)
	}

	ctx := context.Background()
	if err := m.Start(ctx, "demo"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.initCalls != 1 || p.startCalls != 1 {
		t.Fatalf("unexpected lifecycle calls: init=%d start=%d", p.initCalls, p.startCalls)
	}

	// Starting twice is a no-op.
	if err := m.Start(ctx, "demo"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if p.startCalls != 1 {
		t.Fatalf("start called again on running plugin")
	}

	state, err := m.State("demo")
	if err != nil || state != StateStarted {
		t.Fatalf("unexpected state: %v %v", state, err)
	}

	if err := m.Stop(ctx, "demo"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.stopCalls != 1 {
		t.Fatalf("stop not delivered")
	}
	state, _ = m.State("demo")
	if state != StateStopped {
		t.Fatalf("unexpected state after stop: %v", state)
	}
}

func TestRegisterRejectsMismatchedID(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	p := &fakePlugin{info: Info{ID: "other"}}
	if err := m.Register("demo", p, nil, IsolationPolicy{}); err == nil {
		t.Fatal("expected id mismatch error")
	}
}

func TestCapabilityPolicyEnforcement(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	needsNetwork := &fakePlugin{info: Info{
		ID:           "net",
		Category:     TypeIntegration,
		Capabilities: []Capability{CapabilityNetwork},
	}}
	// Declared capabilities without any policy are rejected.
	if err := m.Register("net", needsNetwork, nil, IsolationPolicy{}); err == nil {
		t.Fatal("expected policy requirement error")
	}

	if err := m.Register("net", needsNetwork, nil, IsolationPolicy{
		AllowedCapabilities: []Capability{CapabilityNetwork},
	}); err != nil {
		t.Fatalf("register with allowing policy: %v", err)
	}

	denied := &fakePlugin{info: Info{
		ID:           "compute",
		Category:     TypeBehavior,
		Capabilities: []Capability{CapabilityCompute},
	}}
	if err := m.Register("compute", denied, nil, IsolationPolicy{
		DeniedCapabilities: []Capability{CapabilityCompute},
	}); err == nil {
		t.Fatal("expected denied capability error")
	}
}

func TestResourcesReachPlugins(t *testing.T) {
	type hostFactory struct{ name string }
	factory := &hostFactory{name: "factory"}

	m, err := NewManager(ManagerConfig{}, WithResource(ResourceAgentFactory, factory))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	p := &fakePlugin{info: Info{ID: "demo", Category: TypeBehavior}}
	if err := m.Register("demo", p, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if got, ok := p.resources[ResourceAgentFactory].(*hostFactory); !ok || got != factory {
		t.Fatalf("factory resource not exposed: %v", p.resources)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
}

func TestStartFailureCleansUp(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	p := &fakePlugin{info: Info{ID: "broken"}, failStart: true}
	if err := m.Register("broken", p, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "broken"); err == nil {
		t.Fatal("expected start error")
	}
	state, _ := m.State("broken")
	if state == StateStarted {
		t.Fatalf("plugin must not be marked started after failure")
	}
}

func TestPluginsListing(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for _, id := range []string{"zeta", "alpha"} {
		p := &fakePlugin{info: Info{ID: id, Category: TypeBehavior}}
		if err := m.Register(id, p, nil, IsolationPolicy{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	infos := m.Plugins()
	if len(infos) != 2 || infos[0].ID != "alpha" || infos[1].ID != "zeta" {
		t.Fatalf("unexpected listing: %+v", infos)
	}
}

func TestLoadManagerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.yaml")
	raw := []byte(`pluginDir: /opt/agoraai/plugins
defaults:
  allowedCapabilities: [network]
plugins:
  translator:
    enabled: false
    path: behavior/translator.so
    config:
      languages: [en, fr]
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PluginDir != "/opt/agoraai/plugins" {
		t.Fatalf("unexpected plugin dir: %q", cfg.PluginDir)
	}
	if len(cfg.Defaults.AllowedCapabilities) != 1 || cfg.Defaults.AllowedCapabilities[0] != CapabilityNetwork {
		t.Fatalf("unexpected defaults: %+v", cfg.Defaults)
	}
	translator, ok := cfg.Plugins["translator"]
	if !ok || translator.Enabled {
		t.Fatalf("unexpected plugin block: %+v", cfg.Plugins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// Enabled plugins must carry a path.
	cfg.Plugins["translator"] = PluginConfig{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for enabled plugin without path")
	}
}
