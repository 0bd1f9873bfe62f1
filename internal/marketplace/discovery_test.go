package marketplace

import (
	"testing"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/catalog"
)

func TestDiscoverServicesFiltersByCapability(t *testing.T) {
	discovery := NewDiscovery()

	discovery.RegisterService("bob", []string{"data_processing"}, []catalog.Capability{
		{Name: "data_processing", Type: catalog.TypeDataProcessing},
		{Name: "data_analysis", Type: catalog.TypeAnalysis},
	})
	discovery.RegisterService("carol", []string{"data_processing", "data_storage"}, []catalog.Capability{
		{Name: "data_processing", Type: catalog.TypeDataProcessing},
	})

	all := discovery.DiscoverServices("data_processing", nil)
	if len(all) != 2 || all[0] != "bob" || all[1] != "carol" {
		t.Fatalf("unexpected providers: %v", all)
	}

	analysts := discovery.DiscoverServices("data_processing", []string{"data_analysis"})
	if len(analysts) != 1 || analysts[0] != "bob" {
		t.Fatalf("expected only bob to declare data_analysis, got %v", analysts)
	}

	if got := discovery.DiscoverServices("model_training", nil); len(got) != 0 {
		t.Fatalf("expected no providers for unknown type, got %v", got)
	}

	types := discovery.ServiceTypes()
	if len(types) != 2 || types[0] != "data_processing" || types[1] != "data_storage" {
		t.Fatalf("unexpected service types: %v", types)
	}
}

func TestUnregisterServiceRemovesAllTypes(t *testing.T) {
	discovery := NewDiscovery()
	discovery.RegisterService("carol", []string{"data_processing", "data_storage"}, nil)

	discovery.UnregisterService("carol")

	if got := discovery.DiscoverServices("data_processing", nil); len(got) != 0 {
		t.Fatalf("expected carol removed from data_processing, got %v", got)
	}
	if got := discovery.ServiceTypes(); len(got) != 0 {
		t.Fatalf("expected empty service types, got %v", got)
	}
	if got := discovery.AgentCapabilities("carol"); len(got) != 0 {
		t.Fatalf("expected no capabilities, got %v", got)
	}
}

func TestEvictStaleRemovesIdleAgents(t *testing.T) {
	discovery := NewDiscovery()
	discovery.RegisterService("bob", []string{"data_processing"}, nil)
	discovery.RegisterService("carol", []string{"data_processing"}, nil)

	discovery.mu.Lock()
	discovery.agents["bob"].lastSeen = time.Now().Add(-5 * time.Minute)
	discovery.mu.Unlock()

	discovery.UpdateLastSeen("carol")
	discovery.evictStale(2 * time.Minute)

	remaining := discovery.DiscoverServices("data_processing", nil)
	if len(remaining) != 1 || remaining[0] != "carol" {
		t.Fatalf("expected only carol to survive eviction, got %v", remaining)
	}
}
