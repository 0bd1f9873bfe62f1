package marketplace

import (
	"testing"
	"time"
)

func TestFindMatchPicksCheapestCompatibleOffer(t *testing.T) {
	matcher := NewMatcher()

	matcher.AddOffer(ServiceOffer{ProviderID: "p1", ServiceType: "data_processing", Price: 8, Capabilities: map[string]float64{"throughput": 10}})
	matcher.AddOffer(ServiceOffer{ProviderID: "p2", ServiceType: "data_processing", Price: 5, Capabilities: map[string]float64{"throughput": 10}})
	matcher.AddOffer(ServiceOffer{ProviderID: "p3", ServiceType: "data_storage", Price: 1, Capabilities: map[string]float64{"throughput": 10}})

	request := ServiceRequest{
		RequesterID:  "alice",
		ServiceType:  "data_processing",
		Requirements: map[string]float64{"throughput": 8},
		MaxPrice:     10,
	}

	offer, ok := matcher.FindMatch(request)
	if !ok {
		t.Fatalf("expected a match")
	}
	if offer.ProviderID != "p2" {
		t.Fatalf("expected cheapest provider p2, got %s", offer.ProviderID)
	}
}

func TestFindMatchRejectsIncompatibleOffers(t *testing.T) {
	matcher := NewMatcher()
	matcher.AddOffer(ServiceOffer{ProviderID: "p1", ServiceType: "data_processing", Price: 20, Capabilities: map[string]float64{"throughput": 10}})
	matcher.AddOffer(ServiceOffer{ProviderID: "p2", ServiceType: "data_processing", Price: 5, Capabilities: map[string]float64{"throughput": 2}})

	request := ServiceRequest{
		RequesterID:  "alice",
		ServiceType:  "data_processing",
		Requirements: map[string]float64{"throughput": 8},
		MaxPrice:     10,
	}
	if _, ok := matcher.FindMatch(request); ok {
		t.Fatalf("expected no match: p1 over budget, p2 under capability")
	}

	expired := ServiceRequest{
		RequesterID: "bob",
		ServiceType: "data_processing",
		MaxPrice:    30,
		Deadline:    time.Now().Add(-time.Minute),
	}
	if _, ok := matcher.FindMatch(expired); ok {
		t.Fatalf("expected no match for expired request")
	}
}

func TestFindMatchesOnePerRequester(t *testing.T) {
	matcher := NewMatcher()

	matcher.AddOffer(ServiceOffer{ProviderID: "p1", ServiceType: "data_processing", Price: 5})
	matcher.AddOffer(ServiceOffer{ProviderID: "p2", ServiceType: "data_storage", Price: 3})

	matcher.AddRequest(ServiceRequest{RequesterID: "alice", ServiceType: "data_processing", Priority: 1, MaxPrice: 10})
	matcher.AddRequest(ServiceRequest{RequesterID: "alice", ServiceType: "data_storage", Priority: 5, MaxPrice: 10})
	matcher.AddRequest(ServiceRequest{RequesterID: "bob", ServiceType: "data_processing", Priority: 3, MaxPrice: 10})

	matches := matcher.FindMatches(0)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Request.RequesterID != "alice" || matches[0].Offer.ProviderID != "p2" {
		t.Fatalf("expected alice's high priority storage request first, got %+v", matches[0])
	}
	if matches[1].Request.RequesterID != "bob" {
		t.Fatalf("expected bob second, got %+v", matches[1])
	}
}

func TestRequestOrderingPrefersPriorityThenDeadline(t *testing.T) {
	matcher := NewMatcher()

	soon := time.Now().Add(time.Hour)
	later := time.Now().Add(2 * time.Hour)

	matcher.AddRequest(ServiceRequest{RequesterID: "r1", ServiceType: "s", Priority: 1})
	matcher.AddRequest(ServiceRequest{RequesterID: "r2", ServiceType: "s", Priority: 2, Deadline: later})
	matcher.AddRequest(ServiceRequest{RequesterID: "r3", ServiceType: "s", Priority: 2, Deadline: soon})

	matcher.AddOffer(ServiceOffer{ProviderID: "p", ServiceType: "s", Price: 0})
	matches := matcher.FindMatches(10)
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	order := []string{matches[0].Request.RequesterID, matches[1].Request.RequesterID, matches[2].Request.RequesterID}
	if order[0] != "r3" || order[1] != "r2" || order[2] != "r1" {
		t.Fatalf("unexpected match order: %v", order)
	}
}

func TestRemoveRequestAndOffer(t *testing.T) {
	matcher := NewMatcher()
	matcher.AddRequest(ServiceRequest{RequesterID: "alice", ServiceType: "s", MaxPrice: 10})
	matcher.AddOffer(ServiceOffer{ProviderID: "p1", ServiceType: "s", Price: 5})

	matcher.RemoveOffer("p1")
	if matcher.ActiveOffers() != 0 {
		t.Fatalf("expected offers to be removed")
	}
	matcher.RemoveRequest("alice")
	if matcher.PendingRequests() != 0 {
		t.Fatalf("expected requests to be removed")
	}
}
