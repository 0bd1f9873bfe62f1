package marketplace

import (
	"math"
	"testing"
	"time"
)

func TestCalculateReputationBlendsComponents(t *testing.T) {
	system := NewReputationSystem()
	now := time.Now()

	scores := []float64{5, 4, 1}
	for i, score := range scores {
		system.AddReview(Review{
			ReviewerID:    "alice",
			AgentID:       "bob",
			Score:         score,
			Timestamp:     now.Add(-time.Duration(i) * time.Hour),
			TransactionID: "t1",
		})
	}

	got := system.CalculateReputation("bob", 30)

	// 三条评价都在最近一小时内，活跃度分量近似为 1。
	expected := weightRecentActivity*1.0 + weightSuccessRate*(2.0/3.0) + weightReviewScore*(10.0/3.0/5.0)
	if math.Abs(got-expected) > 1e-3 {
		t.Fatalf("expected reputation near %f, got %f", expected, got)
	}
}

func TestCalculateReputationIgnoresStaleReviews(t *testing.T) {
	system := NewReputationSystem()

	system.AddReview(Review{
		ReviewerID:    "alice",
		AgentID:       "bob",
		Score:         5,
		Timestamp:     time.Now().AddDate(0, 0, -40),
		TransactionID: "t1",
	})

	if got := system.CalculateReputation("bob", 30); got != 0 {
		t.Fatalf("expected zero reputation outside lookback window, got %f", got)
	}
	if got := system.CalculateReputation("unknown", 30); got != 0 {
		t.Fatalf("expected zero reputation for unknown agent, got %f", got)
	}
}

func TestAgentReviewsReturnsCopy(t *testing.T) {
	system := NewReputationSystem()
	system.AddReview(Review{ReviewerID: "alice", AgentID: "bob", Score: 4, TransactionID: "t1"})

	reviews := system.AgentReviews("bob")
	if len(reviews) != 1 {
		t.Fatalf("expected 1 review, got %d", len(reviews))
	}
	reviews[0].Score = 1

	again := system.AgentReviews("bob")
	if again[0].Score != 4 {
		t.Fatalf("expected stored review untouched, got %f", again[0].Score)
	}
}
