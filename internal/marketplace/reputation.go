package marketplace

import (
	"math"
	"sync"
	"time"
)

// 信誉评分的组成权重与参数。
const (
	weightRecentActivity = 0.4
	weightSuccessRate    = 0.3
	weightReviewScore    = 0.3

	successThreshold    = 3.0
	maxReviewScore      = 5.0
	activityDecayRate   = 0.1
	defaultLookbackDays = 30
)

// Review 是一条针对智能体的服务评价。
type Review struct {
	ReviewerID    string    `json:"reviewer_id"`
	AgentID       string    `json:"agent_id"`
	Score         float64   `json:"score"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`
	Feedback      string    `json:"feedback,omitempty"`
}

// ReputationSystem 基于历史评价计算智能体的综合信誉。
// 评分由近期活跃度、成功率与平均评价三部分加权构成。
type ReputationSystem struct {
	mu      sync.RWMutex
	reviews map[string][]Review
}

// NewReputationSystem 创建一个空的信誉系统。
func NewReputationSystem() *ReputationSystem {
	return &ReputationSystem{reviews: make(map[string][]Review)}
}

// AddReview 登记一条评价，时间戳为零值时取当前时间。
func (r *ReputationSystem) AddReview(review Review) {
	if review.AgentID == "" {
		return
	}
	if review.Timestamp.IsZero() {
		review.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews[review.AgentID] = append(r.reviews[review.AgentID], review)
}

// AgentReviews 返回指定智能体收到的全部评价。
func (r *ReputationSystem) AgentReviews(agentID string) []Review {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Review(nil), r.reviews[agentID]...)
}

// CalculateReputation 计算指定智能体在回溯窗口内的综合信誉。
// lookbackDays 不大于零时取默认窗口，没有评价时返回 0。
func (r *ReputationSystem) CalculateReputation(agentID string, lookbackDays int) float64 {
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	r.mu.RLock()
	all := r.reviews[agentID]
	r.mu.RUnlock()
	if len(all) == 0 {
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -lookbackDays)
	recent := make([]Review, 0, len(all))
	for _, review := range all {
		if review.Timestamp.After(cutoff) {
			recent = append(recent, review)
		}
	}
	if len(recent) == 0 {
		return 0
	}

	return weightRecentActivity*recentActivityScore(recent) +
		weightSuccessRate*successRate(recent) +
		weightReviewScore*averageScore(recent)
}

// recentActivityScore 随最近一条评价至今的天数指数衰减。
func recentActivityScore(reviews []Review) float64 {
	latest := reviews[0].Timestamp
	for _, review := range reviews[1:] {
		if review.Timestamp.After(latest) {
			latest = review.Timestamp
		}
	}
	daysSinceLatest := time.Since(latest).Hours() / 24
	return math.Exp(-activityDecayRate * daysSinceLatest)
}

// successRate 统计达到成功阈值的评价占比。
func successRate(reviews []Review) float64 {
	successful := 0
	for _, review := range reviews {
		if review.Score >= successThreshold {
			successful++
		}
	}
	return float64(successful) / float64(len(reviews))
}

// averageScore 把平均评价归一化到 [0,1] 区间。
func averageScore(reviews []Review) float64 {
	total := 0.0
	for _, review := range reviews {
		total += review.Score
	}
	return total / float64(len(reviews)) / maxReviewScore
}
