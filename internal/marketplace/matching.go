package marketplace

import (
	"sort"
	"sync"
	"time"
)

// defaultMaxMatches 是一轮撮合返回的最大配对数量。
const defaultMaxMatches = 10

// ServiceRequest 描述一条等待撮合的服务请求。
// Deadline 为零值表示没有截止时间。
type ServiceRequest struct {
	RequesterID  string             `json:"requester_id"`
	ServiceType  string             `json:"service_type"`
	Requirements map[string]float64 `json:"requirements,omitempty"`
	Priority     int                `json:"priority"`
	MaxPrice     float64            `json:"max_price"`
	Deadline     time.Time          `json:"deadline,omitempty"`
}

// ServiceOffer 描述一条在售的服务报价。
type ServiceOffer struct {
	ProviderID   string             `json:"provider_id"`
	ServiceType  string             `json:"service_type"`
	Capabilities map[string]float64 `json:"capabilities,omitempty"`
	Price        float64            `json:"price"`
	Availability float64            `json:"availability"`
}

// Match 是一次撮合的结果。
type Match struct {
	Request ServiceRequest `json:"request"`
	Offer   ServiceOffer   `json:"offer"`
}

// Matcher 维护待撮合请求与在售报价，按优先级与价格进行撮合。
type Matcher struct {
	mu       sync.Mutex
	requests []ServiceRequest
	offers   []ServiceOffer
}

// NewMatcher 创建一个空撮合器。
func NewMatcher() *Matcher {
	return &Matcher{}
}

// AddRequest 登记一条服务请求，并按优先级与截止时间重新排序。
func (m *Matcher) AddRequest(request ServiceRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request)
	sort.SliceStable(m.requests, func(i, j int) bool {
		return requestBefore(m.requests[i], m.requests[j])
	})
}

// AddOffer 登记一条服务报价。
func (m *Matcher) AddOffer(offer ServiceOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, offer)
}

// RemoveRequest 移除指定请求方的全部请求。
func (m *Matcher) RemoveRequest(requesterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.requests[:0]
	for _, request := range m.requests {
		if request.RequesterID != requesterID {
			kept = append(kept, request)
		}
	}
	m.requests = kept
}

// RemoveOffer 移除指定提供方的全部报价。
func (m *Matcher) RemoveOffer(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.offers[:0]
	for _, offer := range m.offers {
		if offer.ProviderID != providerID {
			kept = append(kept, offer)
		}
	}
	m.offers = kept
}

// FindMatch 返回与请求兼容且价格最低的报价。
// 价格相同时取先登记的报价。
func (m *Matcher) FindMatch(request ServiceRequest) (ServiceOffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findMatchLocked(request)
}

// FindMatches 对全部待撮合请求执行一轮撮合。
// 每个请求方至多返回一个配对，maxMatches 不大于零时取默认上限。
func (m *Matcher) FindMatches(maxMatches int) []Match {
	if maxMatches <= 0 {
		maxMatches = defaultMaxMatches
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := make([]Match, 0)
	matched := make(map[string]struct{})
	for _, request := range m.requests {
		if len(matches) >= maxMatches {
			break
		}
		if _, done := matched[request.RequesterID]; done {
			continue
		}
		offer, ok := m.findMatchLocked(request)
		if !ok {
			continue
		}
		matches = append(matches, Match{Request: request, Offer: offer})
		matched[request.RequesterID] = struct{}{}
	}
	return matches
}

// PendingRequests 返回待撮合请求数量。
func (m *Matcher) PendingRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// ActiveOffers 返回在售报价数量。
func (m *Matcher) ActiveOffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.offers)
}

func (m *Matcher) findMatchLocked(request ServiceRequest) (ServiceOffer, bool) {
	var best ServiceOffer
	found := false
	for _, offer := range m.offers {
		if !compatible(request, offer) {
			continue
		}
		if !found || offer.Price < best.Price {
			best = offer
			found = true
		}
	}
	return best, found
}

// compatible 判断报价是否满足请求的类型、预算、截止时间与能力要求。
func compatible(request ServiceRequest, offer ServiceOffer) bool {
	if request.ServiceType != offer.ServiceType {
		return false
	}
	if offer.Price > request.MaxPrice {
		return false
	}
	if !request.Deadline.IsZero() && time.Now().After(request.Deadline) {
		return false
	}
	for key, required := range request.Requirements {
		provided, ok := offer.Capabilities[key]
		if !ok || provided < required {
			return false
		}
	}
	return true
}

// requestBefore 规定请求的撮合顺序，优先级高者在前，其次截止时间早者在前。
// 没有截止时间的请求排在有截止时间的请求之后。
func requestBefore(a, b ServiceRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	switch {
	case a.Deadline.IsZero():
		return false
	case b.Deadline.IsZero():
		return true
	default:
		return a.Deadline.Before(b.Deadline)
	}
}
