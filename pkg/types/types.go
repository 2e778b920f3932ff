package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the traffic class of a query
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// NumPriorities is the number of priority classes
const NumPriorities = 5

// Priorities lists every priority class from highest to lowest
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the five known classes
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority parses a priority name
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// QueryRequest is a unit of work routed to a backend node.
// RetryCount is mutated by the balancer as attempts fail; everything else
// is fixed once the request is submitted.
type QueryRequest struct {
	ID         string         `json:"id"`
	Payload    string         `json:"payload"`
	Params     map[string]any `json:"params,omitempty"`
	Priority   Priority       `json:"priority"`
	Timeout    time.Duration  `json:"timeout"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Request defaults applied by NewQueryRequest
const (
	DefaultQueryTimeout = 30 * time.Second
	DefaultMaxRetries   = 3
)

// NewQueryRequest returns a Normal priority request with default timeout and retry budget
func NewQueryRequest(id, payload string) *QueryRequest {
	return &QueryRequest{
		ID:         id,
		Payload:    payload,
		Priority:   PriorityNormal,
		Timeout:    DefaultQueryTimeout,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
}

// QueryResponse is the terminal outcome of a QueryRequest
type QueryResponse struct {
	RequestID     string        `json:"request_id"`
	Result        any           `json:"result,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	NodeID        string        `json:"node_id,omitempty"`
	CacheHit      bool          `json:"cache_hit"`
	Error         error         `json:"-"`
	RetryCount    int           `json:"retry_count"`
}

// ErrorMessage returns the error text, or "" for a successful response
func (r *QueryResponse) ErrorMessage() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Error()
}

// RetriesExhausted reports whether the response failed after spending the
// whole retry budget of maxRetries
func (r *QueryResponse) RetriesExhausted(maxRetries int) bool {
	return r != nil && r.Error != nil && r.RetryCount >= maxRetries
}

// Node is the immutable identity of a backend node handed to executors
type Node struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

// Address returns host:port
func (n Node) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Entries      int     `json:"entries"`
	Size         int64   `json:"size"`
	Capacity     int     `json:"capacity"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	L1Hits       uint64  `json:"l1_hits"`
	L2Hits       uint64  `json:"l2_hits"`
	Evictions    uint64  `json:"evictions"`
	Demotions    uint64  `json:"demotions"`
	Expirations  uint64  `json:"expirations"`
	Prefetches   uint64  `json:"prefetches"`
	PrefetchHits uint64  `json:"prefetch_hits"`
	HitRate      float64 `json:"hit_rate"`

	// ARC list sizes and adaptive target
	T1 int `json:"t1"`
	T2 int `json:"t2"`
	B1 int `json:"b1"`
	B2 int `json:"b2"`
	P  int `json:"p"`
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	Size          int           `json:"size"`
	Available     int           `json:"available"`
	Active        int           `json:"active"`
	TotalAcquired uint64        `json:"total_acquired"`
	Waits         uint64        `json:"waits"`
	Timeouts      uint64        `json:"timeouts"`
	HandleUsage   map[int]int64 `json:"handle_usage"`
	Closed        bool          `json:"closed"`
}

// QueueSizes maps a priority name to the number of queued requests
type QueueSizes map[string]int

// Total returns the number of queued requests across all classes
func (q QueueSizes) Total() int {
	total := 0
	for _, n := range q {
		total += n
	}
	return total
}

// ThrottleStats is a snapshot of the adaptive concurrency limiter
type ThrottleStats struct {
	CurrentLimit    int       `json:"current_limit"`
	MinLimit        int       `json:"min_limit"`
	MaxLimit        int       `json:"max_limit"`
	InFlight        int       `json:"in_flight"`
	WindowRequests  int64     `json:"window_requests"`
	WindowSuccesses int64     `json:"window_successes"`
	WindowStart     time.Time `json:"window_start"`
	Adjustments     uint64    `json:"adjustments"`
}

// NodeStats is a snapshot of one backend node
type NodeStats struct {
	ID                 string        `json:"id"`
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Weight             int           `json:"weight"`
	MaxConnections     int           `json:"max_connections"`
	CurrentConnections int           `json:"current_connections"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	LastHealthCheck    time.Time     `json:"last_health_check"`
	IsHealthy          bool          `json:"is_healthy"`
	IsActive           bool          `json:"is_active"`
	SuccessRate        float64       `json:"success_rate"`
	Utilization        float64       `json:"utilization"`
	LoadScore          float64       `json:"load_score"`
	BreakerState       string        `json:"breaker_state"`
}

// BalancerStats is a snapshot of the query load balancer
type BalancerStats struct {
	Strategy      string        `json:"strategy"`
	TotalRequests uint64        `json:"total_requests"`
	Succeeded     uint64        `json:"succeeded"`
	Failed        uint64        `json:"failed"`
	Retries       uint64        `json:"retries"`
	Nodes         []NodeStats   `json:"nodes"`
	Throttle      ThrottleStats `json:"throttle"`
	Queues        QueueSizes    `json:"queues"`
	Pool          PoolStats     `json:"pool"`
}

// ManagerStats is a snapshot of the concurrent query manager
type ManagerStats struct {
	MaxConcurrent int    `json:"max_concurrent"`
	Active        int    `json:"active"`
	Stored        int    `json:"stored"`
	Submitted     uint64 `json:"submitted"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	Expired       uint64 `json:"expired"`
}
