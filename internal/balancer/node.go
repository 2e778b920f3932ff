package balancer

import (
	"time"

	"github.com/objectfs/querycache/pkg/types"
)

// NodeConfig describes a backend node at registration time
type NodeConfig struct {
	ID             string `yaml:"id" validate:"required"`
	Host           string `yaml:"host" validate:"required"`
	Port           int    `yaml:"port" validate:"min=1,max=65535"`
	Weight         int    `yaml:"weight" validate:"min=0"`
	MaxConnections int    `yaml:"max_connections" validate:"min=0"`
}

// DatabaseNode is a backend target and its running counters. All fields are
// guarded by the owning balancer's lock.
type DatabaseNode struct {
	ID                 string
	Host               string
	Port               int
	Weight             int
	MaxConnections     int
	CurrentConnections int
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgResponseTime    time.Duration
	LastHealthCheck    time.Time
	IsHealthy          bool
	IsActive           bool

	latencySamples int64
}

// NewDatabaseNode creates a healthy, active node. Weight defaults to 1 and
// MaxConnections to 100.
func NewDatabaseNode(cfg NodeConfig) *DatabaseNode {
	if cfg.Weight <= 0 {
		cfg.Weight = 1
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	return &DatabaseNode{
		ID:             cfg.ID,
		Host:           cfg.Host,
		Port:           cfg.Port,
		Weight:         cfg.Weight,
		MaxConnections: cfg.MaxConnections,
		IsHealthy:      true,
		IsActive:       true,
	}
}

// SuccessRate is successful/total, or 1 before any request
func (n *DatabaseNode) SuccessRate() float64 {
	if n.TotalRequests == 0 {
		return 1.0
	}
	return float64(n.SuccessfulRequests) / float64(n.TotalRequests)
}

// Utilization is current/max connections
func (n *DatabaseNode) Utilization() float64 {
	if n.MaxConnections <= 0 {
		return 0
	}
	return float64(n.CurrentConnections) / float64(n.MaxConnections)
}

// LoadScore ranks nodes for the adaptive strategy; lower is better.
//
//	0.4*utilization + 0.3*(1-success rate) + 0.3*(avg latency in seconds)
func (n *DatabaseNode) LoadScore() float64 {
	latency := float64(n.AvgResponseTime) / float64(time.Second)
	return 0.4*n.Utilization() + 0.3*(1-n.SuccessRate()) + 0.3*latency
}

// Available reports whether the node may receive traffic
func (n *DatabaseNode) Available() bool {
	return n.IsHealthy && n.IsActive
}

func (n *DatabaseNode) begin() {
	n.CurrentConnections++
}

// finish closes out one execution that reached the node
func (n *DatabaseNode) finish(latency time.Duration) {
	if n.CurrentConnections > 0 {
		n.CurrentConnections--
	}

	// running mean over every execution that reached the node
	n.latencySamples++
	n.AvgResponseTime += (latency - n.AvgResponseTime) / time.Duration(n.latencySamples)
}

// record counts one pass through the node's breaker, including rejections
// and pool timeouts that never reached the executor
func (n *DatabaseNode) record(success bool) {
	n.TotalRequests++
	if success {
		n.SuccessfulRequests++
	} else {
		n.FailedRequests++
	}
}

func (n *DatabaseNode) info() types.Node {
	return types.Node{
		ID:     n.ID,
		Host:   n.Host,
		Port:   n.Port,
		Weight: n.Weight,
	}
}

func (n *DatabaseNode) snapshot() types.NodeStats {
	return types.NodeStats{
		ID:                 n.ID,
		Host:               n.Host,
		Port:               n.Port,
		Weight:             n.Weight,
		MaxConnections:     n.MaxConnections,
		CurrentConnections: n.CurrentConnections,
		TotalRequests:      n.TotalRequests,
		SuccessfulRequests: n.SuccessfulRequests,
		FailedRequests:     n.FailedRequests,
		AvgResponseTime:    n.AvgResponseTime,
		LastHealthCheck:    n.LastHealthCheck,
		IsHealthy:          n.IsHealthy,
		IsActive:           n.IsActive,
		SuccessRate:        n.SuccessRate(),
		Utilization:        n.Utilization(),
		LoadScore:          n.LoadScore(),
	}
}
