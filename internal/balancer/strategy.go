package balancer

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"go.uber.org/atomic"

	"github.com/objectfs/querycache/pkg/types"
)

// Strategy selects how a node is chosen among the available ones
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyWeightedRoundRobin
	StrategyLeastConnections
	StrategyLeastResponseTime
	StrategyConsistentHash
	StrategyAdaptive
)

// adaptiveSpreadAbove is the utilization past which the adaptive strategy
// samples instead of taking the best node
const adaptiveSpreadAbove = 0.8

func (s Strategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyWeightedRoundRobin:
		return "weighted_round_robin"
	case StrategyLeastConnections:
		return "least_connections"
	case StrategyLeastResponseTime:
		return "least_response_time"
	case StrategyConsistentHash:
		return "consistent_hash"
	case StrategyAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy tag. Hyphens and case are ignored.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "round_robin":
		return StrategyRoundRobin, nil
	case "weighted_round_robin":
		return StrategyWeightedRoundRobin, nil
	case "least_connections":
		return StrategyLeastConnections, nil
	case "least_response_time":
		return StrategyLeastResponseTime, nil
	case "consistent_hash":
		return StrategyConsistentHash, nil
	case "adaptive", "":
		return StrategyAdaptive, nil
	default:
		return StrategyAdaptive, fmt.Errorf("unknown load balancing strategy: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML lets yaml.v2 decode the tag form
func (s *Strategy) UnmarshalYAML(unmarshal func(any) error) error {
	var tag string
	if err := unmarshal(&tag); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(tag))
}

// MarshalYAML encodes the tag form
func (s Strategy) MarshalYAML() (any, error) {
	return s.String(), nil
}

// selector picks one node from a non-empty candidate list. Callers hold the
// balancer lock.
type selector struct {
	strategy Strategy
	next     atomic.Uint64
	random   func() float64
}

func newSelector(strategy Strategy) *selector {
	return &selector{strategy: strategy, random: rand.Float64}
}

func (s *selector) pick(nodes []*DatabaseNode, req *types.QueryRequest) *DatabaseNode {
	if len(nodes) == 0 {
		return nil
	}

	switch s.strategy {
	case StrategyRoundRobin:
		return s.roundRobin(nodes)
	case StrategyWeightedRoundRobin:
		return s.weighted(nodes, func(n *DatabaseNode) float64 { return float64(n.Weight) })
	case StrategyLeastConnections:
		return argMin(nodes, func(n *DatabaseNode) float64 { return float64(n.CurrentConnections) })
	case StrategyLeastResponseTime:
		return argMin(nodes, func(n *DatabaseNode) float64 { return float64(n.AvgResponseTime) })
	case StrategyConsistentHash:
		return consistentHash(nodes, req)
	case StrategyAdaptive:
		return s.adaptive(nodes)
	default:
		return s.roundRobin(nodes)
	}
}

func (s *selector) roundRobin(nodes []*DatabaseNode) *DatabaseNode {
	i := s.next.Inc() - 1
	return nodes[i%uint64(len(nodes))]
}

// weighted samples a node with probability proportional to weightOf
func (s *selector) weighted(nodes []*DatabaseNode, weightOf func(*DatabaseNode) float64) *DatabaseNode {
	total := 0.0
	for _, n := range nodes {
		total += weightOf(n)
	}
	if total <= 0 {
		return s.roundRobin(nodes)
	}

	target := s.random() * total
	cumulative := 0.0
	for _, n := range nodes {
		cumulative += weightOf(n)
		if target < cumulative {
			return n
		}
	}
	return nodes[len(nodes)-1]
}

func (s *selector) adaptive(nodes []*DatabaseNode) *DatabaseNode {
	best := argMin(nodes, (*DatabaseNode).LoadScore)
	if best.Utilization() <= adaptiveSpreadAbove {
		return best
	}
	return s.weighted(nodes, func(n *DatabaseNode) float64 {
		score := n.LoadScore()
		if score < 0.01 {
			score = 0.01
		}
		return 1 / score
	})
}

// argMin returns the first node with the smallest value
func argMin(nodes []*DatabaseNode, value func(*DatabaseNode) float64) *DatabaseNode {
	best := nodes[0]
	bestValue := value(best)
	for _, n := range nodes[1:] {
		if v := value(n); v < bestValue {
			best, bestValue = n, v
		}
	}
	return best
}

// consistentHash maps the request's affinity key onto the candidates by
// modulo. Any change to the candidate set reshuffles assignments.
func consistentHash(nodes []*DatabaseNode, req *types.QueryRequest) *DatabaseNode {
	h := fnv.New32a()
	_, _ = h.Write([]byte(affinityKey(req)))
	return nodes[h.Sum32()%uint32(len(nodes))]
}

func affinityKey(req *types.QueryRequest) string {
	switch {
	case req == nil:
		return ""
	case req.UserID != "":
		return req.UserID
	case req.SessionID != "":
		return req.SessionID
	default:
		return req.ID
	}
}
