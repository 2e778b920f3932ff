package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Signal weights blended by Predict
const (
	sequentialWeight  = 0.6
	temporalWeight    = 0.4
	correlationWeight = 0.3
)

// PrefetchStrategy selects which signals Predict blends
type PrefetchStrategy int

const (
	PrefetchBlended PrefetchStrategy = iota
	PrefetchNone
	PrefetchSequential
	PrefetchTemporal
	PrefetchCorrelation
)

// String returns the configuration tag of the strategy
func (s PrefetchStrategy) String() string {
	switch s {
	case PrefetchBlended:
		return "blended"
	case PrefetchNone:
		return "none"
	case PrefetchSequential:
		return "sequential"
	case PrefetchTemporal:
		return "temporal"
	case PrefetchCorrelation:
		return "correlation"
	default:
		return "unknown"
	}
}

// ParsePrefetchStrategy parses a configuration tag
func ParsePrefetchStrategy(s string) (PrefetchStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blended":
		return PrefetchBlended, nil
	case "none":
		return PrefetchNone, nil
	case "sequential":
		return PrefetchSequential, nil
	case "temporal":
		return PrefetchTemporal, nil
	case "correlation":
		return PrefetchCorrelation, nil
	default:
		return PrefetchBlended, fmt.Errorf("unknown prefetch strategy: %s", s)
	}
}

func (s PrefetchStrategy) signals() (sequential, temporal, correlation bool) {
	switch s {
	case PrefetchBlended:
		return true, true, true
	case PrefetchSequential:
		return true, false, false
	case PrefetchTemporal:
		return false, true, false
	case PrefetchCorrelation:
		return false, false, true
	default:
		return false, false, false
	}
}

// PrefetcherConfig configures an IntelligentPrefetcher
type PrefetcherConfig struct {
	Strategy          PrefetchStrategy `yaml:"strategy"`
	HistorySize       int              `yaml:"history_size"`
	RecentKeys        int              `yaml:"recent_keys"`
	CorrelationWindow int              `yaml:"correlation_window"`
	MaxUsers          int              `yaml:"max_users"`
	SuccessDecay      float64          `yaml:"success_decay"`
}

// DefaultPrefetcherConfig returns the stock prefetcher tuning
func DefaultPrefetcherConfig() PrefetcherConfig {
	return PrefetcherConfig{
		Strategy:          PrefetchBlended,
		HistorySize:       100,
		RecentKeys:        50,
		CorrelationWindow: 10,
		MaxUsers:          10000,
		SuccessDecay:      0.9,
	}
}

// Prediction is a candidate key with its blended score
type Prediction struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

type accessRecord struct {
	at  time.Time
	key string
}

type temporalBucket struct {
	hour    int
	weekday time.Weekday
}

func bucketOf(t time.Time) temporalBucket {
	return temporalBucket{hour: t.Hour(), weekday: t.Weekday()}
}

// userHistory is the access memory of one user
type userHistory struct {
	ring   []accessRecord
	next   int
	filled bool
	recent []string
	// exponential moving average of "prefetched key was used"
	success map[string]float64
}

func newUserHistory(size int) *userHistory {
	return &userHistory{
		ring:    make([]accessRecord, size),
		success: make(map[string]float64),
	}
}

func (h *userHistory) append(rec accessRecord, recentLimit int) {
	h.ring[h.next] = rec
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.filled = true
	}

	h.recent = append(h.recent, rec.key)
	if len(h.recent) > recentLimit {
		h.recent = append(h.recent[:0:0], h.recent[len(h.recent)-recentLimit:]...)
	}
}

// records returns the ring contents oldest first
func (h *userHistory) records() []accessRecord {
	if !h.filled {
		return h.ring[:h.next]
	}
	out := make([]accessRecord, 0, len(h.ring))
	out = append(out, h.ring[h.next:]...)
	return append(out, h.ring[:h.next]...)
}

// IntelligentPrefetcher predicts the next keys a user is likely to read
// from that user's recent access history
type IntelligentPrefetcher struct {
	mu     sync.Mutex
	config PrefetcherConfig
	users  *lru.Cache[string, *userHistory]
	now    func() time.Time
}

// NewIntelligentPrefetcher creates a prefetcher; nil config uses defaults
func NewIntelligentPrefetcher(config *PrefetcherConfig) (*IntelligentPrefetcher, error) {
	cfg := DefaultPrefetcherConfig()
	if config != nil {
		cfg = *config
	}
	defaults := DefaultPrefetcherConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.RecentKeys <= 0 {
		cfg.RecentKeys = defaults.RecentKeys
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = defaults.CorrelationWindow
	}
	if cfg.MaxUsers <= 0 {
		cfg.MaxUsers = defaults.MaxUsers
	}
	if cfg.SuccessDecay <= 0 || cfg.SuccessDecay >= 1 {
		cfg.SuccessDecay = defaults.SuccessDecay
	}

	users, err := lru.New[string, *userHistory](cfg.MaxUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to create user history cache: %w", err)
	}

	return &IntelligentPrefetcher{
		config: cfg,
		users:  users,
		now:    time.Now,
	}, nil
}

// Strategy returns the configured strategy
func (p *IntelligentPrefetcher) Strategy() PrefetchStrategy {
	return p.config.Strategy
}

// RecordAccess appends key to user's history
func (p *IntelligentPrefetcher) RecordAccess(user, key string, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.users.Get(user)
	if !ok {
		h = newUserHistory(p.config.HistorySize)
		p.users.Add(user, h)
	}
	h.append(accessRecord{at: ts, key: key}, p.config.RecentKeys)
}

// Predict returns up to limit keys ordered by descending score.
// currentKey itself is never predicted.
func (p *IntelligentPrefetcher) Predict(user, currentKey string, limit int) []Prediction {
	if limit <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.users.Peek(user)
	if !ok {
		return nil
	}

	useSeq, useTemporal, useCorr := p.config.Strategy.signals()
	scores := make(map[string]float64)

	if useSeq {
		p.sequentialVotes(h, currentKey, scores)
	}
	if useTemporal {
		p.temporalVotes(h, scores)
	}
	if useCorr {
		p.correlationVotes(h, currentKey, scores)
	}
	delete(scores, currentKey)

	out := make([]Prediction, 0, len(scores))
	for k, s := range scores {
		out = append(out, Prediction{Key: k, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// sequentialVotes votes for every key that followed an earlier occurrence of current
func (p *IntelligentPrefetcher) sequentialVotes(h *userHistory, current string, scores map[string]float64) {
	followers := make(map[string]int)
	total := 0
	for i := 0; i+1 < len(h.recent); i++ {
		if h.recent[i] == current {
			followers[h.recent[i+1]]++
			total++
		}
	}
	for k, n := range followers {
		scores[k] += sequentialWeight * float64(n) / float64(total)
	}
}

// temporalVotes votes by each key's share of the history bucket matching now
func (p *IntelligentPrefetcher) temporalVotes(h *userHistory, scores map[string]float64) {
	want := bucketOf(p.now())
	counts := make(map[string]int)
	total := 0
	for _, rec := range h.records() {
		if bucketOf(rec.at) == want {
			counts[rec.key]++
			total++
		}
	}
	for k, n := range counts {
		scores[k] += temporalWeight * float64(n) / float64(total)
	}
}

// correlationVotes votes for keys co-occurring in the short recent window
func (p *IntelligentPrefetcher) correlationVotes(h *userHistory, current string, scores map[string]float64) {
	window := h.recent
	if len(window) > p.config.CorrelationWindow {
		window = window[len(window)-p.config.CorrelationWindow:]
	}
	counts := make(map[string]int)
	total := 0
	for _, k := range window {
		if k == current {
			continue
		}
		counts[k]++
		total++
	}
	for k, n := range counts {
		scores[k] += correlationWeight * float64(n) / float64(total)
	}
}

// UpdateSuccessRate folds whether a prefetched key was used into its EMA.
// Predict does not consult these rates yet.
func (p *IntelligentPrefetcher) UpdateSuccessRate(user, key string, wasUsed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.users.Peek(user)
	if !ok {
		return
	}

	sample := 0.0
	if wasUsed {
		sample = 1.0
	}
	prev, seen := h.success[key]
	if !seen {
		prev = 0.5
	}
	h.success[key] = p.config.SuccessDecay*prev + (1-p.config.SuccessDecay)*sample
}

// SuccessRate returns the EMA recorded for (user, key)
func (p *IntelligentPrefetcher) SuccessRate(user, key string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.users.Peek(user)
	if !ok {
		return 0, false
	}
	rate, ok := h.success[key]
	return rate, ok
}

// History returns the user's recorded keys, oldest first
func (p *IntelligentPrefetcher) History(user string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.users.Peek(user)
	if !ok {
		return nil
	}
	recs := h.records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.key
	}
	return out
}

// Users returns the number of tracked users
func (p *IntelligentPrefetcher) Users() int {
	return p.users.Len()
}
