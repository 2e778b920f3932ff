package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/querycache/internal/balancer"
	"github.com/objectfs/querycache/internal/cache"
	"github.com/objectfs/querycache/internal/cache/codec"
	"github.com/objectfs/querycache/internal/cache/provider/bigcache"
	"github.com/objectfs/querycache/internal/cache/provider/disk"
	"github.com/objectfs/querycache/internal/cache/provider/redis"
	"github.com/objectfs/querycache/internal/cache/provider/ristretto"
	"github.com/objectfs/querycache/internal/cache/provider/s3"
	"github.com/objectfs/querycache/internal/circuit"
	"github.com/objectfs/querycache/internal/executor"
	"github.com/objectfs/querycache/internal/manager"
	"github.com/objectfs/querycache/internal/metrics"
	"github.com/objectfs/querycache/internal/pool"
	"github.com/objectfs/querycache/internal/scheduler"
	"github.com/objectfs/querycache/internal/throttle"
	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/health"
	"github.com/objectfs/querycache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global         GlobalConfig      `yaml:"global"`
	Cache          CacheConfig       `yaml:"cache"`
	CircuitBreaker circuit.Config    `yaml:"circuit_breaker"`
	Throttle       throttle.Config   `yaml:"throttle"`
	Scheduler      scheduler.Weights `yaml:"scheduler"`
	Pool           pool.Config       `yaml:"pool"`
	Balancer       BalancerConfig    `yaml:"balancer"`
	Manager        manager.Config    `yaml:"manager"`
	Executor       executor.Config   `yaml:"executor"`
	Metrics        metrics.Config    `yaml:"metrics"`
	Health         health.Config     `yaml:"health"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`
	LogFile   string `yaml:"log_file"`

	// LogRotation rotates LogFile by size when set
	LogRotation *utils.RotationConfig `yaml:"log_rotation,omitempty"`
}

// CacheConfig represents the multi-level cache settings
type CacheConfig struct {
	Capacity          int           `yaml:"capacity" validate:"min=1"`
	EvictionStrategy  string        `yaml:"eviction_strategy"`
	PrefetchStrategy  string        `yaml:"prefetch_strategy"`
	DefaultTTL        time.Duration `yaml:"default_ttl" validate:"min=0"`
	PrefetchLimit     int           `yaml:"prefetch_limit" validate:"min=0"`
	PrefetchThreshold float64       `yaml:"prefetch_threshold" validate:"min=0,max=1"`
	PrefetchQueueSize int           `yaml:"prefetch_queue_size" validate:"min=0"`
	PrefetchWorkers   int           `yaml:"prefetch_workers" validate:"min=0"`
	PrefetchTimeout   time.Duration `yaml:"prefetch_timeout" validate:"min=0"`
	HistorySize       int           `yaml:"history_size" validate:"min=1"`
	TrackedUsers      int           `yaml:"tracked_users" validate:"min=1"`
	L2                L2Config      `yaml:"l2"`
}

// L2 provider names
const (
	L2None      = "none"
	L2Memory    = "memory"
	L2Ristretto = "ristretto"
	L2BigCache  = "bigcache"
	L2Redis     = "redis"
	L2S3        = "s3"
	L2Disk      = "disk"
)

// L2Config selects the tier below the ARC and carries every provider's settings
type L2Config struct {
	Provider string        `yaml:"provider" validate:"oneof=none memory ristretto bigcache redis s3 disk"`
	Capacity int           `yaml:"capacity" validate:"min=0"` // memory provider only
	Codec    codec.Options `yaml:"codec"`

	// Guard puts a circuit breaker in front of remote providers
	Guard          bool          `yaml:"guard"`
	GuardFailures  uint32        `yaml:"guard_failures"`
	GuardTimeout   time.Duration `yaml:"guard_timeout" validate:"min=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=0"`

	Ristretto ristretto.Config `yaml:"ristretto"`
	BigCache  bigcache.Config  `yaml:"bigcache"`
	Redis     redis.Config     `yaml:"redis"`
	S3        s3.Config        `yaml:"s3"`
	Disk      disk.Config      `yaml:"disk"`
}

// Remote reports whether the provider lives outside the process
func (l L2Config) Remote() bool {
	return l.Provider == L2Redis || l.Provider == L2S3
}

// BalancerConfig represents routing settings. Breaker, throttle, scheduler
// and pool tuning live in their own top-level sections.
type BalancerConfig struct {
	Strategy            string                `yaml:"strategy"`
	MaxRetries          int                   `yaml:"max_retries" validate:"min=0"`
	RetryBackoff        time.Duration         `yaml:"retry_backoff" validate:"min=0"`
	HealthCheckInterval time.Duration         `yaml:"health_check_interval" validate:"min=0"`
	HealthyThreshold    float64               `yaml:"healthy_threshold" validate:"min=0,max=1"`
	Nodes               []balancer.NodeConfig `yaml:"nodes" validate:"dive"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	cacheDefaults := cache.DefaultConfig()
	balancerDefaults := balancer.DefaultConfig()

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		Cache: CacheConfig{
			Capacity:          cacheDefaults.Capacity,
			EvictionStrategy:  cache.EvictionARC.String(),
			PrefetchStrategy:  cache.PrefetchBlended.String(),
			DefaultTTL:        cacheDefaults.DefaultTTL,
			PrefetchLimit:     cacheDefaults.PrefetchLimit,
			PrefetchThreshold: cacheDefaults.PrefetchThreshold,
			PrefetchQueueSize: cacheDefaults.PrefetchQueueSize,
			PrefetchWorkers:   cacheDefaults.PrefetchWorkers,
			PrefetchTimeout:   cacheDefaults.PrefetchTimeout,
			HistorySize:       cacheDefaults.Prefetch.HistorySize,
			TrackedUsers:      cacheDefaults.Prefetch.MaxUsers,
			L2: L2Config{
				Provider:       L2None,
				Capacity:       10000,
				Codec:          codec.Options{Kind: codec.KindMsgpack, Compress: true, MinCompressSize: 1024},
				Guard:          true,
				GuardFailures:  5,
				GuardTimeout:   30 * time.Second,
				RequestTimeout: 500 * time.Millisecond,
				Ristretto:      ristretto.DefaultConfig(),
				BigCache:       bigcache.DefaultConfig(),
				Redis:          redis.Config{Addrs: []string{"localhost:6379"}, DialTimeout: 5 * time.Second},
				S3:             s3.Config{Prefix: "querycache/", Region: "us-east-1", MaxRetries: 3},
				Disk:           disk.DefaultConfig(),
			},
		},
		CircuitBreaker: circuit.DefaultConfig(),
		Throttle:       throttle.DefaultConfig(),
		Scheduler:      scheduler.DefaultWeights(),
		Pool:           pool.DefaultConfig(),
		Balancer: BalancerConfig{
			Strategy:            balancerDefaults.Strategy.String(),
			MaxRetries:          balancerDefaults.MaxRetries,
			RetryBackoff:        balancerDefaults.RetryBackoff,
			HealthCheckInterval: balancerDefaults.HealthCheckInterval,
			HealthyThreshold:    balancerDefaults.HealthyThreshold,
		},
		Manager:  manager.DefaultConfig(),
		Executor: executor.DefaultConfig(),
		Metrics:  *metrics.DefaultConfig(),
		Health:   health.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New()

// Validate checks struct tags and the constraints that span fields
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid configuration")
	}

	var problems []error
	if _, err := cache.ParseEvictionStrategy(c.Cache.EvictionStrategy); err != nil {
		problems = append(problems, err)
	}
	if _, err := cache.ParsePrefetchStrategy(c.Cache.PrefetchStrategy); err != nil {
		problems = append(problems, err)
	}
	if _, err := balancer.ParseStrategy(c.Balancer.Strategy); err != nil {
		problems = append(problems, err)
	}
	if err := c.Throttle.Validate(); err != nil {
		problems = append(problems, err)
	}

	seen := make(map[string]bool, len(c.Balancer.Nodes))
	for _, n := range c.Balancer.Nodes {
		if seen[n.ID] {
			problems = append(problems, fmt.Errorf("duplicate node id: %s", n.ID))
		}
		seen[n.ID] = true
	}

	switch c.Cache.L2.Provider {
	case L2Memory:
		if c.Cache.L2.Capacity <= 0 {
			problems = append(problems, fmt.Errorf("l2.capacity must be positive for the memory provider"))
		}
	case L2Redis:
		if len(c.Cache.L2.Redis.Addrs) == 0 {
			problems = append(problems, fmt.Errorf("l2.redis.addrs is required"))
		}
	case L2S3:
		if c.Cache.L2.S3.Bucket == "" {
			problems = append(problems, fmt.Errorf("l2.s3.bucket is required"))
		}
	case L2Disk:
		if c.Cache.L2.Disk.Directory == "" {
			problems = append(problems, fmt.Errorf("l2.disk.directory is required"))
		}
	}

	if c.Health.UnavailableThreshold < c.Health.ErrorThreshold {
		problems = append(problems, fmt.Errorf("health.unavailable_threshold must be at least health.error_threshold"))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		problems = append(problems, fmt.Errorf("metrics.address is required when metrics are enabled"))
	}

	if len(problems) > 0 {
		return errors.Wrap(stderrors.Join(problems...), errors.ErrCodeConfigValidation, "invalid configuration")
	}
	return nil
}

// LoggingConfig returns the logger settings
func (c *Configuration) LoggingConfig() utils.LoggingConfig {
	return utils.LoggingConfig{
		Level:    c.Global.LogLevel,
		Format:   c.Global.LogFormat,
		File:     c.Global.LogFile,
		Rotation: c.Global.LogRotation,
	}
}

// CacheSettings converts the cache section, parsing strategy tags
func (c *Configuration) CacheSettings() (cache.Config, error) {
	eviction, err := cache.ParseEvictionStrategy(c.Cache.EvictionStrategy)
	if err != nil {
		return cache.Config{}, err
	}
	strategy, err := cache.ParsePrefetchStrategy(c.Cache.PrefetchStrategy)
	if err != nil {
		return cache.Config{}, err
	}

	cfg := cache.DefaultConfig()
	cfg.Capacity = c.Cache.Capacity
	cfg.Eviction = eviction
	cfg.Prefetch.Strategy = strategy
	cfg.Prefetch.HistorySize = c.Cache.HistorySize
	cfg.Prefetch.MaxUsers = c.Cache.TrackedUsers
	cfg.PrefetchLimit = c.Cache.PrefetchLimit
	cfg.PrefetchThreshold = c.Cache.PrefetchThreshold
	cfg.PrefetchQueueSize = c.Cache.PrefetchQueueSize
	cfg.PrefetchWorkers = c.Cache.PrefetchWorkers
	cfg.PrefetchTimeout = c.Cache.PrefetchTimeout
	cfg.DefaultTTL = c.Cache.DefaultTTL
	return cfg, nil
}

// StoreTierSettings returns the wrapper settings for a byte-store L2
func (c *Configuration) StoreTierSettings() cache.StoreTierConfig {
	l2 := c.Cache.L2
	return cache.StoreTierConfig{
		Name:           l2.Provider,
		Codec:          l2.Codec,
		Guard:          l2.Guard && l2.Remote(),
		GuardFailures:  l2.GuardFailures,
		GuardTimeout:   l2.GuardTimeout,
		RequestTimeout: l2.RequestTimeout,
	}
}

// BalancerSettings assembles the balancer configuration from its sections
func (c *Configuration) BalancerSettings() (balancer.Config, error) {
	strategy, err := balancer.ParseStrategy(c.Balancer.Strategy)
	if err != nil {
		return balancer.Config{}, err
	}

	return balancer.Config{
		Strategy:            strategy,
		MaxRetries:          c.Balancer.MaxRetries,
		RetryBackoff:        c.Balancer.RetryBackoff,
		HealthCheckInterval: c.Balancer.HealthCheckInterval,
		HealthyThreshold:    c.Balancer.HealthyThreshold,
		Nodes:               append([]balancer.NodeConfig(nil), c.Balancer.Nodes...),
		CircuitBreaker:      c.CircuitBreaker,
		Throttle:            c.Throttle,
		Scheduler:           c.Scheduler,
		Pool:                c.Pool,
	}, nil
}

// String renders the configuration as YAML with secrets masked
func (c *Configuration) String() string {
	masked := *c
	masked.Cache.L2.Redis.Password = mask(masked.Cache.L2.Redis.Password)
	masked.Cache.L2.S3.SecretAccessKey = mask(masked.Cache.L2.S3.SecretAccessKey)
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return strings.TrimSpace(string(data))
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
