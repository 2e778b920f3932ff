package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/objectfs/querycache/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "QUERYCACHE_"

// LoadFromEnv overrides the configuration from QUERYCACHE_* variables.
// The named .env files are loaded first; with none given, ./.env is loaded
// if present. Variables already set in the process win over .env files.
func (c *Configuration) LoadFromEnv(envFiles ...string) error {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !stderrors.Is(err, fs.ErrNotExist) {
			return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to load env file")
		}
	}

	e := &envReader{}

	// Global settings
	e.str("LOG_LEVEL", &c.Global.LogLevel)
	e.str("LOG_FORMAT", &c.Global.LogFormat)
	e.str("LOG_FILE", &c.Global.LogFile)

	// Metrics
	e.boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	e.str("METRICS_ADDRESS", &c.Metrics.Address)

	// Health
	e.duration("COMPONENT_CHECK_INTERVAL", &c.Health.CheckInterval)

	// Cache settings
	e.integer("CACHE_CAPACITY", &c.Cache.Capacity)
	e.duration("CACHE_TTL", &c.Cache.DefaultTTL)
	e.str("EVICTION_STRATEGY", &c.Cache.EvictionStrategy)
	e.str("PREFETCH_STRATEGY", &c.Cache.PrefetchStrategy)
	e.integer("PREFETCH_LIMIT", &c.Cache.PrefetchLimit)
	e.float("PREFETCH_THRESHOLD", &c.Cache.PrefetchThreshold)
	e.integer("TRACKED_USERS", &c.Cache.TrackedUsers)
	e.str("L2_PROVIDER", &c.Cache.L2.Provider)
	e.list("REDIS_ADDRS", &c.Cache.L2.Redis.Addrs)
	e.str("REDIS_PASSWORD", &c.Cache.L2.Redis.Password)
	e.str("S3_BUCKET", &c.Cache.L2.S3.Bucket)
	e.str("S3_PREFIX", &c.Cache.L2.S3.Prefix)
	e.str("S3_REGION", &c.Cache.L2.S3.Region)
	e.str("S3_ENDPOINT", &c.Cache.L2.S3.Endpoint)
	e.str("DISK_DIRECTORY", &c.Cache.L2.Disk.Directory)

	// Circuit breaker and throttle
	e.integer("BREAKER_FAILURE_THRESHOLD", &c.CircuitBreaker.FailureThreshold)
	e.integer("BREAKER_SUCCESS_THRESHOLD", &c.CircuitBreaker.SuccessThreshold)
	e.duration("BREAKER_TIMEOUT", &c.CircuitBreaker.Timeout)
	e.integer("THROTTLE_MIN_LIMIT", &c.Throttle.MinLimit)
	e.integer("THROTTLE_MAX_LIMIT", &c.Throttle.MaxLimit)
	e.integer("THROTTLE_INITIAL_LIMIT", &c.Throttle.InitialLimit)
	e.duration("THROTTLE_WINDOW", &c.Throttle.Window)

	// Pool and balancer
	e.integer("POOL_SIZE", &c.Pool.Size)
	e.duration("POOL_ACQUIRE_TIMEOUT", &c.Pool.AcquireTimeout)
	e.str("STRATEGY", &c.Balancer.Strategy)
	e.integer("MAX_RETRIES", &c.Balancer.MaxRetries)
	e.duration("RETRY_BACKOFF", &c.Balancer.RetryBackoff)
	e.duration("HEALTH_CHECK_INTERVAL", &c.Balancer.HealthCheckInterval)

	// Manager and executor
	e.integer("MAX_CONCURRENT_QUERIES", &c.Manager.MaxConcurrentQueries)
	e.duration("POLL_INTERVAL", &c.Manager.PollInterval)
	e.duration("RESULT_TTL", &c.Manager.ResultTTL)
	e.str("EXECUTOR_DRIVER", &c.Executor.Driver)
	e.str("EXECUTOR_DSN", &c.Executor.DSNTemplate)

	if len(e.errs) > 0 {
		return errors.Wrap(stderrors.Join(e.errs...), errors.ErrCodeConfigLoad, "invalid environment")
	}
	return nil
}

// envReader applies QUERYCACHE_* variables and collects parse failures
type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (e *envReader) fail(name string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) list(name string, dst *[]string) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) integer(name string, dst *int) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(name string, dst *float64) {
	if val, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}
