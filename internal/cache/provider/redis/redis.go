// Package redis stores cache entries in Redis through a go-redis UniversalClient.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNilClient is returned by New when no client is supplied
var ErrNilClient = errors.New("redis store: nil client")

// Config selects a client. Either Client is given (shared) or Addrs is used
// to open one that the store then owns.
type Config struct {
	Client      goredis.UniversalClient `yaml:"-"`
	Addrs       []string                `yaml:"addrs"`
	Username    string                  `yaml:"username"`
	Password    string                  `yaml:"password"`
	DB          int                     `yaml:"db"`
	DialTimeout time.Duration           `yaml:"dial_timeout"`
	// CloseClient closes a caller-supplied client on Close
	CloseClient bool `yaml:"-"`
}

// Store is a shared remote byte store
type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

// New builds a store from cfg
func New(cfg Config) (*Store, error) {
	if cfg.Client != nil {
		return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
	}
	if len(cfg.Addrs) == 0 {
		return nil, ErrNilClient
	}
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return &Store{rdb: rdb, closeClient: true}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set stores value; a non-positive ttl means no expiry
func (s *Store) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client when the store owns it. Repeated calls are no-ops.
func (s *Store) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
