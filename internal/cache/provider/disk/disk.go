// Package disk is a file-backed cache store with a JSON index that survives restarts.
package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Config configures a disk Store
type Config struct {
	Directory       string        `yaml:"directory"`
	MaxSize         int64         `yaml:"max_size"`
	Compression     bool          `yaml:"compression"`
	IndexFile       string        `yaml:"index_file"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// DefaultConfig returns a store rooted in the OS temp directory
func DefaultConfig() Config {
	return Config{
		Directory:       filepath.Join(os.TempDir(), "querycache"),
		MaxSize:         1 << 30,
		Compression:     true,
		IndexFile:       "index.json",
		CleanupInterval: 10 * time.Minute,
		SyncInterval:    time.Minute,
	}
}

type item struct {
	Key        string    `json:"key"`
	FilePath   string    `json:"file_path"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"stored_at"`
	AccessTime time.Time `json:"access_time"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Compressed bool      `json:"compressed"`
	Checksum   string    `json:"checksum"`
}

func (it *item) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && now.After(it.ExpiresAt)
}

// Store keeps one file per key named by the key's hash
type Store struct {
	mu          sync.RWMutex
	config      Config
	index       map[string]*item
	currentSize int64
	logger      *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New opens (or creates) a store in config.Directory and loads its index
func New(config Config, logger *zap.Logger) (*Store, error) {
	defaults := DefaultConfig()
	if config.Directory == "" {
		config.Directory = defaults.Directory
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.IndexFile == "" {
		config.IndexFile = defaults.IndexFile
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Store{
		config: config,
		index:  make(map[string]*item),
		logger: logger.Named("disk"),
		stopCh: make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}

	s.wg.Add(2)
	go s.cleanupLoop()
	go s.syncLoop()
	return s, nil
}

// Get reads key from disk. Missing, expired or corrupt files are misses.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	it, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if it.expired(time.Now()) {
		s.drop(key)
		return nil, false, nil
	}

	data, err := s.readFile(it)
	if err != nil {
		s.logger.Debug("dropping unreadable cache file", zap.String("key", key), zap.Error(err))
		s.drop(key)
		return nil, false, nil
	}

	s.mu.Lock()
	it.AccessTime = time.Now()
	s.mu.Unlock()
	return data, true, nil
}

// Set writes value to disk. A zero ttl never expires.
func (s *Store) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.New("disk store closed")
	}
	if old, ok := s.index[key]; ok {
		_ = os.Remove(old.FilePath)
		s.currentSize -= old.Size
		delete(s.index, key)
	}

	now := time.Now()
	it := &item{
		Key:        key,
		FilePath:   s.filePath(key),
		StoredAt:   now,
		AccessTime: now,
		Compressed: s.config.Compression,
		Checksum:   checksum(value),
	}
	if ttl > 0 {
		it.ExpiresAt = now.Add(ttl)
	}

	size, err := s.writeFile(it, value)
	if err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}
	if size > s.config.MaxSize {
		_ = os.Remove(it.FilePath)
		return false, nil
	}
	it.Size = size

	s.index[key] = it
	s.currentSize += size
	s.evictIfNeeded()
	return true, nil
}

// Del removes key
func (s *Store) Del(_ context.Context, key string) error {
	s.drop(key)
	return nil
}

// Size returns the bytes occupied on disk
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// Len returns the number of stored keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Close stops background loops and persists the index
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveIndex()
}

func (s *Store) drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

func (s *Store) removeLocked(key string) {
	it, ok := s.index[key]
	if !ok {
		return
	}
	_ = os.Remove(it.FilePath)
	delete(s.index, key)
	s.currentSize -= it.Size
}

func (s *Store) filePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.config.Directory, hex.EncodeToString(sum[:12])+".cache")
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) writeFile(it *item, data []byte) (int64, error) {
	payload := data
	if it.Compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return 0, err
		}
		if err := zw.Close(); err != nil {
			return 0, err
		}
		payload = buf.Bytes()
	}

	if err := os.WriteFile(it.FilePath, payload, 0600); err != nil {
		_ = os.Remove(it.FilePath)
		return 0, err
	}
	return int64(len(payload)), nil
}

func (s *Store) readFile(it *item) ([]byte, error) {
	file, err := os.Open(it.FilePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if it.Compressed {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		reader = zr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if checksum(data) != it.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s", it.Key)
	}
	return data, nil
}

// evictIfNeeded drops least recently accessed files until under MaxSize
func (s *Store) evictIfNeeded() {
	if s.currentSize <= s.config.MaxSize {
		return
	}
	items := make([]*item, 0, len(s.index))
	for _, it := range s.index {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AccessTime.Before(items[j].AccessTime)
	})
	for _, it := range items {
		if s.currentSize <= s.config.MaxSize {
			return
		}
		s.removeLocked(it.Key)
	}
}

func (s *Store) indexPath() (string, error) {
	p := filepath.Join(s.config.Directory, s.config.IndexFile)
	if !strings.HasPrefix(filepath.Clean(p), filepath.Clean(s.config.Directory)) {
		return "", fmt.Errorf("invalid index file path: %s", p)
	}
	return p, nil
}

func (s *Store) loadIndex() error {
	p, err := s.indexPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var items map[string]*item
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}

	now := time.Now()
	for key, it := range items {
		if it.expired(now) {
			_ = os.Remove(it.FilePath)
			continue
		}
		if _, err := os.Stat(it.FilePath); err != nil {
			continue
		}
		s.index[key] = it
		s.currentSize += it.Size
	}
	return nil
}

// saveIndex writes the index atomically; callers hold at least a read lock
func (s *Store) saveIndex() error {
	p, err := s.indexPath()
	if err != nil {
		return err
	}
	data, err := json.Marshal(s.index)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, it := range s.index {
		if it.expired(now) {
			s.removeLocked(key)
			removed++
		}
	}
	return removed
}

func (s *Store) syncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			if err := s.saveIndex(); err != nil {
				s.logger.Warn("failed to sync cache index", zap.Error(err))
			}
			s.mu.RUnlock()
		}
	}
}
