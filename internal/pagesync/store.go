package pagesync

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	storeFileName = "app-storage.json"
	keyFileName   = "encryption.key"
)

// storeBackend persists sealed values. put and delete receive the full mirror
// after the mutation so whole-file backends can rewrite it in one go.
type storeBackend interface {
	load() (map[string]string, error)
	put(key, blob string, all map[string]string) error
	delete(keys []string, all map[string]string) error
	reset() error
	close() error
}

type StoreOptions struct {
	Dir    string
	Secret string // externally supplied secret; ignored when shorter than 16
	Engine string // "file" (default), "leveldb", "bolt" or "redis"
	Redis  RedisStoreOptions
}

// Store is the encrypted key-value store. Every value is JSON encoded, sealed
// and persisted before Set returns. A mutex serializes all callers.
type Store struct {
	mu      sync.Mutex
	data    map[string]string
	backend storeBackend
	sealer  *sealer
}

func OpenStore(opts StoreOptions) (*Store, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	secret, err := resolveSecret(opts.Secret, filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	sl, err := newSealer(secret)
	if err != nil {
		return nil, err
	}

	var be storeBackend
	switch strings.ToLower(opts.Engine) {
	case "", "file":
		be = newFileBackend(filepath.Join(dir, storeFileName))
	case "leveldb":
		be, err = newLevelDBBackend(filepath.Join(dir, "leveldb"))
	case "bolt":
		be, err = newBoltBackend(filepath.Join(dir, "app-storage.db"))
	case "redis":
		be, err = newRedisBackend(opts.Redis)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", opts.Engine)
	}
	if err != nil {
		return nil, err
	}

	data, err := be.load()
	if err != nil {
		// Unreadable store file: start over, same policy as a bad key.
		log.Printf("[STORE] load failed, starting empty: %v", err)
		data = map[string]string{}
		if rerr := be.reset(); rerr != nil {
			log.Printf("[STORE] reset failed: %v", rerr)
		}
	}
	return &Store{data: data, backend: be, sealer: sl}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.close()
}

// Set stores v under key. A *PersistenceError means the value is visible in
// memory but did not reach the backend.
func (s *Store) Set(key string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	blob, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("encrypt %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = blob
	if err := s.backend.put(key, blob, s.data); err != nil {
		return &PersistenceError{Op: "set", Err: err}
	}
	return nil
}

// Get decodes the value under key into out. A value that cannot be decrypted
// wipes the whole store and is reported as absent.
func (s *Store) Get(key string, out any) (bool, error) {
	raw, ok := s.GetRaw(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) GetRaw(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.data[key]
	if !ok {
		return nil, false
	}
	plain, err := s.sealer.Open(blob)
	if err == nil && !json.Valid(plain) {
		err = fmt.Errorf("invalid plaintext")
	}
	if err != nil {
		log.Printf("[STORE] %v; clearing storage", &DecryptionError{Key: key, Err: err})
		s.resetLocked()
		return nil, false
	}
	return json.RawMessage(plain), true
}

func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	if err := s.backend.delete([]string{key}, s.data); err != nil {
		return &PersistenceError{Op: "remove", Err: err}
	}
	return nil
}

// RemovePrefix deletes every key starting with prefix in a single write and
// returns how many were removed.
func (s *Store) RemovePrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	if err := s.backend.delete(keys, s.data); err != nil {
		return len(keys), &PersistenceError{Op: "remove", Err: err}
	}
	return len(keys), nil
}

// Keys returns a sorted snapshot of every key.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *Store) resetLocked() {
	s.data = map[string]string{}
	if err := s.backend.reset(); err != nil {
		log.Printf("[STORE] clear failed: %v", err)
		return
	}
	log.Printf("[STORE] storage cleared")
}
