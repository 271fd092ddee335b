package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry 是一个已下载归档文件及其校验令牌。
type Entry struct {
	Key       Key
	ETag      string
	Payload   []byte
	FetchedAt time.Time
}

type entryMeta struct {
	Key       string    `json:"key"`
	ETag      string    `json:"etag"`
	Size      int       `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CacheStore maps archive keys to previously fetched payloads. It is shared by
// all pair workers: the map is split into shards, each with its own lock, and
// disk writes go through temp+rename so a concurrent reader never sees half a file.
//
// With a directory configured only metadata stays in memory and payloads are read
// from disk on demand; without one everything lives in memory. Entries are bounded
// by the finite set of archive periods ever fetched, so there is no eviction.
type CacheStore struct {
	dir    string
	shards []cacheShard
}

type cacheShard struct {
	mu   sync.RWMutex
	data map[string]Entry
}

const defaultShardCount = 32

// NewCacheStore opens (or creates) a cache rooted at dir. An empty dir keeps the
// cache in memory only.
func NewCacheStore(dir string) (*CacheStore, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	s := &CacheStore{dir: dir, shards: make([]cacheShard, defaultShardCount)}
	for i := range s.shards {
		s.shards[i] = cacheShard{data: make(map[string]Entry)}
	}
	return s, nil
}

func (s *CacheStore) shardFor(key string) *cacheShard {
	idx := hashKey(key) % uint32(len(s.shards))
	return &s.shards[idx]
}

// Get returns the entry for key if one was ever stored.
func (s *CacheStore) Get(key Key) (Entry, bool) {
	k := key.String()
	sh := s.shardFor(k)
	sh.mu.RLock()
	e, ok := sh.data[k]
	sh.mu.RUnlock()

	if ok && (e.Payload != nil || s.dir == "") {
		return e, true
	}
	if s.dir == "" {
		return Entry{}, false
	}

	loaded, err := s.readDisk(key)
	if err != nil {
		return Entry{}, false
	}
	sh.mu.Lock()
	sh.data[k] = withoutPayload(loaded)
	sh.mu.Unlock()
	return loaded, true
}

// Put stores entry under key, replacing any previous version.
func (s *CacheStore) Put(key Key, entry Entry) error {
	entry.Key = key
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now().UTC()
	}
	k := key.String()
	if s.dir != "" {
		if err := s.writeDisk(entry); err != nil {
			return err
		}
	}
	mem := entry
	if s.dir != "" {
		mem = withoutPayload(entry)
	} else {
		mem.Payload = append([]byte(nil), entry.Payload...)
	}
	sh := s.shardFor(k)
	sh.mu.Lock()
	sh.data[k] = mem
	sh.mu.Unlock()
	return nil
}

// IsFresh reports whether entry can be trusted as immutable: true for any period
// that ended at or before the start of current, false for the open period itself.
func (s *CacheStore) IsFresh(entry Entry, current Period) bool {
	return !entry.Key.Period.End().After(current.Start)
}

// Len counts entries currently indexed in memory.
func (s *CacheStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

// Close releases the in-memory index. Disk state is already durable.
func (s *CacheStore) Close() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]Entry)
		sh.mu.Unlock()
	}
	return nil
}

func withoutPayload(e Entry) Entry {
	e.Payload = nil
	return e
}

func (s *CacheStore) entryPath(key Key) string {
	return filepath.Join(s.dir, filepath.FromSlash(key.String())+".zip")
}

func (s *CacheStore) readDisk(key Key) (Entry, error) {
	path := s.entryPath(key)
	raw, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return Entry{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Entry{}, fmt.Errorf("decoding cache meta %s: %w", key, err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	if meta.Size != len(payload) {
		return Entry{}, errors.New("cache payload size mismatch")
	}
	return Entry{Key: key, ETag: meta.ETag, Payload: payload, FetchedAt: meta.FetchedAt}, nil
}

// writeDisk writes the payload before its metadata so a crash in between leaves
// an entry that readDisk rejects rather than one pointing at a stale payload.
func (s *CacheStore) writeDisk(e Entry) error {
	path := s.entryPath(e.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(path, e.Payload); err != nil {
		return fmt.Errorf("writing cache payload %s: %w", e.Key, err)
	}
	meta, err := json.Marshal(entryMeta{Key: e.Key.String(), ETag: e.ETag, Size: len(e.Payload), FetchedAt: e.FetchedAt})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path+".meta.json", meta); err != nil {
		return fmt.Errorf("writing cache meta %s: %w", e.Key, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
