package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fault lets tests inject a failure for an operation ("put", "list", "stat",
// "get" or "delete") on key. Returning nil lets the call proceed.
type Fault func(op, key string) error

type memoryObject struct {
	data       []byte
	meta       Metadata
	modifiedAt time.Time
}

// MemoryStore is an in-process Store. An object becomes visible only once its
// whole body has been read, matching the all-or-nothing semantics of a real
// upload.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	puts    map[string]int
	fault   Fault
	now     func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		puts:    make(map[string]int),
		now:     time.Now,
	}
}

// SetFault installs f as the failure hook. Passing nil clears it.
func (s *MemoryStore) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Puts reports how many successful writes key has received.
func (s *MemoryStore) Puts(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts[key]
}

// Keys returns the stored keys in lexical order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemoryStore) check(op, key string) error {
	s.mu.RLock()
	fault := s.fault
	s.mu.RUnlock()
	if fault == nil {
		return nil
	}
	return fault(op, key)
}

func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, meta Metadata) error {
	if err := s.check("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("memory store upload %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("memory store upload %s: %w: read %d of %d bytes", key, io.ErrUnexpectedEOF, len(data), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{data: data, meta: meta, modifiedAt: s.now()}
	s.puts[key]++
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	if err := s.check("list", prefix); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Object
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{Key: key, Size: int64(len(obj.data)), ModifiedAt: obj.modifiedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Stat(_ context.Context, key string) (Object, error) {
	if err := s.check("stat", key); err != nil {
		return Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{
		Key:        key,
		Size:       int64(len(obj.data)),
		CreatedAt:  obj.meta.CreatedAt,
		Digest:     obj.meta.Digest,
		ModifiedAt: obj.modifiedAt,
	}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := s.check("get", key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := s.check("delete", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}
