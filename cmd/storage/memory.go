package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// MemoryStore is an in-process ObjectStore used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	puts    map[string]int
	ops     int

	// Fail* force the matching operation to return an error when set.
	FailHead   error
	FailPut    error
	FailDelete error
	FailList   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		puts:    make(map[string]int),
	}
}

func (m *MemoryStore) Head(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++

	if m.FailHead != nil {
		return ObjectInfo{}, m.FailHead
	}
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, body io.ReadSeeker, size int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++

	if m.FailPut != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, m.FailPut)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("%w: short body for %s: %d of %d bytes", ErrUploadFailed, key, len(data), size)
	}
	m.objects[key] = memoryObject{data: data, contentType: contentType, lastModified: time.Now().UTC()}
	m.puts[key]++
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++

	if m.FailList != nil {
		return nil, fmt.Errorf("%w: %v", ErrListFailed, m.FailList)
	}
	var out []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++

	if m.FailDelete != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, m.FailDelete)
	}
	delete(m.objects, key)
	return nil
}

// Object returns the stored bytes and content type for key.
func (m *MemoryStore) Object(key string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}

// PutCount returns how many successful puts key has received.
func (m *MemoryStore) PutCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

// Ops returns the total number of store calls made so far
func (m *MemoryStore) Ops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}
