// Package sinktest provides an in-memory sink.ObjectStore for tests.
package sinktest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/edgestack/edgestack/runner/internal/sink"
)

// Object is one stored blob.
type Object struct {
	Data []byte
	Opts sink.PutOptions
}

// MemStore keeps objects in a map. PutErrs, when non-empty, are returned by
// successive Put calls before any write succeeds.
type MemStore struct {
	Name string

	mu      sync.Mutex
	objects map[string]Object
	PutErrs []error
	puts    int
}

var _ sink.ObjectStore = (*MemStore)(nil)

// NewMemStore returns an empty store for bucket.
func NewMemStore(bucket string) *MemStore {
	return &MemStore{Name: bucket, objects: make(map[string]Object)}
}

func (m *MemStore) Bucket() string { return m.Name }

func (m *MemStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts sink.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if len(m.PutErrs) > 0 {
		err := m.PutErrs[0]
		m.PutErrs = m.PutErrs[1:]
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("sinktest: size %d != declared %d", len(data), size)
	}
	m.objects[key] = Object{Data: data, Opts: opts}
	return nil
}

func (m *MemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("sinktest: no such key %q", key)
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Object returns the stored object under key.
func (m *MemStore) Object(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Set stores data under key without going through Put.
func (m *MemStore) Set(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: data}
}

// Puts returns how many Put calls were made, failed ones included.
func (m *MemStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
