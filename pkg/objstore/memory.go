package objstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

// Memory keeps objects in a mutex-guarded map. It backs tests and
// short-lived tooling; nothing survives the process.
type Memory struct {
	mu       sync.Mutex
	created  bool
	objects  map[string][]byte
	pageSize int
}

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// PageSize bounds listing pages. Defaults to DefaultPageSize.
	PageSize int
	// Created marks the container as already existing, skipping the
	// CreateBucket step.
	Created bool
}

// NewMemory returns an empty in-memory client.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Memory{
		created:  cfg.Created,
		objects:  make(map[string][]byte),
		pageSize: cfg.PageSize,
	}
}

func (m *Memory) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "Get", key)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (m *Memory) Head(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		if !m.created {
			return xerrors.E(xerrors.KindNotFound, "Head", "")
		}
		return nil
	}
	if _, ok := m.objects[key]; !ok {
		return xerrors.E(xerrors.KindNotFound, "Head", key)
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, prefix, marker string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && k > marker {
			keys = append(keys, k)
		}
	}
	sizes := make(map[string]int64, len(keys))
	for _, k := range keys {
		sizes[k] = int64(len(m.objects[k]))
	}
	m.mu.Unlock()
	sort.Strings(keys)

	page := &Page{Objects: []Object{}}
	if len(keys) > m.pageSize {
		page.Truncated = true
		keys = keys[:m.pageSize]
	}
	for _, k := range keys {
		page.Objects = append(page.Objects, Object{Key: k, Size: sizes[k]})
	}
	return page, nil
}

func (m *Memory) CreateBucket(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.created = true
	m.mu.Unlock()
	return nil
}
