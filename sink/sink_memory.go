package sink

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It is used by the local demo and by tests
// that need a lake without S3.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	writes  int
}

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Write(ctx context.Context, req WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	m.mu.Lock()
	m.objects[req.Key] = memObject{
		data:        bytes.Clone(req.Data),
		contentType: req.ContentType,
		modified:    time.Now(),
	}
	m.writes++
	m.mu.Unlock()
	return nil
}

func (m *Memory) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	var buf bytes.Buffer
	if err := req.Writer.WriteTo(&buf); err != nil {
		return err
	}
	return m.Write(ctx, WriteRequest{Key: req.Key, Data: buf.Bytes(), ContentType: req.ContentType})
}

func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]ObjectInfo, 0, len(m.objects))
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(o.data)), LastModified: o.modified})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	o, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("read key=%q: %w", key, ErrNotFound)
	}
	return bytes.Clone(o.data), nil
}

// ContentType returns the content type stored with key.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

// Writes reports how many writes succeeded, overwrites included.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
