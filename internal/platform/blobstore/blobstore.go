// Package blobstore stores issued report PDFs. Keys are relative slash
// separated paths; objects are create-only.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrExists   = errors.New("blob already exists")
)

type Driver string

const (
	DriverMemory     Driver = "memory"
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
	URL          string    `json:"url"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the contract shared by the memory, filesystem and S3 drivers.
type Store interface {
	Driver() Driver
	// Put writes a new object and fails with ErrExists if key is taken.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid absolute key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("invalid key %q contains '..'", key)
		}
	}
	return nil
}

type memObject struct {
	data        []byte
	contentType string
	sha         string
	modified    time.Time
}

// Memory is a thread-safe in-process Store for tests and development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Driver() Driver { return DriverMemory }

func (m *Memory) Put(_ context.Context, key string, r io.Reader, contentType string) (Info, error) {
	if err := validateKey(key); err != nil {
		return Info{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read content: %w", err)
	}
	sum := sha256.Sum256(data)
	obj := memObject{data: data, contentType: contentType, sha: hex.EncodeToString(sum[:]), modified: time.Now().UTC()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return Info{}, fmt.Errorf("%s: %w", key, ErrExists)
	}
	m.objects[key] = obj
	return m.info(key, obj), nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, key string) (Info, io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return Info{}, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return m.info(key, obj), io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) info(key string, obj memObject) Info {
	return Info{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		SHA256:       obj.sha,
		URL:          "memory://" + key,
		LastModified: obj.modified,
	}
}
