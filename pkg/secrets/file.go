// Copyright 2026 fanjia1024
// Mounted-file secret store (Kubernetes secret volumes, docker secrets)

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type fileStore struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]string
}

// NewFileStore 创建文件 secret store：每个 key 对应 dir 下的同名文件
func NewFileStore(dir string) (Store, error) {
	if dir == "" {
		dir = "/etc/fleet-agent/secrets"
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("secrets dir not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets path is not a directory: %s", dir)
	}
	return &fileStore{dir: dir, cache: make(map[string]string)}, nil
}

func (f *fileStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.RLock()
	if val, ok := f.cache[key]; ok {
		f.mu.RUnlock()
		return val, nil
	}
	f.mu.RUnlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", notFound("secret not found", key)
		}
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	f.mu.Lock()
	f.cache[key] = string(data)
	f.mu.Unlock()
	return string(data), nil
}

// Set 写入文件（0600），挂载卷只读时返回错误
func (f *fileStore) Set(ctx context.Context, key string, value string) error {
	if err := os.WriteFile(f.path(key), []byte(value), 0600); err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
	return nil
}

func (f *fileStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.cache, key)
	f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

func (f *fileStore) path(key string) string {
	return filepath.Join(f.dir, filepath.Base(key))
}
