// Copyright 2026 fanjia1024
// Secret management for agent credentials

package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Store Secret 存储接口；Agent 用它读取访问服务端的 bearer token
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值（注册成功后写回 token）
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret（注册失效时清理 token）
	Delete(ctx context.Context, key string) error
}

// Config Secret Store 配置
type Config struct {
	Provider string      // env | memory | file | vault
	Dir      string      // file provider 的挂载目录
	Vault    VaultConfig // vault provider 配置
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch strings.ToLower(config.Provider) {
	case "", "env":
		return NewEnvStore(), nil
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(config.Dir)
	case "vault":
		return NewVaultStore(config.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// Token 读取 token 并去掉首尾空白；key 不存在时返回空串与 nil，表示以匿名身份访问
func Token(ctx context.Context, s Store, key string) (string, error) {
	if s == nil || key == "" {
		return "", nil
	}
	v, err := s.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(v), nil
}
