// Package credential 提供访问令牌的来源抽象。
// API 客户端在构造时注入 Provider，而不是在各调用点读取全局状态。
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredentials 表示当前没有可用的令牌（未登录）。
	ErrNoCredentials = errors.New("credential: no token available")
	// ErrTokenExpired 表示令牌的 exp 已过期，等同于会话过期。
	ErrTokenExpired = errors.New("credential: token expired")
)

// Provider 返回用于 Authorization 头的 bearer 令牌。
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator 由能够丢弃已保存令牌的 Provider 实现，收到 401 时调用。
type Invalidator interface {
	Invalidate() error
}

// Static 是固定令牌，来自配置、命令行参数或环境变量。
type Static string

// Token 返回固定令牌。
func (s Static) Token(ctx context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrNoCredentials
	}
	if err := CheckExpiry(tok, time.Now()); err != nil {
		return "", err
	}
	return tok, nil
}

// FileProvider 将令牌保存在本地文件中，相当于浏览器的 local storage。
type FileProvider struct {
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewFileProvider 创建一个读取指定文件的 FileProvider。
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path, now: time.Now}
}

// Token 读取令牌文件并检查过期时间。
func (p *FileProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredentials
		}
		return "", fmt.Errorf("读取令牌文件失败: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoCredentials
	}
	if err := CheckExpiry(tok, p.now()); err != nil {
		return "", err
	}
	return tok, nil
}

// Save 将令牌写入文件，文件权限为 0600。
func (p *FileProvider) Save(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("创建令牌目录失败: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("写入令牌文件失败: %w", err)
	}
	return nil
}

// Invalidate 删除令牌文件。文件不存在不视为错误。
func (p *FileProvider) Invalidate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除令牌文件失败: %w", err)
	}
	return nil
}

// CheckExpiry 在不校验签名的前提下解析 JWT 的 exp。
// 非 JWT 格式的不透明令牌直接放行，由服务端决定是否有效。
func CheckExpiry(token string, now time.Time) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}
