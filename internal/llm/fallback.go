package llm

import (
	"context"
	"log/slog"

	"SwapSentinel/pkg/logger"
)

// Fallback 把主解析器和备用解析器组合成一个 Client。主解析器失败时
// 自动切换到备用解析器，调用方无需关心切换逻辑。
type Fallback struct {
	primary   Client
	secondary Client
}

// NewFallback 构造带降级能力的解析客户端。secondary 为空时退化为直接
// 调用 primary。
func NewFallback(primary, secondary Client) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

// Name 返回当前组合的标识。
func (f *Fallback) Name() string {
	if f.secondary == nil {
		return f.primary.Name()
	}
	return f.primary.Name() + "+" + f.secondary.Name()
}

// ParseIntent 先调用主解析器，失败时记录原因并降级。
func (f *Fallback) ParseIntent(ctx context.Context, sanitized string) (*Result, error) {
	result, err := f.primary.ParseIntent(ctx, sanitized)
	if err == nil {
		return result, nil
	}
	if f.secondary == nil {
		return nil, err
	}
	logger.L().Warn("意图解析主通道失败，切换到备用解析器",
		slog.String("primary", f.primary.Name()),
		slog.String("secondary", f.secondary.Name()),
		slog.String("error", err.Error()),
	)
	return f.secondary.ParseIntent(ctx, sanitized)
}
