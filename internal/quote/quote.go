package quote

import (
	"context"
	"log/slog"
	"math/big"
	"sort"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/swap"
	"SwapSentinel/pkg/logger"
)

// Provider 定义报价源的通用接口。实现必须把返回内容当作不可信外部
// 数据：这里不做任何合规判断，验证交给输出护栏与策略门。
type Provider interface {
	Name() string
	Quotes(ctx context.Context, intent swap.Intent) ([]swap.Quote, error)
}

// Registry 按名字管理一组报价源。
type Registry struct {
	defaultName string
	providers   map[string]Provider
}

// NewRegistry 构造报价源注册表。defaultName 必须指向一个已注册的源。
func NewRegistry(defaultName string, providers ...Provider) (*Registry, error) {
	registry := &Registry{
		defaultName: defaultName,
		providers:   make(map[string]Provider, len(providers)),
	}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		if _, exists := registry.providers[provider.Name()]; exists {
			return nil, xerrors.New(xerrors.CodeConfigInvalid,
				"报价源名字重复: "+provider.Name())
		}
		registry.providers[provider.Name()] = provider
	}
	if len(registry.providers) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置任何报价源")
	}
	if registry.defaultName == "" {
		registry.defaultName = registry.Names()[0]
	}
	if _, ok := registry.providers[registry.defaultName]; !ok {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			"默认报价源 "+registry.defaultName+" 未注册")
	}
	return registry, nil
}

// Default 返回配置的默认报价源。
func (r *Registry) Default() (Provider, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "报价源注册表未初始化")
	}
	provider, ok := r.providers[r.defaultName]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			"默认报价源 "+r.defaultName+" 未在注册表中")
	}
	return provider, nil
}

// Provider 返回指定名字的报价源。
func (r *Registry) Provider(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	provider, ok := r.providers[name]
	return provider, ok
}

// Names 返回已注册的报价源名字，按字典序。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect 依次向所有报价源取报价并合并。单个源失败只记日志继续，
// 全部失败才返回 TOOL_FAILURE。结果按优劣排序，最优在前。
func (r *Registry) Collect(ctx context.Context, intent swap.Intent) ([]swap.Quote, error) {
	if r == nil || len(r.providers) == 0 {
		return nil, xerrors.New(xerrors.CodeToolFailure, "未配置任何报价源")
	}

	var merged []swap.Quote
	var lastErr error
	for _, name := range r.Names() {
		provider := r.providers[name]
		quotes, err := provider.Quotes(ctx, intent)
		if err != nil {
			lastErr = err
			logger.L().Warn("报价源调用失败",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		merged = append(merged, quotes...)
	}
	if len(merged) == 0 {
		if lastErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeToolFailure, lastErr, "所有报价源都失败")
		}
		return nil, xerrors.New(xerrors.CodeToolFailure, "没有获取到任何报价")
	}
	Sort(merged)
	return merged, nil
}

// Sort 把报价按优劣排序：买入数量多者优先，数量相同时 gas 估算低者
// 优先。排序是稳定的，同参报价保持来源顺序。
func Sort(quotes []swap.Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		left, leftOK := new(big.Int).SetString(quotes[i].BuyAmount, 10)
		right, rightOK := new(big.Int).SetString(quotes[j].BuyAmount, 10)
		if leftOK && rightOK {
			switch left.Cmp(right) {
			case 1:
				return true
			case -1:
				return false
			}
		} else if leftOK != rightOK {
			// 可解析的报价排在不可解析的前面。
			return leftOK
		}
		return quotes[i].GasEstimate < quotes[j].GasEstimate
	})
}
