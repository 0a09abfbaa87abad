package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"SwapSentinel/internal/llm"
	"SwapSentinel/internal/swap"
)

// 子进程解析器把意图解析外包给一个本地命令：固定指令与清洗后的文本从
// 标准输入进，结构化结果从标准输出出。适合接入无法以 HTTP 暴露的自托管
// 模型运行时。子进程生存期由调用方上下文约束，编排器的解析超时到点会
// 直接杀掉子进程。

// Config 描述子进程解析器的启动方式。
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	ChainID    int64
	Registry   *swap.Registry
}

// Client 通过一次性子进程调用完成意图解析，不保留任何跨请求状态。
type Client struct {
	command     string
	args        []string
	workingDir  string
	instruction string
}

// NewClient 构造子进程解析器。
func NewClient(cfg Config) (*Client, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("未指定解析命令")
	}
	chainID := cfg.ChainID
	if chainID <= 0 {
		chainID = 1
	}
	return &Client{
		command:     command,
		args:        append([]string(nil), cfg.Args...),
		workingDir:  cfg.WorkingDir,
		instruction: llm.BuildSystemInstruction(cfg.Registry, chainID),
	}, nil
}

// Name 返回提供方标识。
func (c *Client) Name() string { return "subprocess" }

// ParseIntent 实现 llm.Client。子进程每次调用重新拉起，只看到固定指令
// 与清洗后的文本，输出走与其他提供方相同的严格解码。
func (c *Client) ParseIntent(ctx context.Context, sanitized string) (*llm.Result, error) {
	payload, err := json.Marshal(map[string]string{
		"instruction": c.instruction,
		"message":     sanitized,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化解析请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.command, c.args...)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("解析子进程退出异常: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, fmt.Errorf("解析子进程没有输出")
	}
	return llm.DecodeResult(content)
}

var _ llm.Client = (*Client)(nil)
