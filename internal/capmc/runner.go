package capmc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"powcap/internal/common"
)

// Runner 同步执行外部工具，捕获stdout与退出状态。
// 生产实现使用子进程；测试中注入假实现。
type Runner interface {
	Run(ctx context.Context, name, path string, args []string) ([]byte, error)
}

// ExecRunner 基于子进程的Runner实现，超时由ctx的截止时间强制
type ExecRunner struct{}

// NewExecRunner 创建子进程Runner
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run 执行工具并等待其退出。非零退出状态与超时都作为 *common.ToolError 返回，
// 此时stdout视为错误消息而非数据。
func (r *ExecRunner) Run(ctx context.Context, name, path string, args []string) ([]byte, error) {
	subcommand := ""
	if len(args) > 0 {
		subcommand = args[0]
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if ctx.Err() != nil {
		return nil, common.NewToolError(subcommand, -1, "", common.ErrToolTimeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stdout.String())
		return nil, common.NewToolError(subcommand, exitErr.ExitCode(), msg, nil)
	}
	return nil, common.NewToolError(subcommand, -1, "", err)
}
