package common

import (
	"errors"
	"fmt"
)

// 定义常见错误类型
var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrEmptyResponse        = errors.New("empty tool response")
	ErrMalformedResponse    = errors.New("malformed tool response")
	ErrUnknownNode          = errors.New("node not in cluster table")
	ErrToolTimeout          = errors.New("tool invocation timed out")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ToolError 外部工具调用错误，携带子命令、退出码和捕获的输出
type ToolError struct {
	Subcommand string `json:"subcommand"`
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output"`
	Cause      error  `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("capmc %s: %v", e.Subcommand, e.Cause)
	}
	return fmt.Sprintf("capmc %s: exit status %d: %s", e.Subcommand, e.ExitStatus, e.Output)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError 创建外部工具调用错误
func NewToolError(subcommand string, exitStatus int, output string, cause error) *ToolError {
	return &ToolError{
		Subcommand: subcommand,
		ExitStatus: exitStatus,
		Output:     output,
		Cause:      cause,
	}
}
