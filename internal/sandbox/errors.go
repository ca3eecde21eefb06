package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionTimeout 脚本超出墙钟超时
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrPackageNotInstalled require 了未安装的包
	ErrPackageNotInstalled = errors.New("package not installed")
	// ErrExecutionStalled 脚本挂起且没有可运行的定时器，也没有发送响应
	ErrExecutionStalled = errors.New("execution stalled without a response")
)

// ExecutionError 路由脚本抛出的错误（语法、运行时、超时或模块解析）
type ExecutionError struct {
	Message string
	Stack   string
	Cause   error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// IsTimeout 判断是否为超时
func (e *ExecutionError) IsTimeout() bool {
	return errors.Is(e.Cause, ErrExecutionTimeout)
}

func timeoutError(limitMs int64) *ExecutionError {
	return &ExecutionError{
		Message: fmt.Sprintf("Script execution timed out after %dms", limitMs),
		Cause:   ErrExecutionTimeout,
	}
}

// PackageError require 未安装包时抛给脚本的错误
type PackageError struct {
	Name string
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("Package \"%s\" is not installed. Please install it first.", e.Name)
}

func (e *PackageError) Is(target error) bool {
	return target == ErrPackageNotInstalled
}
