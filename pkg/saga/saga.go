// Package saga 顺序执行步骤，枢轴步骤之后的任何失败都交给补偿器处理
package saga

import (
	"context"
	"fmt"
)

// Failure 步骤失败原因
type Failure struct {
	Step   string
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Err != nil && f.Err.Error() != f.Reason {
		return fmt.Sprintf("%s: %s: %v", f.Step, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Step, f.Reason)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Result 步骤结果，Ok 与 Err 二选一；失败时同样携带最新状态，供补偿读取
type Result[T any] struct {
	value   T
	failure *Failure
}

func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

func Err[T any](v T, reason string, err error) Result[T] {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return Result[T]{value: v, failure: &Failure{Reason: reason, Err: err}}
}

func (r Result[T]) IsOk() bool { return r.failure == nil }

func (r Result[T]) Value() T { return r.value }

func (r Result[T]) Failure() *Failure { return r.failure }

// Step 一个前向步骤
type Step[T any] struct {
	Name string
	// Compensable 成功后留下需要撤销的外部副作用
	Compensable bool
	Run         func(ctx context.Context, state T) Result[T]
}

// CompensateFunc 在补偿边界之后失败时调用
type CompensateFunc[T any] func(ctx context.Context, state T, failure *Failure) error

// Outcome 一次执行的结果
type Outcome[T any] struct {
	State           T
	Completed       []string
	Failure         *Failure
	Compensated     bool
	CompensationErr error
}

func (o Outcome[T]) Succeeded() bool { return o.Failure == nil }
