package saga

import (
	"context"
)

// StepHook 每个步骤结束后回调，failure 为 nil 表示成功
type StepHook func(ctx context.Context, step string, failure *Failure)

type Executor[T any] struct {
	compensate CompensateFunc[T]
	hook       StepHook
}

func NewExecutor[T any](compensate CompensateFunc[T]) *Executor[T] {
	return &Executor[T]{compensate: compensate}
}

// WithHook 设置步骤回调（用于 tracing / metrics）
func (e *Executor[T]) WithHook(h StepHook) *Executor[T] {
	e.hook = h
	return e
}

// Run 按顺序执行步骤；遇到失败立即停止，若之前已有可补偿步骤成功则调用补偿
func (e *Executor[T]) Run(ctx context.Context, initial T, steps []Step[T]) Outcome[T] {
	out := Outcome[T]{State: initial}
	needsCompensation := false

	for _, step := range steps {
		res := step.Run(ctx, out.State)
		out.State = res.Value()

		if f := res.Failure(); f != nil {
			f.Step = step.Name
			out.Failure = f
			e.notify(ctx, step.Name, f)

			if needsCompensation && e.compensate != nil {
				out.Compensated = true
				out.CompensationErr = e.compensate(ctx, out.State, f)
			}
			return out
		}

		e.notify(ctx, step.Name, nil)
		out.Completed = append(out.Completed, step.Name)
		if step.Compensable {
			needsCompensation = true
		}
	}
	return out
}

func (e *Executor[T]) notify(ctx context.Context, step string, f *Failure) {
	if e.hook != nil {
		e.hook(ctx, step, f)
	}
}
