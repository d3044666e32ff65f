package cu

import (
	"context"

	"github.com/weisyn/compute-unit/pkg/types"
)

// ProcessDescriptor 调度器为进程指定的模块绑定与资源上限，Router的解析
// 步骤据此构造EvaluationContext
type ProcessDescriptor struct {
	ProcessID    string
	ModuleID     types.ModuleId
	ComputeLimit uint64
	MemoryLimit  uint32
	LowerBound   int64
}

// ProcessDirectory 调度器/消息单元侧的查询边界：给定一个已调度的事务id，
// 它属于哪个进程、绑定哪个模块与上限，以及该进程自某个下界起的有序消息流
type ProcessDirectory interface {
	DescribeTransaction(ctx context.Context, txID string) (ProcessDescriptor, error)
	Messages(ctx context.Context, processID string, lowerBound int64) (types.MessageSequence, error)
}
