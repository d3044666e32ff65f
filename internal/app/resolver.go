package app

import (
	"context"
	"fmt"

	"github.com/weisyn/compute-unit/internal/core/cu/checkpoint"
	collaborators "github.com/weisyn/compute-unit/pkg/interfaces/cu"
	"github.com/weisyn/compute-unit/pkg/types"
)

// processRunResolver 实现router.RunResolver：向ProcessDirectory询问事务的
// 进程绑定，用上一份检查点（首跑则为零值Memory）填充Result.Memory，并构造
// 供evaluator消费的惰性消息序列。
type processRunResolver struct {
	directory collaborators.ProcessDirectory
	memory    collaborators.ProcessMemoryLoader
	limits    checkpoint.Limits
}

func newProcessRunResolver(directory collaborators.ProcessDirectory, memory collaborators.ProcessMemoryLoader, limits checkpoint.Limits) *processRunResolver {
	return &processRunResolver{directory: directory, memory: memory, limits: limits}
}

func (r *processRunResolver) Resolve(ctx context.Context, txID string) (string, types.StreamId, *types.EvaluationContext, error) {
	desc, err := r.directory.DescribeTransaction(ctx, txID)
	if err != nil {
		return "", "", nil, fmt.Errorf("resolve %s: %w", txID, err)
	}

	// 模块自报的上限不允许越过系统级配置上限
	if checkpoint.ExceedsMaxMemory(desc.MemoryLimit, r.limits) {
		desc.MemoryLimit = r.limits.MemoryLimitPages
	}
	if checkpoint.ExceedsMaxCompute(desc.ComputeLimit, r.limits) {
		desc.ComputeLimit = r.limits.ComputeLimit
	}

	streamID := types.NewStreamId(desc.ProcessID, desc.LowerBound)

	var initial types.Memory
	if snap, ok, err := r.memory.LoadLatestProcessMemory(ctx, desc.ProcessID); err != nil {
		return "", "", nil, fmt.Errorf("resolve %s: load checkpoint: %w", txID, err)
	} else if ok {
		initial = snap.Memory
	}

	messages, err := r.directory.Messages(ctx, desc.ProcessID, desc.LowerBound)
	if err != nil {
		return "", "", nil, fmt.Errorf("resolve %s: messages: %w", txID, err)
	}

	ec := &types.EvaluationContext{
		ID:                 txID,
		ModuleID:           desc.ModuleID,
		ModuleComputeLimit: desc.ComputeLimit,
		ModuleMemoryLimit:  desc.MemoryLimit,
		Result:             types.EvaluationOutput{Memory: initial},
		Messages:           messages,
	}

	return desc.ProcessID, streamID, ec, nil
}
