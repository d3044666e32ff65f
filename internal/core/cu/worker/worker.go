// Package worker 执行工作者：把编译好的Wasm模块包装成带gas与内存上限的
// 存活实例，并对外暴露单次同步语义的invoke调用。
//
// 每次invoke在独立goroutine上执行并运行到完成；调用期间的任何guest异常
// 都被捕获并折算进EvaluationOutput.Error，不向上层抛出。并行度在进程粒度
// 上：每个进程的评估由自己的crank goroutine驱动，互不阻塞。
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"

	icache "github.com/weisyn/compute-unit/internal/core/cu/cache"
	"github.com/weisyn/compute-unit/internal/core/cu/store"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// InvokeParams 一次调用的完整参数集
type InvokeParams struct {
	StreamID  types.StreamId
	ModuleID  types.ModuleId
	GasLimit  uint64
	MemLimit  uint32
	Name      string
	ProcessID string
	Memory    types.Memory
	Message   types.Message
}

// Worker 执行工作者
//
// 🎯 **核心职责**：把Module Loader与Instance Cache组合成单一的invoke入口
//
// 📋 **设计特点**：
// - 完整执行：每次调用在独立goroutine上运行到完成，不因取消半途而废
// - 错误收敛：调用期一切失败折算进EvaluationOutput.Error，绝不向上抛
// - 资源上限：gas经cu_host.consume_gas计量，线性内存按页数硬限
type Worker struct {
	loader    *store.Loader
	instances *icache.InstanceCache
	runtime   wazero.Runtime
	log       logiface.Logger

	hostOnce sync.Once
	hostErr  error
}

// New 基于装载器、实例缓存与wazero运行时构建Worker
func New(loader *store.Loader, instances *icache.InstanceCache, runtime wazero.Runtime, log logiface.Logger) *Worker {
	return &Worker{loader: loader, instances: instances, runtime: runtime, log: log}
}

// Invoke 执行一条消息
//
// 模块装载/编译失败以error返回，由evaluator归因到当前消息后继续；其余一切
// 调用期失败（trap、gas耗尽、内存越限、guest主动报错）都折算进返回值的
// Error字段，Memory回滚到调用前快照。
//
// 调用一律执行到完成才返回：ctx取消不会让Invoke提前放弃在途调用，否则
// evaluator会把半途而废的消息当作已处理并为它落检查点。取消由evaluator
// 在消息边界观察。
func (w *Worker) Invoke(ctx context.Context, params InvokeParams) (types.EvaluationOutput, error) {
	type result struct {
		out types.EvaluationOutput
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		out, err := w.invokeOnOwnThread(ctx, params)
		resultCh <- result{out: out, err: err}
	}()

	r := <-resultCh
	return r.out, r.err
}

func (w *Worker) invokeOnOwnThread(ctx context.Context, params InvokeParams) (out types.EvaluationOutput, ferr error) {
	w.hostOnce.Do(func() {
		w.hostErr = registerHostModule(ctx, w.runtime)
	})
	if w.hostErr != nil {
		return types.EvaluationOutput{}, w.hostErr
	}

	inst, freshlyLoaded, err := w.resolveInstance(ctx, params)
	if err != nil {
		// ModuleFetchError / CompileError：交给evaluator归因
		return types.EvaluationOutput{}, err
	}
	if freshlyLoaded {
		w.instances.Put(params.StreamID, inst)
	}

	meter := &gasMeter{limit: params.GasLimit}
	out = w.safeInvoke(withGasMeter(ctx, meter), inst, params)
	if out.GasUsed == 0 {
		out.GasUsed = meter.used.Load()
	}

	if !out.HasError() && inst.memoryPages() > params.MemLimit {
		out = types.EvaluationOutput{Error: fmt.Sprintf("memory limit exceeded: %d pages > limit %d", inst.memoryPages(), params.MemLimit)}
	}

	out.Normalize()

	if out.HasError() {
		// 出错的一步不允许改动持久状态
		out.Memory = params.Memory
	}
	return out, nil
}

func (w *Worker) resolveInstance(ctx context.Context, params InvokeParams) (*instance, bool, error) {
	if cached, ok := w.instances.Get(params.StreamID); ok {
		if inst, ok := cached.(*instance); ok {
			return inst, false, nil
		}
	}

	compiled, err := w.loader.LoadCompiled(ctx, params.ModuleID)
	if err != nil {
		return nil, false, err
	}

	inst, err := instantiate(ctx, w.runtime, params.StreamID, params.ModuleID, compiled, params.GasLimit, params.MemLimit)
	if err != nil {
		return nil, false, &store.CompileError{ModuleID: string(params.ModuleID), Err: err}
	}
	return inst, true, nil
}

// safeInvoke 调用guest入口，recover一切guest panic并折算为Error
func (w *Worker) safeInvoke(ctx context.Context, inst *instance, params InvokeParams) (out types.EvaluationOutput) {
	defer func() {
		if r := recover(); r != nil {
			if w.log != nil {
				w.log.Errorf("执行工作者: 捕获模块 %s 的guest panic: %v", params.ModuleID, r)
			}
			out = types.EvaluationOutput{Error: fmt.Sprintf("%v", r)}
		}
	}()

	result, err := inst.invokeHandle(ctx, params.Memory, params.Message)
	if err != nil {
		return types.EvaluationOutput{Error: err.Error()}
	}
	return result
}
