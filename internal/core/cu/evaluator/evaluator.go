// Package evaluator 评估驱动器：按序消费一条惰性消息流，把每条消息的Wasm
// 调用输出折叠成新的内存快照，并维护去重、持久化与游标推进。
//
// 同一输入流绝不重排；第n条消息的输出完全折叠之前不会开始第n+1条。给定
// 相同的(moduleId, 初始Memory, 消息序列)，两次运行产出相同的
// (最终Memory, 最终Output, 游标)。
package evaluator

import (
	"context"
	"fmt"

	"github.com/weisyn/compute-unit/internal/core/cu/worker"
	collaborators "github.com/weisyn/compute-unit/pkg/interfaces/cu"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// WorkerInvoker 单次Wasm调用的入口，由worker.Worker实现
type WorkerInvoker interface {
	Invoke(ctx context.Context, params worker.InvokeParams) (types.EvaluationOutput, error)
}

// Evaluator 评估驱动器
//
// 🎯 **核心职责**：在一个EvaluationContext上驱动去重/调用/折叠/持久化状态机
//
// 📋 **设计特点**：
// - 严格顺序：消息按ordinate顺序消费，乱序输入视为调用方错误
// - 错误隔离：单条消息失败不终止运行，只有持久化失败才会
// - 确定性：相同输入序列产出相同的最终Memory/Output/游标
//
// 🔗 **依赖关系**：
// - WorkerInvoker：Wasm调用入口
// - Collaborators：持久化协作者（evaluation记录、deepHash索引、内存快照）
type Evaluator struct {
	worker        WorkerInvoker
	collaborators collaborators.Collaborators
	log           logiface.Logger

	onScheduled func()
	onCron      func()
	onError     func()
}

// New 基于执行工作者与依赖注入的协作者集合构建Evaluator
func New(w WorkerInvoker, c collaborators.Collaborators, log logiface.Logger) *Evaluator {
	return &Evaluator{worker: w, collaborators: c, log: log}
}

// SetMetricsHooks 挂接可选的按消息计数器（internal/app从metrics包提供）。
// 任意一个都可以为nil。
func (e *Evaluator) SetMetricsHooks(onScheduled, onCron, onError func()) {
	e.onScheduled, e.onCron, e.onError = onScheduled, onCron, onError
}

// Evaluate 消费ec.Messages直到耗尽或被取消，返回{折叠输出, 游标}
//
// 每条消息依次经过：计数、去重、标签净化、调用、折叠、错误计数、持久化、
// 游标推进。被去重跳过的消息不调用、不持久化、也不推进游标。流结束（或
// 取消）后恰好持久化一次最终内存快照。单条消息的失败绝不终止整次运行，
// 只有持久化失败才会。
func (e *Evaluator) Evaluate(ctx context.Context, ec *types.EvaluationContext, processID string, streamID types.StreamId) (types.EvaluateOutcome, error) {
	cronSeen := newCronDedupSet()

	var last types.Cursor
	var prevOrd, prevTs int64
	var havePrev bool

	for {
		msg, ok, err := ec.Messages.Next()
		if err != nil {
			return types.EvaluateOutcome{}, err
		}
		if !ok {
			break
		}

		// 乱序输入是调用方错误，不做静默重排
		if havePrev && (msg.Ordinate < prevOrd || (msg.Ordinate == prevOrd && msg.Timestamp < prevTs)) {
			return types.EvaluateOutcome{}, fmt.Errorf("evaluator: 消息 %s 乱序 (ordinate %d < %d)", msg.ID, msg.Ordinate, prevOrd)
		}
		prevOrd, prevTs, havePrev = msg.Ordinate, msg.Timestamp, true

		// 1. 计数
		if msg.HasCron() {
			ec.Stats.Cron++
			if e.onCron != nil {
				e.onCron()
			}
		} else {
			ec.Stats.Scheduled++
			if e.onScheduled != nil {
				e.onScheduled()
			}
		}

		// 2. 去重：被跳过的消息不产生任何状态变化
		skip, err := e.shouldSkip(ctx, msg, processID, cronSeen)
		if err != nil {
			return types.EvaluateOutcome{}, err
		}
		if skip {
			continue
		}

		// 3. 标签净化
		sanitized := sanitizedMessage(msg)

		// 4. 调用
		out, err := e.worker.Invoke(ctx, worker.InvokeParams{
			StreamID:  streamID,
			ModuleID:  ec.ModuleID,
			GasLimit:  ec.ModuleComputeLimit,
			MemLimit:  ec.ModuleMemoryLimit,
			ProcessID: processID,
			Memory:    ec.Result.Memory,
			Message:   sanitized,
		})
		if err != nil {
			// 取消导致的中断不是该消息自身的失败：不归因、不推进游标，
			// 按上一条消息的游标落检查点后退出，消息留待重放
			if ctx.Err() != nil {
				if e.log != nil {
					e.log.Infof("evaluator: 运行被取消，消息 %s 留待重放", msg.ID)
				}
				return e.finish(ctx, ec, processID, ec.Result, last)
			}
			// 模块装载/编译失败归因到当前消息，携带调用前Memory继续
			out = types.EvaluationOutput{Error: err.Error(), Memory: ec.Result.Memory}
			out.Normalize()
			if e.log != nil {
				e.log.Warnf("evaluator: 消息 %s 模块装载/编译失败: %v", msg.ID, err)
			}
		}

		// 5. 折叠
		ec.Result = out

		// 6. 错误计数
		if out.HasError() {
			ec.Stats.Error++
			if e.onError != nil {
				e.onError()
			}
		}

		// 7. 持久化：noSave或Error的评估不落库
		if !msg.NoSave && !out.HasError() {
			if err := e.collaborators.Saver.SaveEvaluation(ctx, collaborators.EvaluationRecord{
				ProcessID:   processID,
				Message:     *msg,
				Output:      out,
				Ordinate:    msg.Ordinate,
				Timestamp:   msg.Timestamp,
				BlockHeight: msg.BlockHeight,
				Cron:        msg.Cron,
			}); err != nil {
				// 持久化失败对本次运行是致命的；内存态已更新，按相同输入
				// 重试是安全的
				return types.EvaluateOutcome{}, fmt.Errorf("evaluator: saveEvaluation失败: %w", err)
			}
		}

		// 8. 推进游标
		last = cursorFrom(msg)

		select {
		case <-ctx.Done():
			// 在途调用已执行到完成并折叠到一致状态，写最终检查点后退出；
			// 游标只会落在真正评估完的消息上
			return e.finish(ctx, ec, processID, out, last)
		default:
		}
	}

	return e.finish(ctx, ec, processID, ec.Result, last)
}

// finish 恰好持久化一次最终折叠内存，无论本次消费了多少条消息
func (e *Evaluator) finish(ctx context.Context, ec *types.EvaluationContext, processID string, out types.EvaluationOutput, last types.Cursor) (types.EvaluateOutcome, error) {
	if err := e.collaborators.MemorySync.SaveLatestProcessMemory(ctx, collaborators.ProcessMemorySnapshot{
		ProcessID: processID,
		Memory:    ec.Result.Memory,
		Cursor:    last,
	}); err != nil {
		return types.EvaluateOutcome{}, fmt.Errorf("evaluator: saveLatestProcessMemory失败: %w", err)
	}
	return types.EvaluateOutcome{Output: out, Last: last}, nil
}

func cursorFrom(msg *types.Message) types.Cursor {
	return types.Cursor{
		Timestamp:   msg.Timestamp,
		BlockHeight: msg.BlockHeight,
		Ordinate:    msg.Ordinate,
		Cron:        msg.Cron,
	}
}

func sanitizedMessage(msg *types.Message) types.Message {
	out := *msg
	out.Tags = msg.SanitizedTags()
	return out
}
