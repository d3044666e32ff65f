// Package router 消息路由：把原始签名消息转发给调度器，立即返回分配到的
// 事务id，随后异步地"摇转"（crank）——沿进程产出的Messages/Spawns递归跟进，
// 把每个出站对象当作新的输入继续评估。
package router

import (
	"context"
	"fmt"

	"github.com/weisyn/compute-unit/internal/core/codec"
	"github.com/weisyn/compute-unit/internal/core/cu/evaluator"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// Scheduler 调度器单元的客户端边界（调度器本体在本仓库之外）
type Scheduler interface {
	// Forward 转发一条原始签名消息，返回调度器分配的事务id
	Forward(ctx context.Context, rawMessage []byte) (txID string, err error)
	// ForwardEncoded 转发一条已按线格式编码的出站消息（crank路径）
	ForwardEncoded(ctx context.Context, msg *codec.EncodedMessage) (txID string, err error)
}

// RunResolver 把一个已调度的事务id解析为它所属的进程、流与评估上下文。
// 由internal/app实现。
type RunResolver interface {
	Resolve(ctx context.Context, txID string) (processID string, streamID types.StreamId, ec *types.EvaluationContext, err error)
}

// Evaluating 评估入口，由evaluator.Evaluator实现
type Evaluating interface {
	Evaluate(ctx context.Context, ec *types.EvaluationContext, processID string, streamID types.StreamId) (types.EvaluateOutcome, error)
}

// Router 入站转发 + 异步crank
type Router struct {
	scheduler Scheduler
	resolver  RunResolver
	eval      Evaluating
	pending   *evaluator.Pending
	log       logiface.Logger
}

// New 组装Router
func New(scheduler Scheduler, resolver RunResolver, eval Evaluating, pending *evaluator.Pending, log logiface.Logger) *Router {
	if pending == nil {
		pending = evaluator.NewPending()
	}
	return &Router{scheduler: scheduler, resolver: resolver, eval: eval, pending: pending, log: log}
}

// Submit 转发原始消息并立即返回事务id；crank在响应之后异步继续
func (r *Router) Submit(ctx context.Context, rawMessage []byte) (txID string, err error) {
	txID, err = r.scheduler.Forward(ctx, rawMessage)
	if err != nil {
		return "", fmt.Errorf("router: 转发调度器失败: %w", err)
	}

	go r.crank(context.Background(), txID)

	return txID, nil
}

// crank 广度优先跟进出站消息树，seen集合避免同一事务在一次crank内被评估
// 两次
func (r *Router) crank(ctx context.Context, rootTxID string) {
	pending := []string{rootTxID}
	seen := map[string]struct{}{rootTxID: {}}

	for len(pending) > 0 {
		txID := pending[0]
		pending = pending[1:]

		outbound, err := r.runOne(ctx, txID)
		if err != nil {
			if r.log != nil {
				r.log.Errorf("router: crank %s 失败: %v", txID, err)
			}
			continue
		}

		for _, next := range outbound {
			if _, dup := seen[next]; dup {
				continue
			}
			seen[next] = struct{}{}
			pending = append(pending, next)
		}
	}
}

// runOne 评估一个已调度事务，把它产出的Messages/Spawns编码后转发给调度器，
// 返回新分配的事务id供crank循环继续跟进
//
// 经由Pending登记表执行：同一进程已有在途评估时挂靠等待其结果，不会并发
// 折叠同一进程。
func (r *Router) runOne(ctx context.Context, txID string) ([]string, error) {
	processID, streamID, ec, err := r.resolver.Resolve(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("解析 %s: %w", txID, err)
	}

	outcome, attached, err := r.pending.Do(ctx, processID, func() (types.EvaluateOutcome, error) {
		return r.eval.Evaluate(ctx, ec, processID, streamID)
	})
	if err != nil {
		return nil, fmt.Errorf("评估 %s: %w", txID, err)
	}
	if attached && r.log != nil {
		r.log.Debugf("router: %s 挂靠到进程 %s 的在途评估", txID, processID)
	}

	outbound := make([]map[string]any, 0, len(outcome.Output.Messages)+len(outcome.Output.Spawns))
	outbound = append(outbound, outcome.Output.Messages...)
	outbound = append(outbound, outcome.Output.Spawns...)

	var outboundTxIDs []string
	for _, m := range outbound {
		nextID, err := r.forwardOutbound(ctx, m)
		if err != nil {
			// 出站对象编码/转发失败只影响这一分支，crank继续
			if r.log != nil {
				r.log.Warnf("router: 出站消息转发失败: %v", err)
			}
			continue
		}
		outboundTxIDs = append(outboundTxIDs, nextID)
	}
	return outboundTxIDs, nil
}

// forwardOutbound 把一个出站Message/Spawn对象编码为线格式并交给调度器
func (r *Router) forwardOutbound(ctx context.Context, m map[string]any) (string, error) {
	encoded, err := codec.Encode(m)
	if err != nil {
		return "", fmt.Errorf("编码出站消息: %w", err)
	}
	txID, err := r.scheduler.ForwardEncoded(ctx, encoded)
	if err != nil {
		return "", fmt.Errorf("转发出站消息: %w", err)
	}
	return txID, nil
}
