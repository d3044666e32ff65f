package evaluator

import (
	"context"
	"sync"

	"github.com/weisyn/compute-unit/pkg/types"
)

// Pending 进程级的在途评估登记表
//
// 同一进程同一时刻只允许一个evaluator运行：后到的请求挂靠到在途运行上，
// 等待并共享其结果，而不是并发地对同一进程各自折叠。不同进程互不阻塞。
type Pending struct {
	mu       sync.Mutex
	inflight map[string]*inflightRun
}

type inflightRun struct {
	done    chan struct{}
	outcome types.EvaluateOutcome
	err     error
}

// NewPending 构建空登记表
func NewPending() *Pending {
	return &Pending{inflight: make(map[string]*inflightRun)}
}

// Do 以processID为键串行化run的执行
//
// 无在途运行时登记并执行run，完成后广播结果；已有在途运行时不执行run，
// 阻塞等待其结束并返回attached=true与它的结果。等待期间ctx被取消则提前
// 返回ctx.Err()，在途运行不受影响。
func (p *Pending) Do(ctx context.Context, processID string, run func() (types.EvaluateOutcome, error)) (outcome types.EvaluateOutcome, attached bool, err error) {
	p.mu.Lock()
	if r, ok := p.inflight[processID]; ok {
		p.mu.Unlock()
		select {
		case <-r.done:
			return r.outcome, true, r.err
		case <-ctx.Done():
			return types.EvaluateOutcome{}, true, ctx.Err()
		}
	}

	r := &inflightRun{done: make(chan struct{})}
	p.inflight[processID] = r
	p.mu.Unlock()

	r.outcome, r.err = run()

	p.mu.Lock()
	delete(p.inflight, processID)
	p.mu.Unlock()
	close(r.done)

	return r.outcome, false, r.err
}

// InFlight 报告processID当前是否有在途评估
func (p *Pending) InFlight(processID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[processID]
	return ok
}
