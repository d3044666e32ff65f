package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/weisyn/compute-unit/pkg/types"
)

// gasMeter 单次调用的gas计量器
//
// guest在基本块边界调用宿主函数consume_gas上报消耗，累计值越过上限即触发
// trap。计量器经context传入每次Call，因此同一运行时上注册一次宿主模块即可
// 服务所有实例。
type gasMeter struct {
	used  atomic.Uint64
	limit uint64
}

func (g *gasMeter) consume(amount uint64) {
	if g.used.Add(amount) > g.limit {
		panic(ErrGasExhausted)
	}
}

type gasMeterKey struct{}

func withGasMeter(ctx context.Context, m *gasMeter) context.Context {
	return context.WithValue(ctx, gasMeterKey{}, m)
}

func meterFrom(ctx context.Context) *gasMeter {
	m, _ := ctx.Value(gasMeterKey{}).(*gasMeter)
	return m
}

// gasHostModuleName guest侧导入gas上报函数所用的命名空间
const gasHostModuleName = "cu_host"

// registerHostModule 在运行时上注册cu_host宿主模块
//
// 同名模块在一个wazero运行时内只能实例化一次，由Worker经sync.Once调用；
// consume_gas从调用context取出当前计量器，而不是闭包捕获某个实例。
func registerHostModule(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(gasHostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, amount uint64) {
			if m := meterFrom(ctx); m != nil {
				m.consume(amount)
			}
		}).
		Export("consume_gas").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("worker: 注册宿主模块失败: %w", err)
	}
	return nil
}

// instance 绑定了编译模块、线性内存与资源上限的存活Wasm实例
//
// 实例被Instance Cache中持有它的StreamId独占，逐出时同步销毁并释放线性内存。
type instance struct {
	moduleID types.ModuleId
	module   api.Module
	gasLimit uint64
	memLimit uint32
}

func instantiate(ctx context.Context, rt wazero.Runtime, streamID types.StreamId, moduleID types.ModuleId, compiled wazero.CompiledModule, gasLimit uint64, memLimit uint32) (*instance, error) {
	// 模块名由StreamId派生；同一流在缓存中至多一个实例，不会与运行时内
	// 其他命名模块冲突
	cfg := wazero.NewModuleConfig().
		WithName("stream_" + string(streamID)).
		WithStartFunctions()

	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("worker: 实例化失败: %w", err)
	}
	return &instance{moduleID: moduleID, module: mod, gasLimit: gasLimit, memLimit: memLimit}, nil
}

// Destroy 实现cache.Instance：关闭模块并同步释放其线性内存
func (i *instance) Destroy(ctx context.Context) error {
	if i.module == nil {
		return nil
	}
	return i.module.Close(ctx)
}

func (i *instance) memoryPages() uint32 {
	if i.module == nil {
		return 0
	}
	mem := i.module.Memory()
	if mem == nil {
		return 0
	}
	return mem.Size() / 65536
}
