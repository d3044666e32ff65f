package store

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"

	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// ModuleCache 有界的编译模块内存缓存
//
// 逐出策略为最近最少使用；逐出时经CompiledModule.Close释放其native/JIT
// 资源。多worker共享同一个ModuleCache，所有操作并发安全。
type ModuleCache struct {
	mu     sync.Mutex
	inner  *lru.Cache[types.ModuleId, wazero.CompiledModule]
	log    logiface.Logger
	onHit  func()
	onMiss func()
}

// NewModuleCache 构建容量为size的ModuleCache
func NewModuleCache(size int, log logiface.Logger) (*ModuleCache, error) {
	c := &ModuleCache{log: log}
	inner, err := lru.NewWithEvict(size, func(id types.ModuleId, mod wazero.CompiledModule) {
		if err := mod.Close(context.Background()); err != nil && log != nil {
			log.Warnf("模块缓存: 释放编译模块 %s 失败: %v", id, err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// SetMetricsHooks 挂接可选的命中/未命中计数器，任意一个可为nil
func (c *ModuleCache) SetMetricsHooks(onHit, onMiss func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHit, c.onMiss = onHit, onMiss
}

func (c *ModuleCache) Get(id types.ModuleId) (wazero.CompiledModule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mod, ok := c.inner.Get(id)
	if ok && c.onHit != nil {
		c.onHit()
	} else if !ok && c.onMiss != nil {
		c.onMiss()
	}
	return mod, ok
}

// Put 在id下插入mod
//
// 模块id是内容寻址的，两个并发写者对同一id编译出的结果等价；id已有驻留
// 条目时关闭多余的这份编译产物、保留驻留者即可。
func (c *ModuleCache) Put(id types.ModuleId, mod wazero.CompiledModule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.inner.Peek(id); ok {
		if existing != mod {
			_ = mod.Close(context.Background())
		}
		return
	}
	c.inner.Add(id, mod)
}

func (c *ModuleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
