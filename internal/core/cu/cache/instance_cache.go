// Package cache 实例缓存：从StreamId到存活Wasm实例的有界映射。缓存是单个
// 执行工作者私有的，不同工作者的缓存彼此不相交。
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// Instance 执行工作者实例化编译模块后的产物。Destroy释放线性内存与宿主
// 资源。
type Instance interface {
	Destroy(ctx context.Context) error
}

// InstanceCache 以StreamId为键的有界LRU；任一时刻每个StreamId至多存在
// 一个实例，逐出时同步销毁
type InstanceCache struct {
	mu     sync.Mutex
	inner  *lru.Cache[types.StreamId, Instance]
	log    logiface.Logger
	onHit  func()
	onMiss func()
}

// NewInstanceCache 构建容量为size的InstanceCache
func NewInstanceCache(size int, log logiface.Logger) (*InstanceCache, error) {
	c := &InstanceCache{log: log}
	inner, err := lru.NewWithEvict(size, func(id types.StreamId, inst Instance) {
		if err := inst.Destroy(context.Background()); err != nil && log != nil {
			log.Warnf("实例缓存: 销毁流 %s 的实例失败: %v", id, err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// SetMetricsHooks 挂接可选的命中/未命中计数器，任意一个可为nil
func (c *InstanceCache) SetMetricsHooks(onHit, onMiss func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHit, c.onMiss = onHit, onMiss
}

func (c *InstanceCache) Get(id types.StreamId) (Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.inner.Get(id)
	if ok && c.onHit != nil {
		c.onHit()
	} else if !ok && c.onMiss != nil {
		c.onMiss()
	}
	return inst, ok
}

func (c *InstanceCache) Put(id types.StreamId, inst Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.inner.Peek(id); ok && existing != inst {
		_ = existing.Destroy(context.Background())
	}
	c.inner.Add(id, inst)
}

// Evict 强制移除并销毁id对应的实例（若存在）
//
// 默认的evaluator在调用出错后不逐出实例；需要防范线性内存被错误调用污染
// 的部署可以在Error后主动调用这里。
func (c *InstanceCache) Evict(id types.StreamId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(id)
}

func (c *InstanceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
