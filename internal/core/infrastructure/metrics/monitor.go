// Package metrics 内存监控组件与进程计数器
//
// Monitor 周期性采样系统物理内存压力，越过阈值时写堆转储；Counters 以
// prometheus计数器暴露缓存命中率与evaluator消息统计。
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/pbnjay/memory"

	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
)

// Monitor 按固定间隔把系统内存用量与总量对比，用量越过阈值时在dumpPath
// 下写出<epoch-ms>.heapsnapshot
type Monitor struct {
	interval time.Duration
	dumpPath string
	log      logiface.Logger

	totalSystemMemory uint64
}

// NewMonitor 构建Monitor；interval<=0表示禁用监控
func NewMonitor(interval time.Duration, dumpPath string, log logiface.Logger) *Monitor {
	return &Monitor{
		interval:          interval,
		dumpPath:          dumpPath,
		log:               log,
		totalSystemMemory: memory.TotalMemory(),
	}
}

// Run 阻塞采样直到ctx取消；由internal/app的lifecycle钩子作为独立goroutine
// 启动
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		if m.log != nil {
			m.log.Infof("metrics: 内存监控已禁用 (MEM_MONITOR_INTERVAL<=0)")
		}
		return
	}
	if err := os.MkdirAll(m.dumpPath, 0o755); err != nil && m.log != nil {
		m.log.Warnf("metrics: 创建转储目录 %s 失败: %v", m.dumpPath, err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample 用量超过系统总内存一半时触发堆转储
//
// 判定基于物理内存而不是Go堆统计：badger的value log走mmap，HeapAlloc等
// 指标包含虚拟地址空间，会严重虚高。
func (m *Monitor) sample() {
	free := memory.FreeMemory()
	used := m.totalSystemMemory - free

	if m.log != nil {
		m.log.Debugf("metrics: 内存 used=%d total=%d", used, m.totalSystemMemory)
	}

	if m.totalSystemMemory == 0 {
		return
	}
	if float64(used)/float64(m.totalSystemMemory) < 0.5 {
		return
	}

	m.writeHeapDump()
}

func (m *Monitor) writeHeapDump() {
	name := filepath.Join(m.dumpPath, fmt.Sprintf("%d.heapsnapshot", nowUnixMilli()))
	f, err := os.Create(name)
	if err != nil {
		if m.log != nil {
			m.log.Errorf("metrics: 创建堆转储 %s 失败: %v", name, err)
		}
		return
	}
	defer f.Close()

	debug.WriteHeapDump(f.Fd())
	if m.log != nil {
		m.log.Warnf("metrics: 已写出堆转储 %s（内存压力越过阈值）", name)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
