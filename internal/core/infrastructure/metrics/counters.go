package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counters CU节点暴露的进程指标：编译模块/实例缓存的命中与未命中，以及
// evaluator的按类别消息计数
type Counters struct {
	ModuleCacheHits   prometheus.Counter
	ModuleCacheMisses prometheus.Counter

	InstanceCacheHits   prometheus.Counter
	InstanceCacheMisses prometheus.Counter

	MessagesScheduled prometheus.Counter
	MessagesCron      prometheus.Counter
	MessagesError     prometheus.Counter
}

// NewCounters 注册并返回计数器集合；reg可以是默认注册表或测试私有注册表
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		ModuleCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cu", Subsystem: "module_cache", Name: "hits_total",
			Help: "Compiled Wasm module cache hits.",
		}),
		ModuleCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cu", Subsystem: "module_cache", Name: "misses_total",
			Help: "Compiled Wasm module cache misses.",
		}),
		InstanceCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cu", Subsystem: "instance_cache", Name: "hits_total",
			Help: "Live Wasm instance cache hits.",
		}),
		InstanceCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cu", Subsystem: "instance_cache", Name: "misses_total",
			Help: "Live Wasm instance cache misses.",
		}),
		MessagesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cu", Subsystem: "messages", Name: "scheduled_total",
			Help: "Messages evaluated without a cron tag.",
		}),
		MessagesCron: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cu", Subsystem: "messages", Name: "cron_total",
			Help: "Messages evaluated with a cron tag.",
		}),
		MessagesError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cu", Subsystem: "messages", Name: "error_total",
			Help: "Evaluations whose output carried an Error.",
		}),
	}

	reg.MustRegister(
		c.ModuleCacheHits, c.ModuleCacheMisses,
		c.InstanceCacheHits, c.InstanceCacheMisses,
		c.MessagesScheduled, c.MessagesCron, c.MessagesError,
	)

	return c
}
