package evaluator

import (
	"context"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/weisyn/compute-unit/pkg/types"
)

// cronDedupSet 记录本次评估运行内见过的(cron, timestamp, ordinate)键
//
// 底层用allegro/bigcache：cron扇出大的运行不会像普通string map那样给GC
// 制造压力。集合作用域限定于单次Evaluate调用，运行结束即丢弃。
type cronDedupSet struct {
	cache *bigcache.BigCache
}

func newCronDedupSet() *cronDedupSet {
	cfg := bigcache.DefaultConfig(10 * time.Minute)
	cfg.Shards = 16
	cfg.HardMaxCacheSize = 32 // MB，对单次运行的去重键量足够宽裕
	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		// bigcache.New只在配置非法时失败，DefaultConfig恒为合法；万一走到
		// 这里也退回库自身默认值而不是在评估中途panic
		cache, _ = bigcache.New(context.Background(), bigcache.DefaultConfig(10*time.Minute))
	}
	return &cronDedupSet{cache: cache}
}

// seenBefore 报告key是否已被记录；未记录时顺带记录
func (s *cronDedupSet) seenBefore(key string) bool {
	if _, err := s.cache.Get(key); err == nil {
		return true
	}
	_ = s.cache.Set(key, []byte{1})
	return false
}

func cronKey(msg *types.Message) string {
	return msg.Cron + "|" + strconv.FormatInt(msg.Timestamp, 10) + "|" + strconv.FormatInt(msg.Ordinate, 10)
}

// shouldSkip 两级去重：deepHash查跨运行的持久化索引；cron查仅限本次运行
// 的内存集合
func (e *Evaluator) shouldSkip(ctx context.Context, msg *types.Message, processID string, cronSeen *cronDedupSet) (bool, error) {
	if msg.DeepHash != "" {
		_, found, err := e.collaborators.DeepHashes.FindMessageHashBefore(ctx, msg.DeepHash, processID, msg.Ordinate)
		if err != nil {
			return false, err
		}
		if found {
			if e.log != nil {
				e.log.Infof("evaluator: 跳过消息 %s，deepHash %s 已为进程 %s 评估过", msg.ID, msg.DeepHash, processID)
			}
			return true, nil
		}
	}

	if msg.HasCron() {
		if cronSeen.seenBefore(cronKey(msg)) {
			if e.log != nil {
				e.log.Infof("evaluator: 跳过重复cron消息 %s (cron=%s)", msg.ID, msg.Cron)
			}
			return true, nil
		}
	}

	return false, nil
}
