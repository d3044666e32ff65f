// Package cu 定义evaluator以依赖注入方式消费的外部协作者接口
package cu

import (
	"context"
	"io"

	"github.com/weisyn/compute-unit/pkg/types"
)

// EvaluationRecord 一条待持久化的evaluation记录
type EvaluationRecord struct {
	ProcessID   string
	Message     types.Message
	Output      types.EvaluationOutput
	Ordinate    int64
	Timestamp   int64
	BlockHeight int64
	Cron        string
}

// ProcessMemorySnapshot 待持久化的最终内存快照
type ProcessMemorySnapshot struct {
	ProcessID string
	Memory    types.Memory
	Cursor    types.Cursor
	// MemoryHash 快照内容的流式SHA-256（hex），由存储侧在落库时计算
	MemoryHash string
}

// EvaluationSaver 幂等地持久化一条(processId, ordinate, timestamp)的evaluation记录
type EvaluationSaver interface {
	SaveEvaluation(ctx context.Context, rec EvaluationRecord) error
}

// DeepHashIndex 查询此前是否已为该process评估过同一个deepHash
type DeepHashIndex interface {
	// FindMessageHashBefore 返回此前的记录；未找到时ok为false
	FindMessageHashBefore(ctx context.Context, deepHash, processID string, lowerBound int64) (rec *EvaluationRecord, ok bool, err error)
}

// ProcessMemorySaver 持久化最终内存快照
type ProcessMemorySaver interface {
	SaveLatestProcessMemory(ctx context.Context, snap ProcessMemorySnapshot) error
}

// ProcessMemoryLoader 读回最近一次持久化的内存快照，用于为新一轮评估播种
// 初始Memory；进程尚无快照时ok为false
type ProcessMemoryLoader interface {
	LoadLatestProcessMemory(ctx context.Context, processID string) (snap *ProcessMemorySnapshot, ok bool, err error)
}

// TransactionStreamer 为某次模块拉取返回一个带字节流body的响应
type TransactionStreamer interface {
	StreamTransactionData(ctx context.Context, id string) (io.ReadCloser, error)
}

// Collaborators 聚合evaluator所需的全部持久化协作者；可调用的Wasm handler
// 由执行工作者在evaluator侧单独注入
type Collaborators struct {
	Saver      EvaluationSaver
	DeepHashes DeepHashIndex
	MemorySync ProcessMemorySaver
}
