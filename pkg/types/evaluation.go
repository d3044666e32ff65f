package types

import "strconv"

// ModuleId 是不透明的内容寻址标识符，稳定地解析到唯一一个不可变的Wasm二进制
type ModuleId string

// StreamId 标识一次正在进行的、针对某个process的evaluation，
// 由(processId, lower_bound)派生，作用域限定于单次evaluator运行
type StreamId string

// NewStreamId 由(processID, lowerBound)派生StreamId
func NewStreamId(processID string, lowerBound int64) StreamId {
	return StreamId(processID + "@" + strconv.FormatInt(lowerBound, 10))
}

// MemoryEncoding 标注Memory字节的编码方式
type MemoryEncoding string

const (
	MemoryEncodingNone MemoryEncoding = "none"
	MemoryEncodingGzip MemoryEncoding = "gzip"
)

// Memory 是进程在消息之间持久化的状态字节，可能以gzip编码持有；
// 与checkpointer交换时Encoding字段随之传递
type Memory struct {
	Bytes    []byte         `json:"-"`
	Encoding MemoryEncoding `json:"encoding"`
}

// EvaluationOutput 是一次Wasm调用折叠后的结果；evaluator的fold算子逐条
// 合并相继的输出
type EvaluationOutput struct {
	Memory   Memory                 `json:"-"`
	Error    string                 `json:"error,omitempty"`
	Messages []map[string]any       `json:"messages"`
	Spawns   []map[string]any       `json:"spawns"`
	Output   any                    `json:"output"`
	GasUsed  uint64                 `json:"gasUsed,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// HasError 报告这次输出是否携带Error
func (o *EvaluationOutput) HasError() bool {
	return o != nil && o.Error != ""
}

// Normalize 把缺失字段补上默认值：Messages=[]、Spawns=[]、Output=""；
// 数值型Output转为十进制字符串
func (o *EvaluationOutput) Normalize() {
	if o.Messages == nil {
		o.Messages = []map[string]any{}
	}
	if o.Spawns == nil {
		o.Spawns = []map[string]any{}
	}
	if o.Output == nil {
		o.Output = ""
	}
	if n, ok := o.Output.(float64); ok {
		o.Output = formatNumber(n)
	}
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// Cursor 是最后一条成功evaluate的消息之后、可恢复的位置
type Cursor struct {
	Timestamp   int64  `json:"timestamp"`
	BlockHeight int64  `json:"blockHeight"`
	Ordinate    int64  `json:"ordinate"`
	Cron        string `json:"cron,omitempty"`
}

// MessageStats 统计本次evaluation run内按类别计的消息数量
type MessageStats struct {
	Scheduled int
	Cron      int
	Error     int
}

// EvaluationContext 驱动一次evaluate调用；由evaluator在折叠过程中原地修改。
// Result持有目前为止折叠出的完整EvaluationOutput（Memory、Messages、Spawns、
// Output、GasUsed），每条消息fold之后整体被替换。
type EvaluationContext struct {
	ID                 string
	From               string
	ModuleID           ModuleId
	ModuleComputeLimit uint64
	ModuleMemoryLimit  uint32
	Stats              MessageStats
	Result             EvaluationOutput
	Messages           MessageSequence
}

// MessageSequence 是一个惰性的、有序的消息序列
type MessageSequence interface {
	// Next 返回序列中的下一条消息；ok为false表示序列已耗尽
	Next() (msg *Message, ok bool, err error)
}

// EvaluateOutcome 是evaluate操作的返回值：{ output, last }
type EvaluateOutcome struct {
	Output EvaluationOutput
	Last   Cursor
}
