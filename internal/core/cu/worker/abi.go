package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weisyn/compute-unit/pkg/types"
)

// guest调用约定：模块需导出线性"memory"、分配器"cu_alloc(size i32) -> i32"
// 和入口"cu_handle(memPtr, memLen, msgPtr, msgLen, globalsPtr, globalsLen
// i32) -> i64"，返回值打包为 (outPtr<<32 | outLen)。宿主把Memory的原始字节，
// 以及JSON序列化后的消息和运行时上下文，分别写入guest分配的缓冲区，再从
// 返回缓冲区读出JSON编码的EvaluationOutput。
func (i *instance) invokeHandle(ctx context.Context, mem types.Memory, msg types.Message) (types.EvaluationOutput, error) {
	alloc := i.module.ExportedFunction("cu_alloc")
	handle := i.module.ExportedFunction("cu_handle")
	if alloc == nil || handle == nil {
		return types.EvaluationOutput{}, &WasmInvocationError{Reason: "missing exports", Err: fmt.Errorf("模块 %s 未导出 cu_alloc/cu_handle", i.moduleID)}
	}

	memPtr, memLen, err := i.writeBytes(ctx, alloc, mem.Bytes)
	if err != nil {
		return types.EvaluationOutput{}, err
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return types.EvaluationOutput{}, err
	}
	msgPtr, msgLen, err := i.writeBytes(ctx, alloc, msgJSON)
	if err != nil {
		return types.EvaluationOutput{}, err
	}

	globalsJSON, err := json.Marshal(msg.AoGlobal)
	if err != nil {
		return types.EvaluationOutput{}, err
	}
	globalsPtr, globalsLen, err := i.writeBytes(ctx, alloc, globalsJSON)
	if err != nil {
		return types.EvaluationOutput{}, err
	}

	results, err := handle.Call(ctx, memPtr, memLen, msgPtr, msgLen, globalsPtr, globalsLen)
	if err != nil {
		return types.EvaluationOutput{}, &WasmInvocationError{Reason: "trap", Err: err}
	}
	if len(results) != 1 {
		return types.EvaluationOutput{}, &WasmInvocationError{Reason: "malformed return", Err: fmt.Errorf("cu_handle 返回 %d 个值，期望 1 个", len(results))}
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)

	raw, ok := i.module.Memory().Read(outPtr, outLen)
	if !ok {
		return types.EvaluationOutput{}, &WasmInvocationError{Reason: "out of bounds read", Err: fmt.Errorf("无法在 %d 处读取 %d 字节", outPtr, outLen)}
	}

	// guest侧线格式：Memory以base64字节随JSON返回，宿主侧再还原为解码态
	var wire wireOutput
	if err := json.Unmarshal(raw, &wire); err != nil {
		return types.EvaluationOutput{}, &WasmInvocationError{Reason: "malformed output", Err: err}
	}
	return types.EvaluationOutput{
		Memory:   types.Memory{Bytes: wire.Memory, Encoding: types.MemoryEncodingNone},
		Error:    wire.Error,
		Messages: wire.Messages,
		Spawns:   wire.Spawns,
		Output:   wire.Output,
		GasUsed:  wire.GasUsed,
	}, nil
}

// wireOutput guest返回缓冲区里的JSON形状
type wireOutput struct {
	Memory   []byte           `json:"memory"`
	Error    string           `json:"error,omitempty"`
	Messages []map[string]any `json:"messages"`
	Spawns   []map[string]any `json:"spawns"`
	Output   any              `json:"output"`
	GasUsed  uint64           `json:"gasUsed,omitempty"`
}

func (i *instance) writeBytes(ctx context.Context, alloc interface {
	Call(context.Context, ...uint64) ([]uint64, error)
}, data []byte) (ptr uint64, length uint64, err error) {
	size := uint64(len(data))
	res, err := alloc.Call(ctx, size)
	if err != nil {
		return 0, 0, &WasmInvocationError{Reason: "allocation failed", Err: err}
	}
	p := uint32(res[0])
	if len(data) > 0 {
		if !i.module.Memory().Write(p, data) {
			return 0, 0, &WasmInvocationError{Reason: "out of bounds write", Err: fmt.Errorf("无法在 %d 处写入 %d 字节", p, len(data))}
		}
	}
	return uint64(p), size, nil
}
