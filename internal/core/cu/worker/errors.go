package worker

import "errors"

// ErrGasExhausted 模块消耗的gas超过其ModuleComputeLimit时以guest trap形式抛出
var ErrGasExhausted = errors.New("worker: gas limit exceeded")

// WasmInvocationError 包装单次调用期间的trap、gas耗尽、内存越限或guest主动
// 报错。它不会离开worker：Invoke把它折算进EvaluationOutput.Error。
type WasmInvocationError struct {
	Reason string
	Err    error
}

func (e *WasmInvocationError) Error() string {
	return "worker: invocation failed (" + e.Reason + "): " + e.Err.Error()
}

func (e *WasmInvocationError) Unwrap() error { return e.Err }
