package store

import "errors"

// ErrModuleFetch 网关返回非2xx响应
var ErrModuleFetch = errors.New("store: gateway fetch failed")

// ErrCompile 编译器拒绝了二进制
var ErrCompile = errors.New("store: compile failed")

// ModuleFetchError 包装一次网关拉取失败及肇事moduleId
type ModuleFetchError struct {
	ModuleID string
	Status   int
	Err      error
}

func (e *ModuleFetchError) Error() string {
	return "store: fetch " + e.ModuleID + " failed: " + e.Err.Error()
}

func (e *ModuleFetchError) Unwrap() error { return e.Err }

// CompileError 包装一次编译失败及肇事moduleId
type CompileError struct {
	ModuleID string
	Err      error
}

func (e *CompileError) Error() string {
	return "store: compile " + e.ModuleID + " failed: " + e.Err.Error()
}

func (e *CompileError) Unwrap() error { return e.Err }
