package store

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/tetratelabs/wazero"

	collaborators "github.com/weisyn/compute-unit/pkg/interfaces/cu"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// Loader 依次查询编译缓存、磁盘二进制库、远端网关来解析ModuleId。在靠后
// 的层级命中时，结果向前写回到更快的层级。
type Loader struct {
	cache    *ModuleCache
	disk     *DiskStore
	streamer collaborators.TransactionStreamer
	runtime  wazero.Runtime
	log      logiface.Logger
}

// NewLoader 组装三级装载链
func NewLoader(cache *ModuleCache, disk *DiskStore, streamer collaborators.TransactionStreamer, runtime wazero.Runtime, log logiface.Logger) *Loader {
	return &Loader{cache: cache, disk: disk, streamer: streamer, runtime: runtime, log: log}
}

// LoadCompiled 按 缓存 -> 磁盘 -> 网关 的顺序解析moduleID
func (l *Loader) LoadCompiled(ctx context.Context, moduleID types.ModuleId) (wazero.CompiledModule, error) {
	if mod, ok := l.cache.Get(moduleID); ok {
		return mod, nil
	}

	if mod, ok, err := l.loadFromDisk(ctx, moduleID); err != nil {
		return nil, err
	} else if ok {
		l.cache.Put(moduleID, mod)
		return mod, nil
	}

	mod, err := l.loadFromGateway(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	l.cache.Put(moduleID, mod)
	return mod, nil
}

func (l *Loader) loadFromDisk(ctx context.Context, moduleID types.ModuleId) (wazero.CompiledModule, bool, error) {
	r, ok, err := l.disk.Open(moduleID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	defer r.Close()

	// wazero的CompileModule只接受完整[]byte，没有增量喂入的编译入口，
	// 解压流先缓冲再编译
	binary, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	mod, err := l.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, false, &CompileError{ModuleID: string(moduleID), Err: err}
	}
	return mod, true, nil
}

func (l *Loader) loadFromGateway(ctx context.Context, moduleID types.ModuleId) (wazero.CompiledModule, error) {
	body, err := l.streamer.StreamTransactionData(ctx, string(moduleID))
	if err != nil {
		var fetchErr *ModuleFetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &ModuleFetchError{ModuleID: string(moduleID), Err: err}
	}
	defer body.Close()

	// 网关响应流一分为二：一份进磁盘缓存，一份进编译器
	var toDisk bytes.Buffer
	tee := io.TeeReader(body, &toDisk)

	binary, err := io.ReadAll(tee)
	if err != nil {
		return nil, &ModuleFetchError{ModuleID: string(moduleID), Err: err}
	}

	mod, err := l.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, &CompileError{ModuleID: string(moduleID), Err: err}
	}

	l.disk.Write(moduleID, &toDisk)
	return mod, nil
}
